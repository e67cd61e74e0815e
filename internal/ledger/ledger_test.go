package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestStartJobIsIdempotent(t *testing.T) {
	l := NewMemory()
	ctx := t.Context()

	rec, started, err := StartJob(ctx, l, JobRecord{JobID: "j1", ImageURL: "s3://b/a.tif"}, t0)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, JobInProgress, rec.Status)
	assert.Equal(t, t0, rec.StartTime)

	again, started, err := StartJob(ctx, l, JobRecord{JobID: "j1"}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, rec, again)
}

func TestCompleteRegionCountersAndTerminalTransition(t *testing.T) {
	l := NewMemory()
	ctx := t.Context()

	_, _, err := StartJob(ctx, l, JobRecord{JobID: "j1"}, t0)
	require.NoError(t, err)
	_, err = SetRegionCount(ctx, l, "j1", 3, 100, 100)
	require.NoError(t, err)

	rec, terminal, err := CompleteRegion(ctx, l, "j1", false, t0)
	require.NoError(t, err)
	assert.False(t, terminal)
	assert.Equal(t, 1, rec.RegionSuccess)
	assert.Equal(t, JobInProgress, rec.Status)

	_, terminal, err = CompleteRegion(ctx, l, "j1", true, t0)
	require.NoError(t, err)
	assert.False(t, terminal)

	rec, terminal, err = CompleteRegion(ctx, l, "j1", false, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Equal(t, JobPartial, rec.Status)
	assert.Equal(t, t0.Add(time.Minute), rec.EndTime)

	// Counter invariant held throughout
	assert.Equal(t, rec.RegionCount, rec.RegionSuccess+rec.RegionError)

	// Further completions are rejected: the job is terminal.
	_, _, err = CompleteRegion(ctx, l, "j1", false, t0)
	assert.ErrorIs(t, err, ErrConditionFailed)
}

func TestCompleteRegionTerminalStatusVariants(t *testing.T) {
	tests := []struct {
		name    string
		results []bool // errored flags per region
		want    JobStatus
	}{
		{"all success", []bool{false, false}, JobSuccess},
		{"mixed", []bool{false, true}, JobPartial},
		{"all failed", []bool{true, true}, JobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewMemory()
			ctx := t.Context()
			_, _, err := StartJob(ctx, l, JobRecord{JobID: "j"}, t0)
			require.NoError(t, err)
			_, err = SetRegionCount(ctx, l, "j", len(tt.results), 10, 10)
			require.NoError(t, err)

			var rec JobRecord
			for _, errored := range tt.results {
				rec, _, err = CompleteRegion(ctx, l, "j", errored, t0)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, rec.Status)
		})
	}
}

func TestExactlyOneTerminalTransitionUnderConcurrency(t *testing.T) {
	l := NewMemory()
	ctx := t.Context()
	const regions = 32

	_, _, err := StartJob(ctx, l, JobRecord{JobID: "j"}, t0)
	require.NoError(t, err)
	_, err = SetRegionCount(ctx, l, "j", regions, 10, 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	transitions := 0
	for range regions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, terminal, err := CompleteRegion(ctx, l, "j", false, t0)
			require.NoError(t, err)
			if terminal {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, transitions)
	rec, err := l.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, JobSuccess, rec.Status)
	assert.Equal(t, regions, rec.RegionSuccess)
}

func TestFailJobWrittenOnce(t *testing.T) {
	l := NewMemory()
	ctx := t.Context()
	_, _, err := StartJob(ctx, l, JobRecord{JobID: "j"}, t0)
	require.NoError(t, err)

	rec, err := FailJob(ctx, l, "j", "bad tile size", t0)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, rec.Status)
	assert.Equal(t, "bad tile size", rec.Message)

	_, err = FailJob(ctx, l, "j", "again", t0)
	assert.ErrorIs(t, err, ErrConditionFailed)
}

func TestClaimRegionLifecycle(t *testing.T) {
	l := NewMemory()
	ctx := t.Context()
	stale := time.Minute
	rec := RegionRecord{JobID: "j", RegionID: "r0", WorkerID: "w1"}

	claimed, ok, err := ClaimRegion(ctx, l, rec, stale, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RegionClaimed, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	// Live claim cannot be stolen.
	other := RegionRecord{JobID: "j", RegionID: "r0", WorkerID: "w2"}
	_, ok, err = ClaimRegion(ctx, l, other, stale, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// Stale claim is reclaimed with an attempt bump.
	reclaimed, ok, err := ClaimRegion(ctx, l, other, stale, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "w2", reclaimed.WorkerID)
	assert.Equal(t, 2, reclaimed.Attempts)

	// DONE regions are never reclaimed.
	_, err = FinishRegion(ctx, l, rec.Key(), RegionDone, 4, 0, 17, t0.Add(3*time.Minute))
	require.NoError(t, err)
	_, ok, err = ClaimRegion(ctx, l, rec, stale, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimRegionSelfReclaim(t *testing.T) {
	l := NewMemory()
	ctx := t.Context()
	stale := time.Minute
	rec := RegionRecord{JobID: "j", RegionID: "r0", WorkerID: "w1"}

	_, ok, err := ClaimRegion(ctx, l, rec, stale, t0)
	require.NoError(t, err)
	require.True(t, ok)

	// The claim holder can re-enter immediately after a transient failure.
	again, ok, err := ClaimRegion(ctx, l, rec, stale, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, again.Attempts)
}

func TestClaimRegionNeverReclaimsErrored(t *testing.T) {
	l := NewMemory()
	ctx := t.Context()
	rec := RegionRecord{JobID: "j", RegionID: "r0", WorkerID: "w1"}

	_, ok, err := ClaimRegion(ctx, l, rec, time.Minute, t0)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = FinishRegion(ctx, l, rec.Key(), RegionError, 4, 4, 0, t0)
	require.NoError(t, err)

	// Even long after the stale window the errored region stays closed.
	_, ok, err = ClaimRegion(ctx, l, rec, time.Minute, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinishRegionRequiresClaim(t *testing.T) {
	l := NewMemory()
	ctx := t.Context()
	_, err := FinishRegion(ctx, l, RegionKey{JobID: "j", RegionID: "r"}, RegionDone, 1, 0, 0, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}
