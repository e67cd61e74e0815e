package ledger

import (
	"context"
	"errors"
	"time"
)

// StartJob records the NEW -> IN_PROGRESS transition for an image request.
// Exactly one caller observes started == true; a duplicate delivery of the
// same job finds the existing record and must treat the work as already
// owned (or already finished when the status is terminal).
func StartJob(ctx context.Context, l Ledger, rec JobRecord, now time.Time) (JobRecord, bool, error) {
	rec.Status = JobInProgress
	rec.StartTime = now
	return l.CreateJobIfAbsent(ctx, rec)
}

// SetRegionCount stores the planned region count once planning completes.
func SetRegionCount(ctx context.Context, l Ledger, jobID string, count, width, height int) (JobRecord, error) {
	return l.UpdateJobIf(ctx, jobID,
		func(r JobRecord) bool { return r.Status == JobInProgress },
		func(r *JobRecord) {
			r.RegionCount = count
			r.Width = width
			r.Height = height
		})
}

// CompleteRegion atomically increments the success or error counter for a
// job. When the post-increment counts cover every region the job is moved to
// its terminal status in the same conditional update; the returned flag is
// true only for the single caller whose update performed that transition.
func CompleteRegion(ctx context.Context, l Ledger, jobID string, errored bool, now time.Time) (JobRecord, bool, error) {
	var transitioned bool
	rec, err := l.UpdateJobIf(ctx, jobID,
		func(r JobRecord) bool {
			return !r.Status.Terminal() && r.RegionSuccess+r.RegionError < r.RegionCount
		},
		func(r *JobRecord) {
			if errored {
				r.RegionError++
			} else {
				r.RegionSuccess++
			}
			if r.RegionSuccess+r.RegionError == r.RegionCount {
				r.Status = terminalStatus(r.RegionSuccess, r.RegionError)
				r.EndTime = now
				transitioned = true
			}
		})
	if err != nil {
		return rec, false, err
	}
	return rec, transitioned, nil
}

// terminalStatus derives the end state from the region counters: SUCCESS when
// every region succeeded, FAILED when none did, PARTIAL otherwise.
func terminalStatus(success, errored int) JobStatus {
	switch {
	case errored == 0:
		return JobSuccess
	case success == 0:
		return JobFailed
	default:
		return JobPartial
	}
}

// FailJob moves a non-terminal job straight to FAILED, used for validation
// and decode failures before any region work starts.
func FailJob(ctx context.Context, l Ledger, jobID, message string, now time.Time) (JobRecord, error) {
	return l.UpdateJobIf(ctx, jobID,
		func(r JobRecord) bool { return !r.Status.Terminal() },
		func(r *JobRecord) {
			r.Status = JobFailed
			r.Message = message
			r.EndTime = now
		})
}

// ClaimRegion attempts to take ownership of a region. The first worker
// creates the CLAIMED record; later workers reclaim it only when the
// previous claim has gone stale (its worker stopped heartbeating). Regions
// that already reached DONE or ERROR are never reclaimed: their outcome is
// already reflected in the job counters.
func ClaimRegion(ctx context.Context, l Ledger, rec RegionRecord, staleAfter time.Duration, now time.Time) (RegionRecord, bool, error) {
	rec.Status = RegionClaimed
	rec.Attempts = 1
	rec.UpdatedAt = now
	existing, created, err := l.CreateRegionIfAbsent(ctx, rec)
	if err != nil {
		return RegionRecord{}, false, err
	}
	if created {
		return existing, true, nil
	}
	// Terminal regions were already counted on the job; reprocessing one
	// would double-increment the counters.
	if existing.Status != RegionClaimed {
		return existing, false, nil
	}
	// A live claim blocks other workers, but the claim holder itself may
	// re-enter after a transient failure released the message back to it.
	if existing.WorkerID != rec.WorkerID && now.Sub(existing.UpdatedAt) < staleAfter {
		return existing, false, nil
	}

	reclaimed, err := l.UpdateRegionIf(ctx, rec.Key(),
		func(r RegionRecord) bool {
			if r.Status != RegionClaimed {
				return false
			}
			return r.WorkerID == rec.WorkerID || now.Sub(r.UpdatedAt) >= staleAfter
		},
		func(r *RegionRecord) {
			r.Status = RegionClaimed
			r.WorkerID = rec.WorkerID
			r.Attempts++
			r.UpdatedAt = now
		})
	if err != nil {
		if errors.Is(err, ErrConditionFailed) {
			return existing, false, nil
		}
		return RegionRecord{}, false, err
	}
	return reclaimed, true, nil
}

// FinishRegion records the terminal state of a region with its tile and
// feature counts.
func FinishRegion(ctx context.Context, l Ledger, key RegionKey, status RegionStatus, tiles, tileErrors, features int, now time.Time) (RegionRecord, error) {
	return l.UpdateRegionIf(ctx, key,
		func(r RegionRecord) bool { return r.Status == RegionClaimed },
		func(r *RegionRecord) {
			r.Status = status
			r.TileCount = tiles
			r.TileErrors = tileErrors
			r.FeatureCount = features
			r.UpdatedAt = now
		})
}
