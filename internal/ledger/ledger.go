// Package ledger is the durable coordination store for jobs and regions. It
// is the only shared mutable state in the system and is updated exclusively
// through conditional writes, which is how exactly-one terminal transition
// per job and exactly-one processing per region are enforced.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrConditionFailed is returned when a conditional update's predicate
// rejects the current record state.
var ErrConditionFailed = errors.New("conditional update predicate failed")

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// JobStatus enumerates the lifecycle of an image job. Transitions form a DAG
// with no regressions: NEW -> IN_PROGRESS -> {SUCCESS, PARTIAL, FAILED}.
type JobStatus string

const (
	JobNew        JobStatus = "NEW"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSuccess    JobStatus = "SUCCESS"
	JobPartial    JobStatus = "PARTIAL"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobPartial || s == JobFailed
}

// RegionStatus enumerates the lifecycle of one region record.
type RegionStatus string

const (
	RegionClaimed RegionStatus = "CLAIMED"
	RegionDone    RegionStatus = "DONE"
	RegionError   RegionStatus = "ERROR"
)

// JobRecord is the per-image job row, keyed by job id.
type JobRecord struct {
	JobID         string    `json:"jobId"`
	Status        JobStatus `json:"status"`
	ImageURL      string    `json:"imageUrl"`
	ModelName     string    `json:"modelName"`
	RegionCount   int       `json:"regionCount"`
	RegionSuccess int       `json:"regionSuccess"`
	RegionError   int       `json:"regionError"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	StartTime     time.Time `json:"startTime,omitzero"`
	EndTime       time.Time `json:"endTime,omitzero"`
	RequestEcho   []byte    `json:"requestEcho,omitempty"`
	OutputURIs    []string  `json:"outputUris,omitempty"`
	Message       string    `json:"message,omitempty"`
}

// RegionKey identifies one region record.
type RegionKey struct {
	JobID    string
	RegionID string
}

// RegionRecord is the per-region row, keyed by (job id, region id). Its
// conditional creation prevents two workers from processing one region.
type RegionRecord struct {
	JobID        string       `json:"jobId"`
	RegionID     string       `json:"regionId"`
	Status       RegionStatus `json:"status"`
	WorkerID     string       `json:"workerId"`
	Attempts     int          `json:"attempts"`
	TileCount    int          `json:"tileCount"`
	TileErrors   int          `json:"tileErrors"`
	FeatureCount int          `json:"featureCount"`
	UpdatedAt    time.Time    `json:"updatedAt,omitzero"`
}

// Key returns the record's composite key.
func (r RegionRecord) Key() RegionKey {
	return RegionKey{JobID: r.JobID, RegionID: r.RegionID}
}

// Ledger is the conditional-write KV contract. Predicates are evaluated
// atomically with the mutation (optimistic concurrency); there are no locks
// held by callers.
type Ledger interface {
	CreateJobIfAbsent(ctx context.Context, rec JobRecord) (JobRecord, bool, error)
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	UpdateJobIf(ctx context.Context, jobID string, pred func(JobRecord) bool, mutate func(*JobRecord)) (JobRecord, error)

	CreateRegionIfAbsent(ctx context.Context, rec RegionRecord) (RegionRecord, bool, error)
	GetRegion(ctx context.Context, key RegionKey) (RegionRecord, error)
	UpdateRegionIf(ctx context.Context, key RegionKey, pred func(RegionRecord) bool, mutate func(*RegionRecord)) (RegionRecord, error)
}
