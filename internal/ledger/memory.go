package ledger

import (
	"context"
	"sync"
)

// Memory is an in-process Ledger used by tests and single-node runs. Every
// mutation happens under one lock, which gives the same atomicity the real
// store provides with conditional writes.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]JobRecord
	regions map[RegionKey]RegionRecord
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]JobRecord),
		regions: make(map[RegionKey]RegionRecord),
	}
}

// CreateJobIfAbsent stores the record unless the key already exists, in
// which case the existing record is returned unchanged.
func (m *Memory) CreateJobIfAbsent(ctx context.Context, rec JobRecord) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[rec.JobID]; ok {
		return existing, false, nil
	}
	m.jobs[rec.JobID] = rec
	return rec, true, nil
}

// GetJob fetches a job record.
func (m *Memory) GetJob(ctx context.Context, jobID string) (JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return rec, nil
}

// UpdateJobIf applies the mutation only when the predicate accepts the
// current record.
func (m *Memory) UpdateJobIf(ctx context.Context, jobID string, pred func(JobRecord) bool, mutate func(*JobRecord)) (JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	if !pred(rec) {
		return rec, ErrConditionFailed
	}
	mutate(&rec)
	m.jobs[jobID] = rec
	return rec, nil
}

// CreateRegionIfAbsent stores the record unless the key already exists.
func (m *Memory) CreateRegionIfAbsent(ctx context.Context, rec RegionRecord) (RegionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.Key()
	if existing, ok := m.regions[key]; ok {
		return existing, false, nil
	}
	m.regions[key] = rec
	return rec, true, nil
}

// GetRegion fetches a region record.
func (m *Memory) GetRegion(ctx context.Context, key RegionKey) (RegionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.regions[key]
	if !ok {
		return RegionRecord{}, ErrNotFound
	}
	return rec, nil
}

// UpdateRegionIf applies the mutation only when the predicate accepts the
// current record.
func (m *Memory) UpdateRegionIf(ctx context.Context, key RegionKey, pred func(RegionRecord) bool, mutate func(*RegionRecord)) (RegionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.regions[key]
	if !ok {
		return RegionRecord{}, ErrNotFound
	}
	if !pred(rec) {
		return rec, ErrConditionFailed
	}
	mutate(&rec)
	m.regions[key] = rec
	return rec, nil
}
