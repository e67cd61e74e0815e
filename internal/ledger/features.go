package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
)

// FeatureStore accumulates each region's lifted features until the last
// region completes and the job output is aggregated. Entries are keyed by
// (job, region) so a reprocessed region overwrites its previous contribution
// instead of duplicating it.
type FeatureStore interface {
	PutRegionFeatures(ctx context.Context, jobID, regionID string, features []*geo.Feature) error
	JobFeatures(ctx context.Context, jobID string) ([]*geo.Feature, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// MemoryFeatureStore is the in-process FeatureStore.
type MemoryFeatureStore struct {
	mu   sync.Mutex
	jobs map[string]map[string][]*geo.Feature
}

// NewMemoryFeatureStore creates an empty store.
func NewMemoryFeatureStore() *MemoryFeatureStore {
	return &MemoryFeatureStore{jobs: make(map[string]map[string][]*geo.Feature)}
}

// PutRegionFeatures records a region's features, replacing any previous set
// for the same region.
func (s *MemoryFeatureStore) PutRegionFeatures(ctx context.Context, jobID, regionID string, features []*geo.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	regions, ok := s.jobs[jobID]
	if !ok {
		regions = make(map[string][]*geo.Feature)
		s.jobs[jobID] = regions
	}
	regions[regionID] = append([]*geo.Feature(nil), features...)
	return nil
}

// JobFeatures returns every region's features for a job in deterministic
// region-id order. Region completion order is not meaningful, so a stable
// ordering keeps aggregation reproducible.
func (s *MemoryFeatureStore) JobFeatures(ctx context.Context, jobID string) ([]*geo.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	regions := s.jobs[jobID]
	ids := make([]string, 0, len(regions))
	for id := range regions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*geo.Feature
	for _, id := range ids {
		out = append(out, regions[id]...)
	}
	return out, nil
}

// DeleteJob drops a job's accumulated features after finalization.
func (s *MemoryFeatureStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}
