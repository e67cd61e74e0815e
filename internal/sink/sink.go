// Package sink disseminates aggregated job features to their configured
// destinations: a GeoJSON document per job in the object store, and batched
// feature records on a streaming bus.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
)

// Output is one entry of an image request's outputs list.
type Output struct {
	Type      string `json:"type"`
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Stream    string `json:"stream,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

// Sink types accepted in request outputs.
const (
	TypeS3      = "S3"
	TypeKinesis = "Kinesis"
)

// Sink writes one job's feature set to a destination.
type Sink interface {
	// Name identifies the sink kind in logs and status records.
	Name() string
	// Write emits the features for a job. Writes are keyed by job so
	// duplicate deliveries are detectable downstream.
	Write(ctx context.Context, jobID string, features []*geo.Feature) (string, error)
}

// WriteAll writes the features to every sink. The job is considered
// disseminated when at least one sink write succeeds; total failure is an
// error. Returned URIs identify successful writes.
func WriteAll(ctx context.Context, log *slog.Logger, sinks []Sink, jobID string, features []*geo.Feature) ([]string, error) {
	if len(sinks) == 0 {
		return nil, errors.New("no output destinations configured")
	}
	var uris []string
	var failures []error
	for _, s := range sinks {
		uri, err := s.Write(ctx, jobID, features)
		if err != nil {
			log.Error("sink write failed", "sink", s.Name(), "job_id", jobID, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		log.Info("wrote features to sink", "sink", s.Name(), "job_id", jobID, "count", len(features), "uri", uri)
		if uri != "" {
			uris = append(uris, uri)
		}
	}
	if len(failures) == len(sinks) {
		return nil, errors.Join(failures...)
	}
	return uris, nil
}
