package sink

import (
	"context"
	"fmt"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/store"
)

// StreamDialer opens a RecordWriter for a stream destination. Injected so
// tests can capture records in memory.
type StreamDialer func(ctx context.Context, url string) (RecordWriter, error)

// Factory builds sinks from request outputs against the process-wide
// collaborators.
type Factory struct {
	Store      store.ObjectStore
	DialStream StreamDialer
}

// Build constructs one sink per output entry. Unknown types are rejected at
// validation time, so hitting one here is an error.
func (f *Factory) Build(ctx context.Context, outputs []Output) ([]Sink, error) {
	sinks := make([]Sink, 0, len(outputs))
	for _, out := range outputs {
		switch out.Type {
		case TypeS3:
			if out.Bucket == "" {
				return nil, fmt.Errorf("S3 output missing bucket")
			}
			sinks = append(sinks, &S3Sink{Store: f.Store, Bucket: out.Bucket, Prefix: out.Prefix})
		case TypeKinesis:
			if out.Stream == "" {
				return nil, fmt.Errorf("Kinesis output missing stream")
			}
			writer, err := f.DialStream(ctx, out.Stream)
			if err != nil {
				return nil, fmt.Errorf("dialing stream %s: %w", out.Stream, err)
			}
			sinks = append(sinks, &StreamSink{
				Writer:     writer,
				StreamName: out.Stream,
				BatchSize:  out.BatchSize,
			})
		default:
			return nil, fmt.Errorf("unknown output sink type %q", out.Type)
		}
	}
	return sinks, nil
}
