package sink

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
)

// defaultMaxRecordBytes bounds one stream record, mirroring the limit of the
// downstream bus.
const defaultMaxRecordBytes = 1024 * 1024

// RecordWriter is the transport half of the streaming sink: it ships one
// opaque record keyed by a partition value.
type RecordWriter interface {
	WriteRecord(ctx context.Context, partitionKey string, data []byte) error
	Close() error
}

// StreamSink writes features to a streaming bus as batches wrapped in
// FeatureCollections. The job id is the partition key so a consumer can
// detect duplicate deliveries of a region or job.
type StreamSink struct {
	Writer         RecordWriter
	StreamName     string
	BatchSize      int
	MaxRecordBytes int
}

// Name identifies the sink kind.
func (s *StreamSink) Name() string { return TypeKinesis }

// Write flushes the features in batches of BatchSize, additionally splitting
// whenever the encoded batch would exceed the record size limit.
func (s *StreamSink) Write(ctx context.Context, jobID string, features []*geo.Feature) (string, error) {
	maxBytes := s.MaxRecordBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxRecordBytes
	}
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = len(features)
	}

	var pending []*geo.Feature
	pendingBytes := 0
	for _, f := range features {
		encoded, err := json.Marshal(f)
		if err != nil {
			return "", err
		}
		if len(pending) > 0 && (len(pending) == batchSize || pendingBytes+len(encoded) > maxBytes) {
			if err := s.flush(ctx, jobID, pending); err != nil {
				return "", err
			}
			pending = nil
			pendingBytes = 0
		}
		pending = append(pending, f)
		pendingBytes += len(encoded)
	}
	if len(pending) > 0 {
		if err := s.flush(ctx, jobID, pending); err != nil {
			return "", err
		}
	}
	return s.StreamName, nil
}

func (s *StreamSink) flush(ctx context.Context, jobID string, batch []*geo.Feature) error {
	record, err := json.Marshal(geo.NewFeatureCollection(batch))
	if err != nil {
		return err
	}
	return s.Writer.WriteRecord(ctx, jobID, record)
}

// WebsocketWriter ships records over a websocket connection to the stream
// collector.
type WebsocketWriter struct {
	conn *websocket.Conn
}

// DialStream connects to a ws:// or wss:// stream collector URL.
func DialStream(ctx context.Context, url string) (*WebsocketWriter, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &WebsocketWriter{conn: conn}, nil
}

// WriteRecord sends one record as a text frame.
func (w *WebsocketWriter) WriteRecord(ctx context.Context, partitionKey string, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := w.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	key, err := json.Marshal(partitionKey)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(map[string]json.RawMessage{
		"partitionKey": key,
		"data":         data,
	})
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, envelope)
}

// Close shuts the connection down.
func (w *WebsocketWriter) Close() error {
	return w.conn.Close()
}
