package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/store"
)

func sampleFeatures(n int) []*geo.Feature {
	features := make([]*geo.Feature, n)
	for i := range n {
		f := geo.NewFeature()
		f.Geometry = geo.NewPoint(float64(i), float64(i))
		f.Properties.FeatureClasses = []geo.FeatureClass{{IRI: "ship", Score: 0.9}}
		features[i] = f
	}
	return features
}

func TestS3SinkWritesOneDocumentPerJob(t *testing.T) {
	mem := store.NewMemoryStore()
	s := &S3Sink{Store: mem, Bucket: "results", Prefix: "detections"}

	uri, err := s.Write(t.Context(), "job-42", sampleFeatures(3))
	require.NoError(t, err)
	assert.Equal(t, "s3://results/detections/job-42.geojson", uri)

	data, err := mem.Get(t.Context(), uri)
	require.NoError(t, err)
	var collection geo.FeatureCollection
	require.NoError(t, json.Unmarshal(data, &collection))
	assert.Equal(t, "FeatureCollection", collection.Type)
	assert.Len(t, collection.Features, 3)
}

func TestS3SinkEmptyFeatureSet(t *testing.T) {
	mem := store.NewMemoryStore()
	s := &S3Sink{Store: mem, Bucket: "results"}
	uri, err := s.Write(t.Context(), "job-0", nil)
	require.NoError(t, err)

	data, err := mem.Get(t.Context(), uri)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"features":[]`)
}

// memoryWriter captures stream records for assertions.
type memoryWriter struct {
	mu      sync.Mutex
	records [][]byte
	keys    []string
}

func (w *memoryWriter) WriteRecord(ctx context.Context, key string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, data)
	w.keys = append(w.keys, key)
	return nil
}

func (w *memoryWriter) Close() error { return nil }

func TestStreamSinkBatches(t *testing.T) {
	writer := &memoryWriter{}
	s := &StreamSink{Writer: writer, StreamName: "ws://bus/features", BatchSize: 2}

	_, err := s.Write(t.Context(), "job-7", sampleFeatures(5))
	require.NoError(t, err)
	require.Len(t, writer.records, 3) // 2 + 2 + 1

	var first geo.FeatureCollection
	require.NoError(t, json.Unmarshal(writer.records[0], &first))
	assert.Len(t, first.Features, 2)
	var last geo.FeatureCollection
	require.NoError(t, json.Unmarshal(writer.records[2], &last))
	assert.Len(t, last.Features, 1)
	assert.Equal(t, "job-7", writer.keys[0])
}

func TestStreamSinkSplitsOversizeBatches(t *testing.T) {
	writer := &memoryWriter{}
	s := &StreamSink{Writer: writer, StreamName: "ws://bus", BatchSize: 100, MaxRecordBytes: 200}

	_, err := s.Write(t.Context(), "job-8", sampleFeatures(6))
	require.NoError(t, err)
	assert.Greater(t, len(writer.records), 1)
	for _, rec := range writer.records {
		assert.LessOrEqual(t, len(rec), 400) // batch payload plus collection wrapper
	}
}

func TestWebsocketWriterRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- msg
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	writer, err := DialStream(t.Context(), url)
	require.NoError(t, err)
	defer writer.Close()

	require.NoError(t, writer.WriteRecord(t.Context(), "job-1", []byte(`{"type":"FeatureCollection","features":[]}`)))

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(<-received, &envelope))
	assert.JSONEq(t, `"job-1"`, string(envelope["partitionKey"]))
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(envelope["data"]))
}

func TestFactoryBuildsConfiguredSinks(t *testing.T) {
	f := &Factory{
		Store: store.NewMemoryStore(),
		DialStream: func(ctx context.Context, url string) (RecordWriter, error) {
			return &memoryWriter{}, nil
		},
	}

	sinks, err := f.Build(t.Context(), []Output{
		{Type: TypeS3, Bucket: "b", Prefix: "p"},
		{Type: TypeKinesis, Stream: "ws://bus", BatchSize: 10},
	})
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	assert.Equal(t, TypeS3, sinks[0].Name())
	assert.Equal(t, TypeKinesis, sinks[1].Name())

	_, err = f.Build(t.Context(), []Output{{Type: "SNS"}})
	assert.Error(t, err)
	_, err = f.Build(t.Context(), []Output{{Type: TypeS3}})
	assert.Error(t, err)
	_, err = f.Build(t.Context(), []Output{{Type: TypeKinesis}})
	assert.Error(t, err)
}

// failingSink always errors.
type failingSink struct{}

func (failingSink) Name() string { return "S3" }
func (failingSink) Write(ctx context.Context, jobID string, features []*geo.Feature) (string, error) {
	return "", errors.New("bucket offline")
}

func TestWriteAllPartialSuccess(t *testing.T) {
	mem := store.NewMemoryStore()
	good := &S3Sink{Store: mem, Bucket: "b"}

	uris, err := WriteAll(t.Context(), slog.Default(), []Sink{failingSink{}, good}, "j", sampleFeatures(1))
	require.NoError(t, err)
	assert.Len(t, uris, 1)

	_, err = WriteAll(t.Context(), slog.Default(), []Sink{failingSink{}}, "j", sampleFeatures(1))
	assert.Error(t, err)

	_, err = WriteAll(t.Context(), slog.Default(), nil, "j", nil)
	assert.Error(t, err)
}
