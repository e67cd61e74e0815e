package region

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/endpoint"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/imagery"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/ledger"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/metrics"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/request"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/store"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/tiler"
)

// testTransform maps pixel (x, y) to (x*1e-4, -y*1e-4) degrees.
var testTransform = [6]float64{0, 1e-4, 0, 0, 0, -1e-4}

// geoDecoder wraps a decoder and injects a geotransform, standing in for a
// decoder that reads geolocation tags.
type geoDecoder struct {
	inner imagery.Decoder
	gt    [6]float64
}

func (d *geoDecoder) Open(ctx context.Context, uri string) (*imagery.Raster, error) {
	raster, err := d.inner.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	gt := d.gt
	raster.Meta.GeoTransform = &gt
	return raster, nil
}

func putTestImage(t *testing.T, mem *store.MemoryStore, uri string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y += 64 {
		for x := 0; x < w; x += 64 {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, mem.Put(t.Context(), uri, buf.Bytes(), "image/png"))
}

// pointResponse builds a model response with one ship detection at the given
// tile-frame pixel.
func pointResponse(x, y, score float64) string {
	f := map[string]any{
		"type":     "Feature",
		"geometry": map[string]any{"type": "Point", "coordinates": []float64{x, y}},
		"properties": map[string]any{
			"bounds_imcoords": []float64{x, y, x, y},
			"feature_types":   map[string]float64{"ship": score},
		},
	}
	out, _ := json.Marshal(map[string]any{"type": "FeatureCollection", "features": []any{f}})
	return string(out)
}

type testEnv struct {
	ledger   *ledger.Memory
	features *ledger.MemoryFeatureStore
	store    *store.MemoryStore
	proc     *Processor
}

func newEnv(t *testing.T, handler http.HandlerFunc) (*testEnv, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	mem := store.NewMemoryStore()
	env := &testEnv{
		ledger:   ledger.NewMemory(),
		features: ledger.NewMemoryFeatureStore(),
		store:    mem,
	}
	opts := endpoint.DefaultOptions()
	opts.BackoffBase = time.Millisecond
	opts.BackoffCap = 5 * time.Millisecond
	env.proc = &Processor{
		Ledger:   env.ledger,
		Features: env.features,
		Decoder:  &geoDecoder{inner: &imagery.StoreDecoder{Store: mem}, gt: testTransform},
		NewClient: func(desc endpoint.Descriptor, scope metrics.Scope) *endpoint.Client {
			return endpoint.NewClient(desc, opts, scope, slog.Default())
		},
		Opts:     DefaultOptions(),
		WorkerID: "worker-test",
		Log:      slog.Default(),
	}
	return env, srv.URL
}

func newRegionRequest(url string, bounds tiler.Rect, tileSize, overlap int) *request.RegionRequest {
	return &request.RegionRequest{
		JobID:           "job-1",
		RegionID:        request.RegionID("job-1", bounds),
		ImageURL:        "s3://imagery/test.png",
		Bounds:          bounds,
		TileSize:        tileSize,
		TileOverlap:     overlap,
		TileFormat:      imagery.PNG,
		TileCompression: imagery.CompressionNone,
		Processor:       endpoint.Descriptor{Name: "test-model", URL: url},
	}
}

func startJob(t *testing.T, env *testEnv, regionCount int) {
	t.Helper()
	ctx := t.Context()
	_, _, err := ledger.StartJob(ctx, env.ledger, ledger.JobRecord{JobID: "job-1"}, time.Now())
	require.NoError(t, err)
	_, err = ledger.SetRegionCount(ctx, env.ledger, "job-1", regionCount, 1000, 800)
	require.NoError(t, err)
}

func TestProcessSingleTileRegion(t *testing.T) {
	env, url := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pointResponse(500, 400, 0.9))
	})
	putTestImage(t, env.store, "s3://imagery/test.png", 1000, 800)
	startJob(t, env, 1)

	req := newRegionRequest(url, tiler.Rect{Width: 1000, Height: 800}, 2048, 0)
	outcome, err := env.proc.Process(t.Context(), req)
	require.NoError(t, err)

	assert.False(t, outcome.Skipped)
	assert.Equal(t, 1, outcome.TileCount)
	assert.Zero(t, outcome.TileErrors)
	assert.True(t, outcome.JobTerminal)
	assert.Equal(t, ledger.JobSuccess, outcome.Job.Status)
	require.Len(t, outcome.Features, 1)

	// The feature was lifted into world coordinates. Its pixel geometry is
	// the polygon derived from bounds_imcoords, so the world geometry is a
	// degenerate polygon at the detection.
	f := outcome.Features[0]
	require.NotNil(t, f.Geometry)
	require.Equal(t, geo.PolygonType, f.Geometry.Type)
	corner := f.Geometry.Rings[0][0]
	assert.InDelta(t, 0.05, corner.X(), 1e-9)
	assert.InDelta(t, -0.04, corner.Y(), 1e-9)

	// Region record reached DONE with its counts.
	rec, err := env.ledger.GetRegion(t.Context(), ledger.RegionKey{JobID: "job-1", RegionID: req.RegionID})
	require.NoError(t, err)
	assert.Equal(t, ledger.RegionDone, rec.Status)
	assert.Equal(t, 1, rec.TileCount)
	assert.Equal(t, 1, rec.FeatureCount)

	// Features were persisted for finalization.
	stored, err := env.features.JobFeatures(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestProcessSkipsDoneRegion(t *testing.T) {
	var calls atomic.Int64
	env, url := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, pointResponse(1, 1, 0.5))
	})
	putTestImage(t, env.store, "s3://imagery/test.png", 100, 100)
	startJob(t, env, 2)

	req := newRegionRequest(url, tiler.Rect{Width: 100, Height: 100}, 2048, 0)
	first, err := env.proc.Process(t.Context(), req)
	require.NoError(t, err)
	require.False(t, first.Skipped)
	callsAfterFirst := calls.Load()

	// Redelivery of the same region is a no-op.
	second, err := env.proc.Process(t.Context(), req)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, callsAfterFirst, calls.Load())

	// The job counter was not double-incremented.
	job, err := env.ledger.GetJob(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.RegionSuccess)
}

func TestProcessTileFailureBelowThreshold(t *testing.T) {
	// 16 tiles; the first request fails permanently, the rest succeed.
	var calls atomic.Int64
	env, url := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, pointResponse(10, 10, 0.8))
	})
	putTestImage(t, env.store, "s3://imagery/test.png", 512, 512)
	startJob(t, env, 1)

	req := newRegionRequest(url, tiler.Rect{Width: 512, Height: 512}, 128, 0)
	req.FeatureDistillation = "NONE"
	outcome, err := env.proc.Process(t.Context(), req)
	require.NoError(t, err)

	assert.Equal(t, 16, outcome.TileCount)
	assert.Equal(t, 1, outcome.TileErrors)
	// 1/16 = 6.25% error rate, below the 10% threshold.
	assert.Equal(t, ledger.RegionDone, outcome.Record.Status)
	assert.True(t, outcome.JobTerminal)
	assert.Equal(t, ledger.JobSuccess, outcome.Job.Status)
	assert.Len(t, outcome.Features, 15)
}

func TestProcessRegionErrorAboveThreshold(t *testing.T) {
	env, url := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	putTestImage(t, env.store, "s3://imagery/test.png", 100, 100)
	startJob(t, env, 1)

	req := newRegionRequest(url, tiler.Rect{Width: 100, Height: 100}, 2048, 0)
	outcome, err := env.proc.Process(t.Context(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.TileErrors)
	assert.Equal(t, ledger.RegionError, outcome.Record.Status)
	assert.True(t, outcome.JobTerminal)
	assert.Equal(t, ledger.JobFailed, outcome.Job.Status)
}

func TestProcessNMSAcrossTileBoundary(t *testing.T) {
	// Region 1088x200, tile size 1024, overlap 960: stride 64, two column
	// tiles whose overlap zone contains x=1000. Both tiles detect the same
	// object at full-image pixel (1000, 100); NMS keeps one.
	bounds := tiler.Rect{Width: 1088, Height: 200}
	const tileSize, overlap = 1024, 960
	producer, err := tiler.NewProducer(bounds, tileSize, overlap, imagery.PNG, imagery.CompressionNone)
	require.NoError(t, err)
	tiles := producer.Tiles()
	require.Len(t, tiles, 2)

	target := geo.Coordinate{1000, 100}
	var call atomic.Int64
	env, url := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		tile := tiles[call.Add(1)-1]
		fmt.Fprint(w, pointResponse(target.X()-float64(tile.ULX), target.Y()-float64(tile.ULY), 0.9))
	})
	putTestImage(t, env.store, "s3://imagery/test.png", 1088, 200)
	startJob(t, env, 1)

	req := newRegionRequest(url, bounds, tileSize, overlap)
	req.FeatureDistillation = "NMS"
	env.proc.Opts.PoolSize = 1 // deterministic tile order for the stub

	outcome, err := env.proc.Process(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.TileCount)
	require.Len(t, outcome.Features, 1)

	box, ok := outcome.Features[0].PixelBounds()
	require.True(t, ok)
	assert.InDelta(t, 1000, box.MinX(), 1e-9)
	assert.InDelta(t, 100, box.MinY(), 1e-9)
}

func TestProcessSoftNMSDecaysDuplicate(t *testing.T) {
	bounds := tiler.Rect{Width: 1088, Height: 200}
	const tileSize, overlap = 1024, 960
	producer, err := tiler.NewProducer(bounds, tileSize, overlap, imagery.PNG, imagery.CompressionNone)
	require.NoError(t, err)
	tiles := producer.Tiles()
	require.Len(t, tiles, 2)

	target := geo.Coordinate{1000, 100}
	var call atomic.Int64
	env, url := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		tile := tiles[call.Add(1)-1]
		fmt.Fprint(w, pointResponse(target.X()-float64(tile.ULX), target.Y()-float64(tile.ULY), 0.9))
	})
	putTestImage(t, env.store, "s3://imagery/test.png", 1088, 200)
	startJob(t, env, 1)

	req := newRegionRequest(url, bounds, tileSize, overlap)
	req.FeatureDistillation = "SOFT-NMS"
	env.proc.Opts.PoolSize = 1

	outcome, err := env.proc.Process(t.Context(), req)
	require.NoError(t, err)
	require.Len(t, outcome.Features, 2)

	var scores []float64
	var raws []*float64
	for _, f := range outcome.Features {
		fc := f.Properties.FeatureClasses[0]
		scores = append(scores, fc.Score)
		raws = append(raws, fc.RawScore)
	}
	assert.InDelta(t, 0.9, scores[0], 1e-9)
	assert.Nil(t, raws[0])
	// exp(-1/0.5) decay on the duplicate
	assert.InDelta(t, 0.1218, scores[1], 0.001)
	require.NotNil(t, raws[1])
	assert.InDelta(t, 0.9, *raws[1], 1e-9)
}

func TestProcessOpenFailureIsTransient(t *testing.T) {
	env, url := newEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	startJob(t, env, 1)

	req := newRegionRequest(url, tiler.Rect{Width: 100, Height: 100}, 2048, 0)
	req.ImageURL = "s3://imagery/missing.png"
	_, err := env.proc.Process(t.Context(), req)
	require.Error(t, err)

	// The claim stands; a later redelivery to another worker reclaims it
	// after the stale window.
	rec, err := env.ledger.GetRegion(t.Context(), ledger.RegionKey{JobID: "job-1", RegionID: req.RegionID})
	require.NoError(t, err)
	assert.Equal(t, ledger.RegionClaimed, rec.Status)
}
