// Package region implements the per-region workflow: claim the region in the
// ledger, tile it, dispatch tiles to the inference endpoint through a
// bounded worker pool, lift and aggregate the resulting features, and record
// completion. The workflow is idempotent against partial prior progress:
// claims and counter updates are conditional writes, and feature persistence
// is keyed by region id.
package region

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/common"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/distill"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/endpoint"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/imagery"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/ledger"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/lift"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/metrics"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/request"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/sensor"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/tiler"
)

// ClientFactory builds an endpoint client for a model descriptor. Injected
// so tests can point regions at stub endpoints with fast retry settings.
type ClientFactory func(desc endpoint.Descriptor, scope metrics.Scope) *endpoint.Client

// Options tunes the region workflow.
type Options struct {
	// PoolSize bounds concurrent endpoint calls per region.
	PoolSize int
	// ErrorRateThreshold is the tile failure fraction above which the
	// region is marked ERROR.
	ErrorRateThreshold float64
	// ClaimStaleAfter is how long a CLAIMED record may go unrefreshed
	// before another worker may reclaim it.
	ClaimStaleAfter time.Duration
	// Distillation parameters applied during aggregation.
	Distillation distill.Options
}

// DefaultOptions returns the region workflow defaults.
func DefaultOptions() Options {
	return Options{
		PoolSize:           4,
		ErrorRateThreshold: 0.10,
		ClaimStaleAfter:    10 * time.Minute,
		Distillation:       distill.DefaultOptions(),
	}
}

// Processor executes region requests.
type Processor struct {
	Ledger    ledger.Ledger
	Features  ledger.FeatureStore
	Decoder   imagery.Decoder
	NewClient ClientFactory
	Opts      Options
	WorkerID  string
	Log       *slog.Logger
	Now       func() time.Time
}

// Outcome reports what one region execution did.
type Outcome struct {
	Skipped     bool
	Record      ledger.RegionRecord
	Job         ledger.JobRecord
	JobTerminal bool
	TileCount   int
	TileErrors  int
	Features    []*geo.Feature
}

// tileResult carries one tile's dispatch outcome through the pool.
type tileResult struct {
	features []*geo.Feature
	err      error
}

// Process runs the full region state machine for one request. The returned
// outcome reports whether this worker's completion was the one that
// transitioned the job to a terminal status.
func (p *Processor) Process(ctx context.Context, req *request.RegionRequest) (*Outcome, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	log := p.Log.With("job_id", req.JobID, "region_id", req.RegionID)

	// Claim. DONE regions and live claims are skipped outright so a
	// redelivered message is a no-op.
	rec := ledger.RegionRecord{
		JobID:    req.JobID,
		RegionID: req.RegionID,
		WorkerID: p.WorkerID,
	}
	claimed, ok, err := ledger.ClaimRegion(ctx, p.Ledger, rec, p.Opts.ClaimStaleAfter, now())
	if err != nil {
		return nil, fmt.Errorf("claiming region: %w", err)
	}
	if !ok {
		log.Info("region already owned or done, skipping", "status", claimed.Status)
		return &Outcome{Skipped: true, Record: claimed}, nil
	}

	raster, err := p.Decoder.Open(ctx, req.ImageURL)
	if err != nil {
		// Transient decode/store failures surface to the coordinator for
		// redelivery rather than consuming the region's attempt here.
		return nil, fmt.Errorf("opening image %s: %w", req.ImageURL, err)
	}

	scope := metrics.Scope{
		Operation:   metrics.OpRegionProcessing,
		ModelName:   req.Processor.Name,
		InputFormat: string(raster.Meta.Format),
	}
	scope.IncInvocations()
	timer := common.StartTimer(log, scope, "region processing")
	defer timer.Stop()

	tileScope := metrics.Scope{
		Operation:   metrics.OpTileGeneration,
		ModelName:   req.Processor.Name,
		InputFormat: string(raster.Meta.Format),
	}
	tileScope.IncInvocations()
	tileTimer := common.StartTimer(log, tileScope, "tile generation")
	producer, err := tiler.NewProducer(req.Bounds, req.TileSize, req.TileOverlap, req.TileFormat, req.TileCompression)
	if err != nil {
		tileScope.IncErrors()
		return nil, fmt.Errorf("tiling region: %w", err)
	}
	tiles := producer.Tiles()
	tileTimer.Stop()

	model := sensor.FromGeoTransform(raster.Meta.GeoTransform)
	lifter := lift.New(model, sourceMetadata(req.ImageURL, raster.Meta), req.JobID, req.Processor.Name)

	features, tileErrors := p.dispatch(ctx, log, req, raster, lifter, tiles)

	// Aggregate through the configured distillation mode.
	selectScope := metrics.Scope{Operation: metrics.OpFeatureSelection, ModelName: req.Processor.Name}
	selectScope.IncInvocations()
	selectTimer := common.StartTimer(log, selectScope, "feature selection")
	distOpts := p.Opts.Distillation
	distOpts.Mode = req.DistillationMode()
	features = distill.NewSelector(distOpts).Select(features)
	selectTimer.Stop()

	// Persist features keyed by region so duplicates are detectable.
	if err := p.Features.PutRegionFeatures(ctx, req.JobID, req.RegionID, features); err != nil {
		return nil, fmt.Errorf("persisting region features: %w", err)
	}

	status := ledger.RegionDone
	errored := false
	if len(tiles) > 0 && float64(tileErrors)/float64(len(tiles)) > p.Opts.ErrorRateThreshold {
		status = ledger.RegionError
		errored = true
		scope.IncErrors()
	}
	finished, err := ledger.FinishRegion(ctx, p.Ledger, rec.Key(), status, len(tiles), tileErrors, len(features), now())
	if err != nil {
		return nil, fmt.Errorf("finishing region: %w", err)
	}

	job, terminal, err := ledger.CompleteRegion(ctx, p.Ledger, req.JobID, errored, now())
	if err != nil {
		return nil, fmt.Errorf("completing region on job: %w", err)
	}

	log.Info("region processed",
		"status", status, "tiles", len(tiles), "tile_errors", tileErrors, "features", len(features))

	return &Outcome{
		Record:      finished,
		Job:         job,
		JobTerminal: terminal,
		TileCount:   len(tiles),
		TileErrors:  tileErrors,
		Features:    features,
	}, nil
}

// dispatch feeds tiles through the bounded worker pool and buffers lifted
// features. Tile failures are dropped with an error record; response order
// does not matter.
func (p *Processor) dispatch(ctx context.Context, log *slog.Logger, req *request.RegionRequest,
	raster *imagery.Raster, lifter *lift.Lifter, tiles []tiler.Tile,
) ([]*geo.Feature, int) {
	poolSize := p.Opts.PoolSize
	if poolSize < 1 {
		poolSize = 1
	}

	client := p.NewClient(req.Processor, metrics.Scope{
		Operation:   metrics.OpModelInvocation,
		ModelName:   req.Processor.Name,
		InputFormat: string(req.TileFormat),
	})

	jobs := make(chan tiler.Tile, len(tiles))
	results := make(chan tileResult, len(tiles))

	var wg sync.WaitGroup
	for range poolSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tile := range jobs {
				select {
				case results <- p.processTile(ctx, req, raster, lifter, client, tile):
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, tile := range tiles {
		jobs <- tile
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var features []*geo.Feature
	tileErrors := 0
	for res := range results {
		if res.err != nil {
			tileErrors++
			log.Warn("tile dropped", "error", res.err)
			continue
		}
		features = append(features, res.features...)
	}
	return features, tileErrors
}

// processTile crops, encodes, invokes the endpoint, and lifts one tile.
func (p *Processor) processTile(ctx context.Context, req *request.RegionRequest,
	raster *imagery.Raster, lifter *lift.Lifter, client *endpoint.Client, tile tiler.Tile,
) tileResult {
	scope := metrics.Scope{
		Operation:   metrics.OpTileProcessing,
		ModelName:   req.Processor.Name,
		InputFormat: string(tile.Format),
	}
	scope.IncInvocations()
	timer := common.StartTimer(p.Log, scope, "tile processing")
	defer timer.Stop()

	crop := raster.Crop(tile.ULX, tile.ULY, tile.Width, tile.Height)
	payload, err := imagery.Encode(crop, tile.Format, tile.Compression)
	if err != nil {
		scope.IncErrors()
		return tileResult{err: fmt.Errorf("encoding tile (%d,%d): %w", tile.ULX, tile.ULY, err)}
	}

	collection, err := client.Invoke(ctx, payload, imagery.ContentType(tile.Format))
	if err != nil {
		scope.IncErrors()
		return tileResult{err: fmt.Errorf("invoking model for tile (%d,%d): %w", tile.ULX, tile.ULY, err)}
	}

	res := lifter.LiftTile(collection.Features, float64(tile.ULX), float64(tile.ULY))
	if res.LiftErrors > 0 {
		p.Log.Warn("features retained without geometry after lift errors",
			"job_id", req.JobID, "region_id", req.RegionID, "lift_errors", res.LiftErrors)
	}
	return tileResult{features: collection.Features}
}

// sourceMetadata derives the feature source property from image metadata.
func sourceMetadata(uri string, meta imagery.Metadata) []geo.SourceMetadata {
	return []geo.SourceMetadata{{
		Location:      uri,
		FileType:      string(meta.Format),
		ImageCategory: meta.ImageCategory,
		SourceID:      meta.SourceID,
		SourceDT:      meta.SourceTime,
	}}
}
