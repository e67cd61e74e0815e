// Package imagework implements the per-image workflow: record the job,
// validate the request, open the image, plan regions, enqueue peer regions for the
// fleet, and process the first region locally. The workflow does not wait
// for peer regions; whichever worker completes the last region finalizes the
// job.
package imagework

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/common"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/imagery"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/ledger"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/metrics"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/region"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/request"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/tiler"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/workq"
)

// DefaultRegionSize is the region side length used when a request does not
// override it.
const DefaultRegionSize = 8192

// Planner executes image requests.
type Planner struct {
	Ledger      ledger.Ledger
	Decoder     imagery.Decoder
	RegionQueue workq.Queue
	Regions     *region.Processor
	RegionSize  int
	Log         *slog.Logger
	Now         func() time.Time
}

// Outcome reports what one image execution did.
type Outcome struct {
	// Skipped is set when the job record already existed: the work is
	// owned elsewhere or already finished, and the message is acked.
	Skipped bool
	// Failed is set when the request was permanently rejected; the job is
	// FAILED in the ledger and the message is acked, not retried.
	Failed      bool
	Job         ledger.JobRecord
	RegionCount int
	Enqueued    int
	FirstRegion *region.Outcome
}

// Process runs the image workflow. A returned error is transient: the
// message should become visible again for redelivery. Permanent failures
// (validation, undecodable imagery) are recorded in the ledger and reported
// through the outcome with a nil error so the message is acked.
func (p *Planner) Process(ctx context.Context, req *request.ImageRequest) (*Outcome, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	log := p.Log.With("job_id", req.JobID, "image_url", req.PrimaryImageURL())

	echo, _ := json.Marshal(req)
	job, started, err := ledger.StartJob(ctx, p.Ledger, ledger.JobRecord{
		JobID:       req.JobID,
		ImageURL:    req.PrimaryImageURL(),
		ModelName:   req.Processor.Name,
		RequestEcho: echo,
	}, now())
	if err != nil {
		return nil, fmt.Errorf("starting job: %w", err)
	}
	if !started {
		log.Info("job record already exists, skipping duplicate request", "status", job.Status)
		return &Outcome{Skipped: true, Job: job}, nil
	}

	scope := metrics.Scope{Operation: metrics.OpImageProcessing, ModelName: req.Processor.Name}
	scope.IncInvocations()
	timer := common.StartTimer(log, scope, "image planning")
	defer timer.Stop()

	if err := req.Validate(); err != nil {
		scope.IncErrors()
		return p.failPermanently(ctx, log, req.JobID, err, now())
	}

	raster, err := p.Decoder.Open(ctx, req.PrimaryImageURL())
	if err != nil {
		// Undecodable or missing imagery does not improve with retries:
		// fail the job and ack the message.
		scope.IncErrors()
		return p.failPermanently(ctx, log, req.JobID, fmt.Errorf("opening image: %w", err), now())
	}
	if raster.Meta.GeoTransform == nil {
		log.Warn("image has no geo transform, results will not be geo-referenced")
	}

	regionSize := req.RegionSize
	if regionSize == 0 {
		regionSize = p.RegionSize
	}
	if regionSize == 0 {
		regionSize = DefaultRegionSize
	}
	bounds := tiler.Rect{Width: raster.Meta.Width, Height: raster.Meta.Height}
	regions, err := tiler.PlanRegions(bounds, regionSize, req.TileOverlap)
	if err != nil {
		scope.IncErrors()
		return p.failPermanently(ctx, log, req.JobID, err, now())
	}

	job, err = ledger.SetRegionCount(ctx, p.Ledger, req.JobID, len(regions), raster.Meta.Width, raster.Meta.Height)
	if err != nil {
		return nil, fmt.Errorf("recording region count: %w", err)
	}
	log.Info("image planned", "regions", len(regions), "width", raster.Meta.Width, "height", raster.Meta.Height)

	// Enqueue regions 1..N-1 for the fleet, then process region 0 here.
	enqueued := 0
	for _, bounds := range regions[1:] {
		body, err := request.DeriveRegionRequest(req, bounds).Encode()
		if err != nil {
			return nil, err
		}
		if err := p.RegionQueue.Send(ctx, body); err != nil {
			return nil, fmt.Errorf("enqueueing region: %w", err)
		}
		enqueued++
	}

	first, err := p.Regions.Process(ctx, request.DeriveRegionRequest(req, regions[0]))
	if err != nil {
		return nil, fmt.Errorf("processing first region: %w", err)
	}

	return &Outcome{
		Job:         job,
		RegionCount: len(regions),
		Enqueued:    enqueued,
		FirstRegion: first,
	}, nil
}

// failPermanently marks the job FAILED and reports the failure through the
// outcome so the coordinator acks the message.
func (p *Planner) failPermanently(ctx context.Context, log *slog.Logger, jobID string, cause error, now time.Time) (*Outcome, error) {
	log.Error("image request permanently failed", "error", cause)
	job, err := ledger.FailJob(ctx, p.Ledger, jobID, cause.Error(), now)
	if err != nil && !errors.Is(err, ledger.ErrConditionFailed) {
		return nil, fmt.Errorf("recording job failure: %w", err)
	}
	return &Outcome{Failed: true, Job: job}, nil
}
