// Package runner wires the workflows to the queues, ledger, and sinks, and
// owns job finalization. Collaborators are passed in explicitly; the only
// process-wide state is the read-only configuration used to build them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/distill"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/imagework"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/ledger"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/metrics"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/region"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/request"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/sink"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/workq"
)

// Runner dispatches queue messages to the image and region workflows and
// finalizes jobs when their last region completes.
type Runner struct {
	Ledger   ledger.Ledger
	Features ledger.FeatureStore
	Sinks    *sink.Factory
	Planner  *imagework.Planner
	Regions  *region.Processor

	Log *slog.Logger
	Now func() time.Time
}

// HandleImageMessage processes one image-queue delivery. A nil return acks
// the message; an error releases it for redelivery.
func (r *Runner) HandleImageMessage(ctx context.Context, msg *workq.Message) error {
	req, err := request.ParseImageRequest(msg.Body)
	if err != nil {
		// Unparseable messages can never succeed; drop them.
		r.Log.Error("discarding malformed image request", "message_id", msg.ID, "error", err)
		return nil
	}

	outcome, err := r.Planner.Process(ctx, req)
	if err != nil {
		return err
	}
	if outcome.Failed {
		r.logJobStatus(outcome.Job)
		return nil
	}
	if outcome.Skipped {
		return nil
	}
	if outcome.FirstRegion != nil && outcome.FirstRegion.JobTerminal {
		return r.Finalize(ctx, req.JobID, req.Outputs, req.DistillationMode())
	}
	return nil
}

// HandleRegionMessage processes one region-queue delivery.
func (r *Runner) HandleRegionMessage(ctx context.Context, msg *workq.Message) error {
	req, err := request.ParseRegionRequest(msg.Body)
	if err != nil {
		r.Log.Error("discarding malformed region request", "message_id", msg.ID, "error", err)
		return nil
	}

	outcome, err := r.Regions.Process(ctx, req)
	if err != nil {
		return err
	}
	if outcome.JobTerminal {
		return r.Finalize(ctx, req.JobID, req.Outputs, req.DistillationMode())
	}
	if outcome.Skipped {
		// A redelivered region for an already-terminal job may mean a
		// previous finalization attempt died before the sinks were
		// written; retry it. Sink writes are keyed by job id, so a repeat
		// is idempotent.
		job, err := r.Ledger.GetJob(ctx, req.JobID)
		if err == nil && job.Status.Terminal() && job.Status != ledger.JobFailed && len(job.OutputURIs) == 0 {
			return r.Finalize(ctx, req.JobID, req.Outputs, req.DistillationMode())
		}
	}
	return nil
}

// Finalize aggregates the job's features across regions, deduplicates
// detections that straddle region boundaries, writes the output sinks, and
// emits the completion status log. Only the worker whose region completion
// transitioned the job terminal runs this (plus idempotent retries).
func (r *Runner) Finalize(ctx context.Context, jobID string, outputs []sink.Output, mode distill.Mode) error {
	now := r.Now
	if now == nil {
		now = time.Now
	}

	features, err := r.Features.JobFeatures(ctx, jobID)
	if err != nil {
		return fmt.Errorf("aggregating job features: %w", err)
	}

	// Regions share the tile overlap at their boundaries, so the same
	// detection can arrive from two regions; run the distillation pass once
	// more across the merged set.
	opts := distill.DefaultOptions()
	opts.Mode = mode
	features = distill.NewSelector(opts).Select(features)

	scope := metrics.Scope{Operation: metrics.OpFeatureDissemination}
	sinks, err := r.Sinks.Build(ctx, outputs)
	if err != nil {
		scope.IncErrors()
		return fmt.Errorf("building output sinks: %w", err)
	}
	uris, err := sink.WriteAll(ctx, r.Log, sinks, jobID, features)
	if err != nil {
		scope.IncErrors()
		return fmt.Errorf("disseminating features: %w", err)
	}
	scope.IncInvocations()

	job, err := r.Ledger.UpdateJobIf(ctx, jobID,
		func(rec ledger.JobRecord) bool { return rec.Status.Terminal() },
		func(rec *ledger.JobRecord) { rec.OutputURIs = uris })
	if err != nil && !errors.Is(err, ledger.ErrConditionFailed) {
		return fmt.Errorf("recording output locations: %w", err)
	}

	metrics.FeaturesEmitted.WithLabelValues(job.ModelName).Observe(float64(len(features)))
	if err := r.Features.DeleteJob(ctx, jobID); err != nil {
		r.Log.Warn("failed to clear job feature buffer", "job_id", jobID, "error", err)
	}

	r.logJobStatus(job)
	return nil
}

// logJobStatus emits the user-visible completion record for a job.
func (r *Runner) logJobStatus(job ledger.JobRecord) {
	r.Log.Info("job complete",
		"job_id", job.JobID,
		"image_url", job.ImageURL,
		"model_name", job.ModelName,
		"status", job.Status,
		"region_success", fmt.Sprintf("%d/%d", job.RegionSuccess, job.RegionCount),
		"region_error", job.RegionError,
		"start_time", job.StartTime,
		"end_time", job.EndTime,
	)
}

// DrainRegionQueue processes region messages until the queue is empty, used
// by the one-shot CLI mode where no fleet exists to pick up peer regions.
func (r *Runner) DrainRegionQueue(ctx context.Context, q workq.Queue) error {
	for {
		msg, err := q.Receive(ctx, 10*time.Millisecond)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		if err := r.HandleRegionMessage(ctx, msg); err != nil {
			return err
		}
		if err := q.Ack(ctx, msg.ID); err != nil {
			return err
		}
	}
}
