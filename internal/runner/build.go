package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/config"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/distill"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/endpoint"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/imagery"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/imagework"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/ledger"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/metrics"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/region"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/request"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/sink"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/store"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/workq"
)

// Worker is a fully wired runner plus the queues its coordinator polls.
type Worker struct {
	Runner      *Runner
	Coordinator *workq.Coordinator
	ImageQueue  *workq.MemoryQueue
	RegionQueue *workq.MemoryQueue
	WorkerID    string
}

// Build assembles the dependency bundle from configuration. The object
// store is remote when an endpoint is configured and in-process otherwise;
// ledger and queues use the in-process implementations, with the external
// transports behind the same interfaces.
func Build(cfg *config.Config, log *slog.Logger) (*Worker, error) {
	var objectStore store.ObjectStore
	if cfg.Store.Endpoint != "" {
		remote, err := store.NewMinioStore(store.MinioConfig{
			Endpoint:  cfg.Store.Endpoint,
			AccessKey: cfg.Store.AccessKey,
			SecretKey: cfg.Store.SecretKey,
			UseSSL:    cfg.Store.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to object store: %w", err)
		}
		objectStore = remote
	} else {
		objectStore = store.NewMemoryStore()
	}

	workerID := uuid.NewString()
	jobLedger := ledger.NewMemory()
	featureStore := ledger.NewMemoryFeatureStore()
	decoder := &imagery.StoreDecoder{Store: objectStore}

	endpointOpts := endpoint.Options{
		DialTimeout:     cfg.Endpoint.DialTimeout,
		RequestTimeout:  cfg.Endpoint.RequestTimeout,
		MaxAttempts:     cfg.Endpoint.MaxAttempts,
		BackoffBase:     cfg.Endpoint.BackoffBase,
		BackoffFactor:   cfg.Endpoint.BackoffFactor,
		BackoffJitter:   cfg.Endpoint.BackoffJitter,
		BackoffCap:      cfg.Endpoint.BackoffCap,
		MaxPayloadBytes: cfg.Endpoint.MaxPayloadBytes,
	}

	mode, _ := distill.ParseMode(cfg.Distillation.Mode)
	regions := &region.Processor{
		Ledger:   jobLedger,
		Features: featureStore,
		Decoder:  decoder,
		NewClient: func(desc endpoint.Descriptor, scope metrics.Scope) *endpoint.Client {
			return endpoint.NewClient(desc, endpointOpts, scope, log)
		},
		Opts: region.Options{
			PoolSize:           cfg.Tiling.PoolSize,
			ErrorRateThreshold: cfg.Endpoint.ErrorRateThreshold,
			ClaimStaleAfter:    cfg.Queues.VisibilityTimeout,
			Distillation: distill.Options{
				Mode:         mode,
				IoUThreshold: cfg.Distillation.IoUThreshold,
				Sigma:        cfg.Distillation.Sigma,
				ScoreFloor:   cfg.Distillation.ScoreFloor,
			},
		},
		WorkerID: workerID,
		Log:      log,
	}

	imageQueue := workq.NewMemoryQueue(cfg.Queues.VisibilityTimeout, cfg.Queues.MaxReceiveCount)
	regionQueue := workq.NewMemoryQueue(cfg.Queues.VisibilityTimeout, cfg.Queues.MaxReceiveCount)

	planner := &imagework.Planner{
		Ledger:      jobLedger,
		Decoder:     decoder,
		RegionQueue: regionQueue,
		Regions:     regions,
		RegionSize:  cfg.Tiling.RegionSize,
		Log:         log,
	}

	r := &Runner{
		Ledger:   jobLedger,
		Features: featureStore,
		Sinks: &sink.Factory{
			Store: objectStore,
			DialStream: func(ctx context.Context, url string) (sink.RecordWriter, error) {
				return sink.DialStream(ctx, url)
			},
		},
		Planner: planner,
		Regions: regions,
		Log:     log,
	}

	// Messages that exhaust their receive count are dead-lettered; the
	// corresponding ledger records are failed so the jobs do not hang.
	imageQueue.DeadLetterHook = r.deadLetterImage
	regionQueue.DeadLetterHook = r.deadLetterRegion

	coordinator := &workq.Coordinator{
		ImageQueue:   imageQueue,
		RegionQueue:  regionQueue,
		ImageWeight:  cfg.Queues.ImageWeight,
		RegionWeight: cfg.Queues.RegionWeight,
		PollWait:     cfg.Queues.PollWait,
		Visibility:   cfg.Queues.VisibilityTimeout,
		HandleImage:  r.HandleImageMessage,
		HandleRegion: r.HandleRegionMessage,
		Log:          log,
	}

	return &Worker{
		Runner:      r,
		Coordinator: coordinator,
		ImageQueue:  imageQueue,
		RegionQueue: regionQueue,
		WorkerID:    workerID,
	}, nil
}

// deadLetterImage fails the job for an image message that exhausted its
// receive count.
func (r *Runner) deadLetterImage(msg workq.Message) {
	ctx := context.Background()
	req, err := request.ParseImageRequest(msg.Body)
	if err != nil {
		r.Log.Error("dead-lettered unparseable image message", "message_id", msg.ID)
		return
	}
	r.Log.Error("image request dead-lettered", "job_id", req.JobID, "message_id", msg.ID)
	if _, err := ledger.FailJob(ctx, r.Ledger, req.JobID, "image request dead-lettered", timeNow(r.Now)); err != nil {
		r.Log.Warn("could not fail dead-lettered job", "job_id", req.JobID, "error", err)
	}
}

// deadLetterRegion fails the region record for a region message that
// exhausted its receive count and counts the region as errored on the job.
func (r *Runner) deadLetterRegion(msg workq.Message) {
	ctx := context.Background()
	req, err := request.ParseRegionRequest(msg.Body)
	if err != nil {
		r.Log.Error("dead-lettered unparseable region message", "message_id", msg.ID)
		return
	}
	r.Log.Error("region request dead-lettered", "job_id", req.JobID, "region_id", req.RegionID, "message_id", msg.ID)
	key := ledger.RegionKey{JobID: req.JobID, RegionID: req.RegionID}
	_, err = r.Ledger.UpdateRegionIf(ctx, key,
		func(rec ledger.RegionRecord) bool { return rec.Status != ledger.RegionDone },
		func(rec *ledger.RegionRecord) { rec.Status = ledger.RegionError })
	if err != nil && !errors.Is(err, ledger.ErrNotFound) && !errors.Is(err, ledger.ErrConditionFailed) {
		r.Log.Warn("could not fail dead-lettered region", "region_id", req.RegionID, "error", err)
		return
	}
	_, transitioned, err := ledger.CompleteRegion(ctx, r.Ledger, req.JobID, true, timeNow(r.Now))
	if err != nil {
		if !errors.Is(err, ledger.ErrConditionFailed) && !errors.Is(err, ledger.ErrNotFound) {
			r.Log.Warn("could not record dead-lettered region on job", "job_id", req.JobID, "error", err)
		}
		return
	}
	// The dead-lettered region may have been the job's last outstanding
	// one; the update that made the job terminal owes it finalization.
	if transitioned {
		if err := r.Finalize(ctx, req.JobID, req.Outputs, req.DistillationMode()); err != nil {
			r.Log.Error("failed to finalize job after dead-lettered region", "job_id", req.JobID, "error", err)
		}
	}
}

func timeNow(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}
