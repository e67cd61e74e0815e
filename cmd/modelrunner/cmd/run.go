package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/runner"
)

// runCmd starts the worker loop polling the image and region queues.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker loop against the configured queues",
	Long: `Run starts a worker that long-polls the image and region work queues,
processes requests, and emits results to the configured sinks. The worker
exits cleanly on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := slog.Default()

		worker, err := runner.Build(cfg, log)
		if err != nil {
			return err
		}
		log.Info("worker starting", "worker_id", worker.WorkerID)

		if cfg.Metrics.ListenAddress != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				if err := http.ListenAndServe(cfg.Metrics.ListenAddress, mux); err != nil {
					log.Error("metrics listener failed", "error", err)
				}
			}()
			log.Info("metrics listener started", "address", cfg.Metrics.ListenAddress)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err = worker.Coordinator.Run(ctx)
		if errors.Is(err, context.Canceled) {
			log.Info("worker stopped")
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
