package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/runner"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/workq"
)

// processCmd runs a single image request end to end in this process,
// draining the region queue locally instead of relying on a fleet.
var processCmd = &cobra.Command{
	Use:   "process <request.json>",
	Short: "Process one image request locally and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := slog.Default()

		body, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading request file: %w", err)
		}

		worker, err := runner.Build(cfg, log)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := worker.Runner.HandleImageMessage(ctx, &workq.Message{ID: "local", Body: body}); err != nil {
			return err
		}
		if err := worker.Runner.DrainRegionQueue(ctx, worker.RegionQueue); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}
