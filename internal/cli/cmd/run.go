package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/checkpoint-pipeline/internal/cli/runner"
)

var (
	// dryRun flag for validation only
	dryRun bool

	runCmd = &cobra.Command{
		Use:   "run [config file]",
		Short: "Run the pipeline from configuration",
		Long:  "Read checkpoints and drive every configured worker until interrupted",
		Args:  cobra.ExactArgs(1),
		Example: `  chkpipe run pipeline.yaml
  CHKPIPE_SOURCE_PATH=/data/checkpoints chkpipe run pipeline.yaml
  chkpipe run --dry-run pipeline.yaml`,
		RunE: runPipeline,
	}
)

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Build the pipeline and exit without reading checkpoints")
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	configFile := args[0]

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configFile)
	}

	r, err := runner.New(runner.Options{
		ConfigFile: configFile,
		Verbose:    verbose,
		DryRun:     dryRun,
	})
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if dryRun {
		fmt.Println(color.YellowString("🔍 Validating pipeline from %s", configFile))
	} else {
		fmt.Println(color.GreenString("🚀 Starting pipeline from %s", configFile))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}

	if dryRun {
		fmt.Println(color.GreenString("✅ Configuration is valid"))
	} else {
		fmt.Println(color.GreenString("✅ Pipeline stopped cleanly"))
	}
	return nil
}
