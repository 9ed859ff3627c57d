package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/checkpoint-pipeline/internal/cli/runner"
	"github.com/withObsrvr/checkpoint-pipeline/internal/config"
	"github.com/withObsrvr/checkpoint-pipeline/pkg/progress"
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Read or rewrite saved workflow progress",
}

var progressGetCmd = &cobra.Command{
	Use:   "get [config file]",
	Short: "Print the last committed checkpoint of every configured workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, store, err := openProgress(ctx, args[0])
		if err != nil {
			return err
		}
		defer closeStore(store)

		var names []string
		if cfg.Archival.Enabled {
			names = append(names, cfg.Archival.Name)
		}
		for _, a := range cfg.Analytics {
			names = append(names, a.Name)
		}
		for _, name := range names {
			seq, ok, err := store.Get(ctx, name)
			if err != nil {
				return fmt.Errorf("reading progress of %s: %w", name, err)
			}
			if !ok {
				fmt.Printf("%-24s %s\n", name, color.YellowString("not started"))
				continue
			}
			fmt.Printf("%-24s %d\n", name, seq)
		}
		return nil
	},
}

var progressSetCmd = &cobra.Command{
	Use:   "set [config file] [workflow] [checkpoint]",
	Short: "Overwrite the committed checkpoint of a workflow",
	Long: `Overwrite the committed checkpoint of a workflow. The workflow resumes
after the given checkpoint on its next start; stop the pipeline first.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid checkpoint %q: %w", args[2], err)
		}
		ctx := context.Background()
		_, store, err := openProgress(ctx, args[0])
		if err != nil {
			return err
		}
		defer closeStore(store)

		if err := store.Save(ctx, args[1], seq); err != nil {
			return err
		}
		color.Green("✅ %s will resume after checkpoint %d", args[1], seq)
		return nil
	},
}

func openProgress(ctx context.Context, configFile string) (*config.Config, progress.Store, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	store, err := runner.OpenProgressStore(ctx, cfg.Progress)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func closeStore(store progress.Store) {
	if c, ok := store.(io.Closer); ok {
		c.Close()
	}
}

func init() {
	progressCmd.AddCommand(progressGetCmd, progressSetCmd)
	rootCmd.AddCommand(progressCmd)
}
