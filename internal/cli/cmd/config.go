package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/checkpoint-pipeline/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for validating and inspecting pipeline configurations.`,
}

var validateCmd = &cobra.Command{
	Use:   "validate [config file]",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.Load(args[0])
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			color.Red("❌ Configuration has errors:\n")
			for _, e := range verrs {
				fmt.Printf("  • %v\n", e)
			}
			return fmt.Errorf("configuration validation failed")
		}
		if err != nil {
			return err
		}
		color.Green("✅ Configuration is valid!")
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [config file]",
	Short: "Print the resolved configuration",
	Long:  `Print the configuration with defaults and CHKPIPE_ environment overrides applied.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return fmt.Errorf("rendering config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain [config file]",
	Short: "Explain what a configuration does",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("\n📥 Source: %s\n", cfg.Source.Type)
		if strings.EqualFold(cfg.Source.Type, "remote") {
			fmt.Printf("   URL: %s\n", cfg.Source.RemoteURL)
		} else {
			fmt.Printf("   Directory: %s\n", cfg.Source.Path)
		}
		fmt.Printf("   Queue: %d checkpoints\n", cfg.Source.BufferSize)
		fmt.Printf("\n📌 Progress: %s, at most %d checkpoints in flight\n",
			cfg.Progress.Type, cfg.Executor.MaxCheckpointsInProgress)

		if cfg.Archival.Enabled {
			color.Cyan("\nWorkflow: %s\n", cfg.Archival.Name)
			fmt.Println(strings.Repeat("─", 40))
			fmt.Printf("   Archive to %s\n", cfg.Archival.RemoteURL)
			fmt.Printf("   Roll files every %v or %d bytes\n", cfg.Archival.CommitDuration, cfg.Archival.CommitFileSize)
		}
		for _, a := range cfg.Analytics {
			color.Cyan("\nWorkflow: %s\n", a.Name)
			fmt.Println(strings.Repeat("─", 40))
			sink := a.Sink.Type
			if sink == "" {
				sink = "parquet"
			}
			fmt.Printf("   Export %s rows to %s", a.Handler, sink)
			if a.OutputURL != "" {
				fmt.Printf(" at %s", a.OutputURL)
			}
			fmt.Println()
			if a.PackageStorePath != "" {
				fmt.Printf("   Packages cached in %s\n", a.PackageStorePath)
			}
		}
		fmt.Println()
		return nil
	},
}

func init() {
	configCmd.AddCommand(validateCmd, showCmd, explainCmd)
	rootCmd.AddCommand(configCmd)
}
