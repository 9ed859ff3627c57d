package cmd

import (
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/withObsrvr/checkpoint-pipeline/internal/config"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "chkpipe",
		Short: "Checkpoint ingestion pipeline",
		Long:  color.CyanString(`chkpipe - Archive checkpoints and export analytics tables from a checkpoint stream`),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if viper.GetBool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
		SilenceUsage: true,
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initEnv() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
}
