package main

import (
	"os"

	"github.com/withObsrvr/checkpoint-pipeline/internal/cli/cmd"
)

// Set at build time with -ldflags "-X main.version=..."
var (
	version   string
	gitCommit string
	buildDate string
)

func main() {
	cmd.SetVersionInfo(version, gitCommit, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
