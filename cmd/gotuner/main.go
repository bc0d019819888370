package main

import (
	"github.com/3leaps/gotuner/internal/cmd"
	"github.com/3leaps/gotuner/internal/observability"
)

// Set via -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	// Re-initialized with --verbose once flags are parsed.
	observability.InitCLILogger(cmd.BinaryName, false)
	if err := cmd.Execute(); err != nil {
		cmd.ExitWithCode(observability.CLILogger, cmd.ExitCode(err), "command failed", err)
	}
	observability.Sync()
}
