package main

import (
	"context"

	"github.com/3leaps/ccplane/internal/cmd"
	"github.com/3leaps/ccplane/internal/observability"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(context.Background()); err != nil {
		cmd.ExitWithCode(observability.CLILogger, cmd.ExitCode(err), "Command failed", err)
	}
}
