// Command agor-exec is the executor subprocess the Agor daemon spawns for
// prompts, git operations, Unix state sync, and terminal session management.
// It reads one JSON payload from stdin, performs the command, and writes a
// result envelope to stdout. The daemon decides which Unix user this process
// runs as; agor-exec itself never escalates identity.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/executor/runner"
)

func main() {
	// Stdout carries the result envelope; everything else goes to stderr.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      os.Getenv("AGOR_EXEC_LOG_LEVEL"),
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := runner.New(log).Run(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write result: %v\n", err)
		os.Exit(1)
	}
}
