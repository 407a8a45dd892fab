// Command taskforged runs the crash-safe task scheduling daemon: it polls
// configured issue trackers, queues discovered work, and dispatches it to
// isolated worker slots running an external AI CLI tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/taskforge/daemon/internal/config"
	"github.com/taskforge/daemon/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "taskforge.yaml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskforged: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	sup, err := supervisor.New(cfg, *configPath, logger)
	if err != nil {
		logger.Error("failed to construct supervisor", "error", err)
		return 1
	}

	code, err := sup.Run(context.Background())
	if err != nil && err != supervisor.ErrAlreadyRunning {
		logger.Error("supervisor exited with error", "error", err)
	}
	return code
}
