// Package main provides the lakehouse pipeline runner.
//
// One invocation executes one process through the bronze, silver and gold
// layers against the configured control plane and object store. Exit code 0
// means every dataset in every layer succeeded.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/config"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/orchestrator"
	"github.com/datacraft-io/lakehouse/internal/runlog"
)

const (
	version = "1.0.0-dev"
	name    = "lakerunner"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		processID   = flag.Int("process-id", 0, "process to run (required)")
		configFile  = flag.String("config", "", "optional YAML file applied over the environment")
		showVersion = flag.Bool("version", false, "show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)

		return 0
	}

	if *processID <= 0 {
		fmt.Fprintln(os.Stderr, "a positive -process-id is required")
		flag.Usage()

		return 2
	}

	if *configFile != "" {
		if err := config.ApplyFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "applying config file: %v\n", err)

			return 1
		}
	}

	logConfig, err := runlog.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading logger configuration: %v\n", err)

		return 1
	}

	logger, logCloser, err := runlog.New(logConfig, *processID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building run logger: %v\n", err)

		return 1
	}
	defer func() { _ = logCloser.Close() }()

	logger.Info("starting lakerunner",
		slog.String("version", version),
		slog.Int("process_id", *processID),
	)

	store, err := catalog.Open(catalog.LoadConfig(), logger)
	if err != nil {
		logger.Error("opening control-plane store", slog.String("error", err.Error()))

		return 1
	}
	defer func() { _ = store.Close() }()

	objects, err := lake.NewMinioStore(lake.LoadConfig())
	if err != nil {
		logger.Error("building object-store client", slog.String("error", err.Error()))

		return 1
	}

	// Cancellation takes effect at layer boundaries: a running dataset task
	// finishes before the run stops.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o := orchestrator.New(store, objects, logger, orchestrator.LoadConfig())

	if err := o.Run(ctx, *processID); err != nil {
		logger.Error("pipeline run failed", slog.String("error", err.Error()))

		return 1
	}

	return 0
}
