// Package orchestrator sequences the pipeline layers for one process run:
// bronze acquisition, bronze landing, silver refinement, gold
// transformation. Layers run strictly in order; datasets within a layer run
// on the coordinator pool.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datacraft-io/lakehouse/internal/bronze"
	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/config"
	"github.com/datacraft-io/lakehouse/internal/coordinator"
	"github.com/datacraft-io/lakehouse/internal/dqm"
	"github.com/datacraft-io/lakehouse/internal/extract"
	"github.com/datacraft-io/lakehouse/internal/gold"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/silver"
)

const defaultMaxThreads = 4

// Config holds the per-run orchestration settings.
type Config struct {
	// Env tags every bucket name, isolating environments in the lake.
	Env string

	// MaxThreads bounds the per-layer worker pool.
	MaxThreads int
}

// LoadConfig reads the orchestration settings from the environment.
func LoadConfig() *Config {
	return &Config{
		Env:        config.GetEnvStr("env", "dev"),
		MaxThreads: config.GetEnvInt("max_threads", defaultMaxThreads),
	}
}

// Orchestrator drives one process through all pipeline layers.
type Orchestrator struct {
	store  *catalog.Store
	logger *slog.Logger
	cfg    *Config

	bronze *bronze.Engine
	silver *silver.Engine
	gold   *gold.Engine
}

// New wires the layer engines over a shared catalog store and object store.
func New(store *catalog.Store, objects lake.ObjectStore, logger *slog.Logger, cfg *Config) *Orchestrator {
	quality := dqm.New(store, logger)
	extractor := extract.New(store, objects, logger, cfg.Env)

	return &Orchestrator{
		store:  store,
		logger: logger,
		cfg:    cfg,
		bronze: bronze.New(store, objects, extractor, logger, cfg.Env),
		silver: silver.New(store, objects, quality, logger, cfg.Env),
		gold:   gold.New(store, objects, quality, logger, cfg.Env),
	}
}

// Run executes the pipeline for one process. It returns the first layer's
// error; a failing layer prevents every later layer from starting.
func (o *Orchestrator) Run(ctx context.Context, processID int) error {
	runID := uuid.NewString()
	logger := o.logger.With(
		slog.String("run_id", runID),
		slog.Int("process_id", processID),
	)

	logger.Info("starting pipeline run",
		slog.String("env", o.cfg.Env),
		slog.Int("max_threads", o.cfg.MaxThreads),
	)

	startedAt := time.Now()

	err := o.runLayers(ctx, logger, processID)

	logger.Info("pipeline run finished",
		slog.Duration("elapsed", time.Since(startedAt)),
		slog.Bool("failed", err != nil),
	)

	return err
}

func (o *Orchestrator) runLayers(ctx context.Context, logger *slog.Logger, processID int) error {
	details, err := o.store.AcquisitionDetails(ctx, processID)
	if err != nil {
		return err
	}

	if err := coordinator.RunLayer(ctx, "bronze.acquire", logger, details, o.cfg.MaxThreads,
		func(ctx context.Context, detail catalog.AcquisitionDetail) error {
			return o.bronze.Acquire(ctx, &detail)
		}); err != nil {
		return fmt.Errorf("bronze acquisition layer: %w", err)
	}

	// Cancellation is honored between layers only; running dataset tasks
	// finish before the run stops.
	if err := ctx.Err(); err != nil {
		return err
	}

	bronzeDatasets, err := o.store.DatasetMasters(ctx, processID, catalog.DatasetTypeBronze)
	if err != nil {
		return err
	}

	if err := coordinator.RunLayer(ctx, "bronze.land", logger, bronzeDatasets, o.cfg.MaxThreads,
		func(ctx context.Context, dataset catalog.DatasetMaster) error {
			return o.bronze.Land(ctx, &dataset)
		}); err != nil {
		return fmt.Errorf("bronze landing layer: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := coordinator.RunLayer(ctx, "silver", logger, bronzeDatasets, o.cfg.MaxThreads,
		func(ctx context.Context, dataset catalog.DatasetMaster) error {
			return o.silver.Refine(ctx, &dataset)
		}); err != nil {
		return fmt.Errorf("silver layer: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	goldDatasets, err := o.store.DatasetMasters(ctx, processID, catalog.DatasetTypeGold)
	if err != nil {
		return err
	}

	if err := coordinator.RunLayer(ctx, "gold", logger, goldDatasets, o.cfg.MaxThreads,
		func(ctx context.Context, dataset catalog.DatasetMaster) error {
			return o.gold.Transform(ctx, &dataset)
		}); err != nil {
		return fmt.Errorf("gold layer: %w", err)
	}

	return nil
}
