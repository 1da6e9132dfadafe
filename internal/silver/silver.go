// Package silver implements the second refinement layer: per landed batch,
// rename and cast columns, apply the declared standardization rules, write
// the standardized snapshot, then quality-gate it into staging.
package silver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/config"
	"github.com/datacraft-io/lakehouse/internal/dqm"
	"github.com/datacraft-io/lakehouse/internal/frame"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/table"
)

// ErrNoUnprocessedBatches is returned when a dataset has no landed batch
// left to standardize.
var ErrNoUnprocessedBatches = errors.New("no unprocessed batches for standardization")

// Engine runs the silver layer for one process. Safe for concurrent use
// from the coordinator workers.
type Engine struct {
	store   *catalog.Store
	objects lake.ObjectStore
	quality *dqm.Engine
	logger  *slog.Logger
	env     string
	now     func() time.Time
}

// New builds the silver engine.
func New(store *catalog.Store, objects lake.ObjectStore, quality *dqm.Engine, logger *slog.Logger, env string) *Engine {
	return &Engine{
		store:   store,
		objects: objects,
		quality: quality,
		logger:  logger,
		env:     env,
		now:     time.Now,
	}
}

// Refine runs both silver stages for one bronze dataset: standardization
// over every unprocessed batch, then the quality gate into staging.
func (e *Engine) Refine(ctx context.Context, dataset *catalog.DatasetMaster) error {
	if err := e.standardize(ctx, dataset); err != nil {
		return err
	}

	return e.qualityGate(ctx, dataset)
}

func (e *Engine) standardize(ctx context.Context, dataset *catalog.DatasetMaster) error {
	pending, err := e.store.UnprocessedAtStandardization(ctx, dataset.ProcessID, dataset.DatasetID)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		return fmt.Errorf("%w: dataset %d", ErrNoUnprocessedBatches, dataset.DatasetID)
	}

	metadata, err := e.store.ColumnMetadata(ctx, dataset.DatasetID)
	if err != nil {
		return err
	}

	rules, err := e.store.StandardizationRules(ctx, dataset.DatasetID)
	if err != nil {
		return err
	}

	landing := table.New(e.objects, lake.Resolve(dataset.LandingLocation, e.env))
	standardized := table.New(e.objects, lake.Resolve(dataset.DataStandardisationLocation, e.env))
	partitions := config.ParseCommaSeparatedList(dataset.DataStandardisationPartitionColumns)

	for _, file := range pending {
		startedAt := e.now()

		err := e.standardizeBatch(ctx, landing, standardized, metadata, rules, file.BatchID, partitions)

		logRow := &catalog.StandardizationLog{
			BatchID:                     file.BatchID,
			ProcessID:                   dataset.ProcessID,
			DatasetID:                   dataset.DatasetID,
			SourceFile:                  file.SourceFile,
			DataStandardisationLocation: dataset.DataStandardisationLocation,
			Status:                      catalog.StatusSucceeded,
			StartDatetime:               startedAt,
			EndDatetime:                 e.now(),
		}

		if err != nil {
			logRow.Status = catalog.StatusFailed
			logRow.ExceptionDetails = err.Error()
		}

		if insertErr := e.store.InsertStandardizationLog(ctx, logRow); insertErr != nil {
			e.logger.Error("inserting standardization log",
				slog.Int("dataset_id", dataset.DatasetID),
				slog.String("error", insertErr.Error()),
			)
		}

		if err != nil {
			return fmt.Errorf("standardizing batch %d of dataset %d: %w", file.BatchID, dataset.DatasetID, err)
		}

		e.logger.Info("standardized batch",
			slog.Int("dataset_id", dataset.DatasetID),
			slog.Int64("batch_id", file.BatchID),
		)
	}

	return nil
}

func (e *Engine) standardizeBatch(ctx context.Context, landing, standardized *table.Table, metadata []catalog.ColumnMetadata, rules []catalog.StandardizationRule, batchID int64, partitions []string) error {
	f, err := landing.ReadBatch(ctx, batchID)
	if err != nil {
		return err
	}

	rename := make(map[string]string, len(metadata))
	specs := make([]frame.ColumnSpec, 0, len(metadata))

	for _, column := range metadata {
		if column.SourceColumnName != "" {
			rename[column.SourceColumnName] = column.ColumnName
		}

		specs = append(specs, frame.ColumnSpec{
			Name:       column.ColumnName,
			Type:       column.ColumnDataType,
			DateFormat: column.ColumnDateFormat,
		})
	}

	f = f.Rename(rename)

	if err := f.Cast(specs); err != nil {
		return err
	}

	for _, rule := range rules {
		if err := applyRule(f, &rule); err != nil {
			return err
		}
	}

	return standardized.Append(ctx, f, batchID, partitions)
}

func (e *Engine) qualityGate(ctx context.Context, dataset *catalog.DatasetMaster) error {
	pending, err := e.store.UnprocessedAtQuality(ctx, dataset.ProcessID, dataset.DatasetID)
	if err != nil {
		return err
	}

	rules, err := e.store.QualityRules(ctx, dataset.ProcessID, dataset.DatasetID)
	if err != nil {
		return err
	}

	standardized := table.New(e.objects, lake.Resolve(dataset.DataStandardisationLocation, e.env))
	staging := table.New(e.objects, lake.Resolve(dataset.StagingLocation, e.env))
	partitions := config.ParseCommaSeparatedList(dataset.StagingPartitionColumns)

	for _, file := range pending {
		f, err := standardized.ReadBatch(ctx, file.BatchID)
		if err != nil {
			return err
		}

		passing, err := e.quality.Apply(ctx, f, rules, dqm.Target{
			ProcessID:  dataset.ProcessID,
			DatasetID:  dataset.DatasetID,
			BatchID:    file.BatchID,
			SourceFile: file.SourceFile,
		})
		if err != nil {
			return fmt.Errorf("quality gate on batch %d of dataset %d: %w", file.BatchID, dataset.DatasetID, err)
		}

		if err := staging.Append(ctx, passing, file.BatchID, partitions); err != nil {
			return err
		}

		e.logger.Info("staged quality-cleared batch",
			slog.Int("dataset_id", dataset.DatasetID),
			slog.Int64("batch_id", file.BatchID),
			slog.Int("rows", passing.NumRows()),
		)
	}

	return nil
}
