// Package gold implements the final refinement layer: materialize each gold
// dataset from its staged silver dependents, stamp the SCD-2 envelope,
// publish into the transformation table, and quality-gate the published
// batch into gold staging.
package gold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/config"
	"github.com/datacraft-io/lakehouse/internal/dqm"
	"github.com/datacraft-io/lakehouse/internal/frame"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/sqlctx"
	"github.com/datacraft-io/lakehouse/internal/table"
)

// Transformation types recognized by the engine.
const (
	TypeDirect = "direct"
	TypeUnion  = "union"
	TypeJoin   = "join"
	TypeCustom = "custom"
)

var (
	// ErrNoDependencies is returned when a gold dataset has no rows in the
	// transformation dependency master.
	ErrNoDependencies = errors.New("no transformation dependencies configured")

	// ErrNoUnprocessedBatches is returned when every staged batch of the
	// driving dependent has already been transformed.
	ErrNoUnprocessedBatches = errors.New("no unprocessed batches for transformation")

	// ErrUnknownTransformation is returned for a transformation_type outside
	// direct/union/join/custom.
	ErrUnknownTransformation = errors.New("unknown transformation type")

	// ErrBadExtraValues is returned when an extra_values entry is not a
	// col=literal pair.
	ErrBadExtraValues = errors.New("malformed extra_values entry")
)

// Engine runs the gold layer for one process. Safe for concurrent use from
// the coordinator workers.
type Engine struct {
	store   *catalog.Store
	objects lake.ObjectStore
	quality *dqm.Engine
	logger  *slog.Logger
	env     string
	now     func() time.Time
}

// New builds the gold engine.
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

// Transform runs both gold stages for one gold dataset: the configured
// transformation over every unprocessed batch, then the quality gate into
// gold staging.
func (e *Engine) Transform(ctx context.Context, dataset *catalog.DatasetMaster) error {
	if err := e.transform(ctx, dataset); err != nil {
		return err
	}

	return e.qualityGate(ctx, dataset)
}

func (e *Engine) transform(ctx context.Context, dataset *catalog.DatasetMaster) error {
	deps, err := e.store.TransformationDependencies(ctx, dataset.ProcessID, dataset.DatasetID)
	if err != nil {
		return err
	}

	if len(deps) == 0 {
		return fmt.Errorf("%w: dataset %d", ErrNoDependencies, dataset.DatasetID)
	}

	metadata, err := e.store.ColumnMetadata(ctx, dataset.DatasetID)
	if err != nil {
		return err
	}

	columns := make([]string, len(metadata))
	for i, column := range metadata {
		columns[i] = column.ColumnName
	}

	// The first dependent drives resumability: its quality-cleared batches
	// are the units of gold work.
	pending, err := e.store.UnprocessedAtTransformation(ctx, dataset.ProcessID, deps[0].DependentDatasetID)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		return fmt.Errorf("%w: dataset %d", ErrNoUnprocessedBatches, dataset.DatasetID)
	}

	target := table.New(e.objects, lake.Resolve(dataset.TransformationLocation, e.env))
	partitions := config.ParseCommaSeparatedList(dataset.TransformationPartitionColumns)
	primaryKeys := config.ParseCommaSeparatedList(deps[0].PrimaryKeys)

	for _, file := range pending {
		startedAt := e.now()

		err := e.transformBatch(ctx, dataset, deps, columns, target, partitions, primaryKeys, file.BatchID)

		logRow := &catalog.TransformationLog{
			BatchID:                 file.BatchID,
			DataDate:                startedAt,
			ProcessID:               dataset.ProcessID,
			DatasetID:               dataset.DatasetID,
			SourceFile:              file.SourceFile,
			Status:                  catalog.StatusSucceeded,
			TransformationStartTime: startedAt,
			TransformationEndTime:   e.now(),
		}

		if err != nil {
			logRow.Status = catalog.StatusFailed
			logRow.ExceptionDetails = err.Error()
		}

		if insertErr := e.store.InsertTransformationLog(ctx, logRow); insertErr != nil {
			e.logger.Error("inserting transformation log",
				slog.Int("dataset_id", dataset.DatasetID),
				slog.String("error", insertErr.Error()),
			)
		}

		if err != nil {
			return fmt.Errorf("transforming batch %d of dataset %d: %w", file.BatchID, dataset.DatasetID, err)
		}

		e.logger.Info("transformed batch",
			slog.Int("dataset_id", dataset.DatasetID),
			slog.Int64("batch_id", file.BatchID),
			slog.String("transformation_type", deps[0].TransformationType),
		)
	}

	return nil
}

func (e *Engine) transformBatch(ctx context.Context, dataset *catalog.DatasetMaster, deps []catalog.TransformationDependency, columns []string, target *table.Table, partitions, primaryKeys []string, batchID int64) error {
	f, err := e.materialize(ctx, dataset, deps, columns, batchID)
	if err != nil {
		return err
	}

	stamped, err := e.envelope(f, columns, batchID)
	if err != nil {
		return err
	}

	exists, err := target.Exists(ctx)
	if err != nil {
		return err
	}

	if exists {
		return target.MergeSCD2(ctx, stamped, primaryKeys, partitions, batchID, e.now())
	}

	return target.Append(ctx, stamped, batchID, partitions)
}

// materialize builds the business frame of one batch according to the
// dependency list's shared transformation type.
func (e *Engine) materialize(ctx context.Context, dataset *catalog.DatasetMaster, deps []catalog.TransformationDependency, columns []string, batchID int64) (*frame.Frame, error) {
	switch strings.ToLower(deps[0].TransformationType) {
	case TypeDirect:
		return e.materializeDirect(ctx, dataset, &deps[0], columns, batchID)
	case TypeUnion:
		return e.materializeUnion(ctx, dataset, deps, columns)
	case TypeJoin:
		return e.materializeJoin(ctx, dataset, deps)
	case TypeCustom:
		return e.materializeCustom(ctx, dataset, deps)
	default:
		return nil, fmt.Errorf("%w: %q (dataset %d)", ErrUnknownTransformation, deps[0].TransformationType, dataset.DatasetID)
	}
}

func (e *Engine) materializeDirect(ctx context.Context, dataset *catalog.DatasetMaster, dep *catalog.TransformationDependency, columns []string, batchID int64) (*frame.Frame, error) {
	staging, err := e.dependentStaging(ctx, dataset.ProcessID, dep.DependentDatasetID)
	if err != nil {
		return nil, err
	}

	f, err := staging.ReadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	return f.Drop(table.ColBatchID).Select(columns...)
}

func (e *Engine) materializeUnion(ctx context.Context, dataset *catalog.DatasetMaster, deps []catalog.TransformationDependency, columns []string) (*frame.Frame, error) {
	var combined *frame.Frame

	for i := range deps {
		staging, err := e.dependentStaging(ctx, dataset.ProcessID, deps[i].DependentDatasetID)
		if err != nil {
			return nil, err
		}

		f, err := staging.ReadLatest(ctx)
		if err != nil {
			return nil, err
		}

		f, err = withExtraValues(f, deps[i].ExtraValues)
		if err != nil {
			return nil, err
		}

		if combined == nil {
			combined = f
		} else {
			combined = combined.Concat(f)
		}
	}

	return combined.Select(columns...)
}

func (e *Engine) materializeJoin(ctx context.Context, dataset *catalog.DatasetMaster, deps []catalog.TransformationDependency) (*frame.Frame, error) {
	base, err := e.dependentLatest(ctx, dataset.ProcessID, deps[0].DependentDatasetID)
	if err != nil {
		return nil, err
	}

	for i := 1; i < len(deps); i++ {
		right, err := e.dependentLatest(ctx, dataset.ProcessID, deps[i].DependentDatasetID)
		if err != nil {
			return nil, err
		}

		base, err = base.Join(right,
			config.ParseCommaSeparatedList(deps[i].LeftTableColumns),
			config.ParseCommaSeparatedList(deps[i].RightTableColumns),
			strings.ToLower(deps[i].JoinHow))
		if err != nil {
			return nil, fmt.Errorf("joining dependent %d: %w", deps[i].DependentDatasetID, err)
		}
	}

	return base, nil
}

func (e *Engine) materializeCustom(ctx context.Context, dataset *catalog.DatasetMaster, deps []catalog.TransformationDependency) (*frame.Frame, error) {
	sql, err := sqlctx.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = sql.Close() }()

	for i := range deps {
		dependent, err := e.store.DatasetMaster(ctx, dataset.ProcessID, catalog.DatasetTypeBronze, deps[i].DependentDatasetID)
		if err != nil {
			return nil, err
		}

		f, err := table.New(e.objects, lake.Resolve(dependent.StagingLocation, e.env)).ReadLatest(ctx)
		if err != nil {
			return nil, err
		}

		if err := sql.Register(ctx, dependent.StagingTable, f.Drop(table.ColBatchID)); err != nil {
			return nil, err
		}
	}

	// The query rides on the last dependency row.
	return sql.Query(ctx, deps[len(deps)-1].CustomTransformationQuery)
}

func (e *Engine) dependentStaging(ctx context.Context, processID, datasetID int) (*table.Table, error) {
	dependent, err := e.store.DatasetMaster(ctx, processID, catalog.DatasetTypeBronze, datasetID)
	if err != nil {
		return nil, err
	}

	return table.New(e.objects, lake.Resolve(dependent.StagingLocation, e.env)), nil
}

func (e *Engine) dependentLatest(ctx context.Context, processID, datasetID int) (*frame.Frame, error) {
	staging, err := e.dependentStaging(ctx, processID, datasetID)
	if err != nil {
		return nil, err
	}

	f, err := staging.ReadLatest(ctx)
	if err != nil {
		return nil, err
	}

	return f.Drop(table.ColBatchID), nil
}

// envelope stamps the SCD-2 system columns onto the business frame. The
// checksum covers the declared business columns in declared order.
func (e *Engine) envelope(f *frame.Frame, columns []string, batchID int64) (*frame.Frame, error) {
	now := e.now()
	today := now.Format("2006-01-02")
	timestamp := now.Format(time.RFC3339)

	stamped := f

	for _, constant := range []struct {
		name  string
		value string
	}{
		{table.ColDataDate, today},
		{table.ColBatchID, fmt.Sprintf("%d", batchID)},
		{table.ColEffStartDate, today},
		{table.ColDeleteFlag, table.FlagActive},
		{table.ColEffEndDate, table.SentinelEndDate},
		{table.ColCreatedTS, timestamp},
		{table.ColModifiedTS, timestamp},
	} {
		var err error

		stamped, err = stamped.WithColumn(constant.name, frame.String(constant.value))
		if err != nil {
			return nil, err
		}
	}

	stamped, err := stamped.WithColumn(table.ColChecksum, frame.Null())
	if err != nil {
		return nil, err
	}

	for row := 0; row < stamped.NumRows(); row++ {
		cells := make([]frame.Value, len(columns))

		for i, column := range columns {
			cell, err := stamped.At(row, column)
			if err != nil {
				return nil, err
			}

			cells[i] = cell
		}

		if err := stamped.Set(row, table.ColChecksum, frame.String(table.Checksum(cells))); err != nil {
			return nil, err
		}
	}

	return stamped, nil
}

// withExtraValues adds the comma-separated col=literal pairs as constant
// columns. Literals may carry single quotes, which are stripped.
func withExtraValues(f *frame.Frame, extraValues string) (*frame.Frame, error) {
	if strings.TrimSpace(extraValues) == "" {
		return f, nil
	}

	for _, pair := range strings.Split(extraValues, ",") {
		name, literal, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrBadExtraValues, pair)
		}

		var err error

		f, err = f.WithColumn(strings.TrimSpace(name), frame.String(strings.Trim(strings.TrimSpace(literal), "'")))
		if err != nil {
			return nil, err
		}
	}

	return f, nil
}

func (e *Engine) qualityGate(ctx context.Context, dataset *catalog.DatasetMaster) error {
	pending, err := e.store.UnprocessedAtGoldQuality(ctx, dataset.ProcessID, dataset.DatasetID)
	if err != nil {
		return err
	}

	rules, err := e.store.QualityRules(ctx, dataset.ProcessID, dataset.DatasetID)
	if err != nil {
		return err
	}

	transformed := table.New(e.objects, lake.Resolve(dataset.TransformationLocation, e.env))
	staging := table.New(e.objects, lake.Resolve(dataset.StagingLocation, e.env))
	partitions := config.ParseCommaSeparatedList(dataset.StagingPartitionColumns)

	for _, file := range pending {
		f, err := transformed.ReadBatch(ctx, file.BatchID)
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
			return fmt.Errorf("gold quality gate on batch %d of dataset %d: %w", file.BatchID, dataset.DatasetID, err)
		}

		if err := staging.Append(ctx, passing, file.BatchID, partitions); err != nil {
			return err
		}

		e.logger.Info("staged gold batch",
			slog.Int("dataset_id", dataset.DatasetID),
			slog.Int64("batch_id", file.BatchID),
			slog.Int("rows", passing.NumRows()),
		)
	}

	return nil
}
