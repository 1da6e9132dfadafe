// Package bronze implements the first refinement layer: B1 pulls source
// data into the inbound zone through the extractors, B2 promotes new
// inbound objects into the landing table as batch-tagged snapshot versions.
package bronze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/config"
	"github.com/datacraft-io/lakehouse/internal/extract"
	"github.com/datacraft-io/lakehouse/internal/frame"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/pattern"
	"github.com/datacraft-io/lakehouse/internal/table"
)

// ErrNoNewFiles is returned by Land when every inbound object is either
// already promoted or fails the pattern filter.
var ErrNoNewFiles = errors.New("no new files found for landing")

// Engine runs the bronze layer for one process. Safe for concurrent use
// from the coordinator workers.
type Engine struct {
	store     *catalog.Store
	objects   lake.ObjectStore
	extractor *extract.Extractor
	logger    *slog.Logger
	env       string
	now       func() time.Time
}

// New builds the bronze engine.
func New(store *catalog.Store, objects lake.ObjectStore, extractor *extract.Extractor, logger *slog.Logger, env string) *Engine {
	return &Engine{
		store:     store,
		objects:   objects,
		extractor: extractor,
		logger:    logger,
		env:       env,
		now:       time.Now,
	}
}

// Acquire is sub-stage B1 for one acquisition detail: dispatch the platform
// extractor. Attempt-level logging happens inside the extractor; this layer
// only surfaces the failure.
func (e *Engine) Acquire(ctx context.Context, detail *catalog.AcquisitionDetail) error {
	e.logger.Info("acquiring source data",
		slog.Int("pre_ingestion_dataset_id", detail.PreIngestionDatasetID),
		slog.String("platform", detail.OutboundSourcePlatform),
	)

	if err := e.extractor.Extract(ctx, detail); err != nil {
		return fmt.Errorf("acquiring dataset %d: %w", detail.PreIngestionDatasetID, err)
	}

	return nil
}

// Land is sub-stage B2 for one bronze dataset: every inbound object not yet
// promoted and matching the inbound pattern gets a fresh batch_id and is
// appended to the landing table.
func (e *Engine) Land(ctx context.Context, dataset *catalog.DatasetMaster) error {
	logs, err := e.store.RawProcessLogs(ctx, dataset.ProcessID, dataset.DatasetID, catalog.StatusSucceeded)
	if err != nil {
		return err
	}

	promoted := make(map[string]bool, len(logs))
	for _, row := range logs {
		promoted[row.SourceFile] = true
	}

	inbound := lake.Resolve(dataset.InboundLocation, e.env)

	objects, err := e.objects.List(ctx, inbound.Bucket, listPrefix(inbound.Key))
	if err != nil {
		return fmt.Errorf("listing inbound of dataset %d: %w", dataset.DatasetID, err)
	}

	static := dataset.InboundStaticFilePattern == catalog.FlagYes

	var newFiles []lake.Object

	for _, object := range objects {
		uri := "s3a://" + inbound.Bucket + "/" + object.Key
		if promoted[uri] {
			continue
		}

		match, err := pattern.Validate(dataset.InboundFilePattern, object.Name(), static)
		if err != nil {
			return err
		}

		if match {
			newFiles = append(newFiles, object)
		}
	}

	if len(newFiles) == 0 {
		return fmt.Errorf("%w: dataset %d", ErrNoNewFiles, dataset.DatasetID)
	}

	landing := table.New(e.objects, lake.Resolve(dataset.LandingLocation, e.env))
	partitions := config.ParseCommaSeparatedList(dataset.LandingPartitionColumns)

	for _, object := range newFiles {
		uri := "s3a://" + inbound.Bucket + "/" + object.Key

		startedAt := e.now()
		batchID := catalog.NewBatchID(startedAt)

		err := e.landFile(ctx, landing, inbound.Bucket, object.Key, dataset, batchID, partitions)

		logRow := &catalog.RawProcessLog{
			RunDate:              startedAt,
			BatchID:              batchID,
			ProcessID:            dataset.ProcessID,
			DatasetID:            dataset.DatasetID,
			SourceFile:           uri,
			LandingLocation:      dataset.LandingLocation,
			FileStatus:           catalog.StatusSucceeded,
			FileProcessStartTime: startedAt,
			FileProcessEndTime:   e.now(),
		}

		if err != nil {
			logRow.FileStatus = catalog.StatusFailed
			logRow.ExceptionDetails = err.Error()
		}

		if insertErr := e.store.InsertRawProcessLog(ctx, logRow); insertErr != nil {
			e.logger.Error("inserting raw process log",
				slog.Int("dataset_id", dataset.DatasetID),
				slog.String("error", insertErr.Error()),
			)
		}

		if err != nil {
			return fmt.Errorf("landing %s: %w", uri, err)
		}

		e.logger.Info("landed inbound file",
			slog.Int("dataset_id", dataset.DatasetID),
			slog.String("source_file", uri),
			slog.Int64("batch_id", batchID),
		)
	}

	return nil
}

func (e *Engine) landFile(ctx context.Context, landing *table.Table, bucket, key string, dataset *catalog.DatasetMaster, batchID int64, partitions []string) error {
	body, err := e.objects.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	f, err := frame.ReadDelimited(body, delimiterRune(dataset.InboundFileDelimiter))
	if err != nil {
		return fmt.Errorf("reading inbound file: %w", err)
	}

	tagged, err := f.WithColumn(table.ColBatchID, frame.String(strconv.FormatInt(batchID, 10)))
	if err != nil {
		return err
	}

	return landing.Append(ctx, tagged, batchID, partitions)
}

func listPrefix(key string) string {
	if key == "" {
		return ""
	}

	return key + "/"
}

func delimiterRune(s string) rune {
	for _, r := range s {
		return r
	}

	return ','
}
