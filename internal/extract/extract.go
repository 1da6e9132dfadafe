// Package extract implements the bronze acquisition extractors: one per
// source platform, dispatched on ctl_data_acquisition_detail rows. Every
// attempt writes exactly one log_data_acquisition_detail row; files whose
// inbound target already succeeded are skipped, and a run that produces no
// new work fails with ErrNoUnprocessedFiles.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/frame"
	"github.com/datacraft-io/lakehouse/internal/lake"
)

var (
	// ErrNoUnprocessedFiles is returned when a source has nothing new to
	// pull: every candidate file already has a SUCCEEDED acquisition log.
	ErrNoUnprocessedFiles = errors.New("no unprocessed files found")

	// ErrUnknownPlatform is returned for an outbound_source_platform no
	// extractor handles.
	ErrUnknownPlatform = errors.New("unknown source platform")

	// ErrUnknownDriver is returned for a database driver outside
	// postgres/mysql/sqlite3.
	ErrUnknownDriver = errors.New("unknown database driver")

	// ErrUnknownAuthType is returned for an API TOKEN step whose auth_type
	// is not oauth/service_account/basic_auth/custom.
	ErrUnknownAuthType = errors.New("unknown auth type")

	// ErrBadConnectionConfig is returned when a connection_config payload
	// cannot be decoded or misses required keys.
	ErrBadConnectionConfig = errors.New("bad connection config")
)

// defaultRequestRate bounds outbound API request dispatch.
const defaultRequestRate = 10

// Extractor pulls source data into the inbound zone. One instance serves
// every acquisition detail of a process; all methods are safe for
// concurrent use from the coordinator workers.
type Extractor struct {
	store   *catalog.Store
	objects lake.ObjectStore
	logger  *slog.Logger
	env     string

	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	// sourceStore builds the client for an external object-store source.
	// Swapped for an in-memory store in tests.
	sourceStore func(cfg *sourceStoreConfig) (lake.ObjectStore, error)
}

// New builds an extractor over the control-plane store and the inbound
// object store.
func New(store *catalog.Store, objects lake.ObjectStore, logger *slog.Logger, env string) *Extractor {
	return &Extractor{
		store:       store,
		objects:     objects,
		logger:      logger,
		env:         env,
		client:      &http.Client{Timeout: 2 * time.Minute},
		limiter:     rate.NewLimiter(rate.Limit(defaultRequestRate), defaultRequestRate),
		now:         time.Now,
		sourceStore: newMinioSourceStore,
	}
}

// Extract runs the extractor matching the detail's source platform.
func (e *Extractor) Extract(ctx context.Context, detail *catalog.AcquisitionDetail) error {
	switch detail.OutboundSourcePlatform {
	case catalog.PlatformSFTP:
		return e.extractSFTP(ctx, detail)
	case catalog.PlatformObjectStore:
		return e.extractObjectStore(ctx, detail)
	case catalog.PlatformDatabase:
		return e.extractDatabase(ctx, detail)
	case catalog.PlatformSalesforce, catalog.PlatformVeeva:
		return e.extractSalesforce(ctx, detail)
	case catalog.PlatformAPI:
		return e.extractAPI(ctx, detail)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, detail.OutboundSourcePlatform)
	}
}

// processedLocations returns the inbound URIs this dataset has already
// acquired, keyed for dedupe.
func (e *Extractor) processedLocations(ctx context.Context, detail *catalog.AcquisitionDetail) (map[string]bool, error) {
	logs, err := e.store.AcquisitionLogs(ctx, detail.ProcessID, detail.PreIngestionDatasetID, catalog.StatusSucceeded)
	if err != nil {
		return nil, err
	}

	processed := make(map[string]bool, len(logs))
	for _, row := range logs {
		processed[row.InboundFileLocation] = true
	}

	return processed, nil
}

// logAttempt appends the acquisition log row for one extraction attempt.
// On failure the inbound location stays empty and the error text is kept.
func (e *Extractor) logAttempt(ctx context.Context, detail *catalog.AcquisitionDetail, batchID int64, startedAt time.Time, sourceLocation, inboundURI string, attemptErr error) {
	row := &catalog.AcquisitionLog{
		BatchID:                batchID,
		RunDate:                startedAt,
		ProcessID:              detail.ProcessID,
		PreIngestionDatasetID:  detail.PreIngestionDatasetID,
		OutboundSourceLocation: sourceLocation,
		InboundFileLocation:    inboundURI,
		Status:                 catalog.StatusSucceeded,
		StartTime:              startedAt,
		EndTime:                e.now(),
	}

	if attemptErr != nil {
		row.InboundFileLocation = ""
		row.Status = catalog.StatusFailed
		row.ExceptionDetails = attemptErr.Error()
	}

	if err := e.store.InsertAcquisitionLog(ctx, row); err != nil {
		e.logger.Error("inserting acquisition log",
			slog.Int("pre_ingestion_dataset_id", detail.PreIngestionDatasetID),
			slog.String("error", err.Error()),
		)
	}
}

// writeInbound serializes one frame as delimited text at the inbound target.
func (e *Extractor) writeInbound(ctx context.Context, f *frame.Frame, target lake.Location, delimiter string) error {
	body, err := encodeDelimited(f, delimiter)
	if err != nil {
		return err
	}

	if err := e.objects.Put(ctx, target.Bucket, target.Key, body, int64(body.Len())); err != nil {
		return fmt.Errorf("writing inbound object: %w", err)
	}

	return nil
}

// encodeDelimited renders a frame into a buffer with the dataset's
// declared delimiter.
func encodeDelimited(f *frame.Frame, delimiter string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := f.WriteDelimited(&buf, delimiterRune(delimiter)); err != nil {
		return nil, fmt.Errorf("encoding inbound file: %w", err)
	}

	return &buf, nil
}

// delimiterRune decodes the catalog's single-character delimiter column,
// defaulting to comma.
func delimiterRune(s string) rune {
	for _, r := range s {
		return r
	}

	return ','
}

// cellFromJSON folds a decoded JSON value into a frame cell, rendering
// integral numbers without a fraction.
func cellFromJSON(v any) frame.Value {
	switch value := v.(type) {
	case nil:
		return frame.Null()
	case string:
		return frame.String(value)
	case bool:
		return frame.String(strconv.FormatBool(value))
	case float64:
		if value == float64(int64(value)) {
			return frame.String(strconv.FormatInt(int64(value), 10))
		}

		return frame.String(strconv.FormatFloat(value, 'g', -1, 64))
	default:
		return frame.String(fmt.Sprintf("%v", value))
	}
}
