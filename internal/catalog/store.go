package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	// Dialect drivers registered for database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned by single-row selectors when no control-plane
	// row matches.
	ErrNotFound = errors.New("control-plane row not found")

	// ErrNilConfig is returned when Open is called without configuration.
	ErrNilConfig = errors.New("catalog config is nil")
)

// Store is the session-scoped control-plane accessor. Each worker holds its
// own Store is not required: the underlying pool is safe for concurrent use,
// and every method takes a context.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the control-plane database, verifies connectivity and
// applies the embedded migrations so the control tables always exist.
func Open(cfg *Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating catalog config: %w", err)
	}

	if cfg.DatabaseType == DatabaseTypeSQLite {
		// The sqlite database file lives under the framework home.
		if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
			return nil, fmt.Errorf("creating framework home: %w", err)
		}
	}

	driverName, err := cfg.DriverName()
	if err != nil {
		return nil, err
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	logger.Info("opening control-plane store",
		slog.String("database_type", cfg.DatabaseType),
		slog.String("dsn", cfg.MaskDSN()),
	)

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening control-plane connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("pinging control-plane database: %w", err)
	}

	if err := ensureSchema(db.DB, cfg.DatabaseType, logger); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ensuring control-plane schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// OpenDB wraps an already-open connection without running migrations.
// Intended for tests that seed their own schema.
func OpenDB(db *sql.DB, driverName string, logger *slog.Logger) *Store {
	return &Store{db: sqlx.NewDb(db, driverName), logger: logger}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing control-plane store: %w", err)
	}

	return nil
}

// DB exposes the underlying pool for the migration runner and tests.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// ---------------------------------------------------------------------------
// ctl_* selectors. ORDER BY clauses are part of the contract: every caller
// relies on deterministic ordering.
// ---------------------------------------------------------------------------

// AcquisitionDetails returns every acquisition instruction of a process.
func (s *Store) AcquisitionDetails(ctx context.Context, processID int) ([]AcquisitionDetail, error) {
	const query = `SELECT * FROM ctl_data_acquisition_detail
		WHERE process_id = ?
		ORDER BY pre_ingestion_dataset_id ASC`

	var rows []AcquisitionDetail
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), processID); err != nil {
		return nil, fmt.Errorf("selecting acquisition details: %w", err)
	}

	return rows, nil
}

// AcquisitionConnection returns the credential bundle for a platform/system
// pair, or ErrNotFound.
func (s *Store) AcquisitionConnection(ctx context.Context, platform, system string) (*AcquisitionConnection, error) {
	const query = `SELECT * FROM ctl_data_acquisition_connection_master
		WHERE outbound_source_platform = ? AND outbound_source_system = ?`

	var row AcquisitionConnection

	err := s.db.GetContext(ctx, &row, s.db.Rebind(query), platform, system)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: connection for %s/%s", ErrNotFound, platform, system)
	}

	if err != nil {
		return nil, fmt.Errorf("selecting acquisition connection: %w", err)
	}

	return &row, nil
}

// APIConnectionDetails returns the ordered workflow steps of an API dataset.
func (s *Store) APIConnectionDetails(ctx context.Context, preIngestionDatasetID int) ([]APIConnectionDetail, error) {
	const query = `SELECT * FROM ctl_api_connections_dtl
		WHERE pre_ingestion_dataset_id = ?
		ORDER BY seq_no ASC`

	var rows []APIConnectionDetail
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), preIngestionDatasetID); err != nil {
		return nil, fmt.Errorf("selecting api connection details: %w", err)
	}

	return rows, nil
}

// ColumnMetadata returns the declared output columns of a dataset in
// declared order.
func (s *Store) ColumnMetadata(ctx context.Context, datasetID int) ([]ColumnMetadata, error) {
	const query = `SELECT * FROM ctl_column_metadata
		WHERE dataset_id = ?
		ORDER BY column_sequence_number ASC`

	var rows []ColumnMetadata
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), datasetID); err != nil {
		return nil, fmt.Errorf("selecting column metadata: %w", err)
	}

	return rows, nil
}

// DatasetMasters returns every dataset of a process with the given tier.
func (s *Store) DatasetMasters(ctx context.Context, processID int, datasetType string) ([]DatasetMaster, error) {
	const query = `SELECT * FROM ctl_dataset_master
		WHERE process_id = ? AND dataset_type = ?
		ORDER BY dataset_id ASC`

	var rows []DatasetMaster
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), processID, datasetType); err != nil {
		return nil, fmt.Errorf("selecting dataset masters: %w", err)
	}

	return rows, nil
}

// DatasetMaster returns a single dataset row, or ErrNotFound.
func (s *Store) DatasetMaster(ctx context.Context, processID int, datasetType string, datasetID int) (*DatasetMaster, error) {
	const query = `SELECT * FROM ctl_dataset_master
		WHERE process_id = ? AND dataset_type = ? AND dataset_id = ?`

	var row DatasetMaster

	err := s.db.GetContext(ctx, &row, s.db.Rebind(query), processID, datasetType, datasetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %d/%d (%s)", ErrNotFound, processID, datasetID, datasetType)
	}

	if err != nil {
		return nil, fmt.Errorf("selecting dataset master: %w", err)
	}

	return &row, nil
}

// StandardizationRules returns the ordered column transforms of a dataset.
func (s *Store) StandardizationRules(ctx context.Context, datasetID int) ([]StandardizationRule, error) {
	const query = `SELECT * FROM ctl_data_standardisation_dtl
		WHERE dataset_id = ?
		ORDER BY column_name ASC`

	var rows []StandardizationRule
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), datasetID); err != nil {
		return nil, fmt.Errorf("selecting standardization rules: %w", err)
	}

	return rows, nil
}

// QualityRules returns the active quality rules of a dataset ordered by
// qc_id.
func (s *Store) QualityRules(ctx context.Context, processID, datasetID int) ([]QualityRule, error) {
	const query = `SELECT * FROM ctl_dqm_master_dtl
		WHERE process_id = ? AND dataset_id = ? AND active_flag = 'Y'
		ORDER BY qc_id ASC`

	var rows []QualityRule
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), processID, datasetID); err != nil {
		return nil, fmt.Errorf("selecting quality rules: %w", err)
	}

	return rows, nil
}

// TransformationDependencies returns the gold dependency list of a dataset
// in step order.
func (s *Store) TransformationDependencies(ctx context.Context, processID, datasetID int) ([]TransformationDependency, error) {
	const query = `SELECT * FROM ctl_transformation_dependency_master
		WHERE process_id = ? AND dataset_id = ?
		ORDER BY transformation_step ASC`

	var rows []TransformationDependency
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), processID, datasetID); err != nil {
		return nil, fmt.Errorf("selecting transformation dependencies: %w", err)
	}

	return rows, nil
}

// ---------------------------------------------------------------------------
// log_* selectors: the resumability contract. "Unprocessed at stage S" is
// defined as succeeded at the predecessor log and not succeeded at log S.
// ---------------------------------------------------------------------------

// AcquisitionLogs returns the extractor attempts of a dataset with the given
// status. The SUCCEEDED set is the acquisition dedupe set.
func (s *Store) AcquisitionLogs(ctx context.Context, processID, preIngestionDatasetID int, status string) ([]AcquisitionLog, error) {
	const query = `SELECT * FROM log_data_acquisition_detail
		WHERE process_id = ? AND pre_ingestion_dataset_id = ? AND status = ?
		ORDER BY seq_no ASC`

	var rows []AcquisitionLog
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), processID, preIngestionDatasetID, status); err != nil {
		return nil, fmt.Errorf("selecting acquisition logs: %w", err)
	}

	return rows, nil
}

// RawProcessLogs returns the landing promotions of a dataset with the given
// status, oldest batch first.
func (s *Store) RawProcessLogs(ctx context.Context, processID, datasetID int, status string) ([]RawProcessLog, error) {
	const query = `SELECT * FROM log_raw_process_dtl
		WHERE process_id = ? AND dataset_id = ? AND file_status = ?
		ORDER BY batch_id ASC`

	var rows []RawProcessLog
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), processID, datasetID, status); err != nil {
		return nil, fmt.Errorf("selecting raw process logs: %w", err)
	}

	return rows, nil
}

// UnprocessedAtStandardization returns the (batch, source file) pairs landed
// at bronze that silver has not yet standardized.
func (s *Store) UnprocessedAtStandardization(ctx context.Context, processID, datasetID int) ([]UnprocessedFile, error) {
	const query = `SELECT batch_id, source_file FROM log_raw_process_dtl
		WHERE process_id = ? AND dataset_id = ? AND file_status = 'SUCCEEDED'
		AND source_file NOT IN (
			SELECT source_file FROM log_data_standardisation_dtl
			WHERE process_id = ? AND dataset_id = ? AND status = 'SUCCEEDED'
		)
		ORDER BY batch_id ASC`

	var rows []UnprocessedFile
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query),
		processID, datasetID, processID, datasetID); err != nil {
		return nil, fmt.Errorf("selecting unprocessed at standardization: %w", err)
	}

	return rows, nil
}

// UnprocessedAtQuality returns the standardized (batch, source file) pairs
// the quality gate has not yet cleared.
func (s *Store) UnprocessedAtQuality(ctx context.Context, processID, datasetID int) ([]UnprocessedFile, error) {
	const query = `SELECT batch_id, source_file FROM log_data_standardisation_dtl
		WHERE process_id = ? AND dataset_id = ? AND status = 'SUCCEEDED'
		AND source_file NOT IN (
			SELECT source_file FROM log_dqm_dtl
			WHERE process_id = ? AND dataset_id = ? AND status = 'SUCCEEDED'
		)
		ORDER BY batch_id ASC`

	var rows []UnprocessedFile
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query),
		processID, datasetID, processID, datasetID); err != nil {
		return nil, fmt.Errorf("selecting unprocessed at quality: %w", err)
	}

	return rows, nil
}

// UnprocessedAtTransformation returns the quality-cleared (batch, source
// file) pairs gold has not yet transformed. log_dqm_dtl carries one row per
// executed rule, hence the DISTINCT. The exclusion matches on source_file
// across the whole process: the dqm rows belong to the dependent dataset
// while the transformation rows are logged under the gold dataset.
func (s *Store) UnprocessedAtTransformation(ctx context.Context, processID, datasetID int) ([]UnprocessedFile, error) {
	const query = `SELECT DISTINCT batch_id, source_file FROM log_dqm_dtl
		WHERE process_id = ? AND dataset_id = ? AND status = 'SUCCEEDED'
		AND source_file NOT IN (
			SELECT source_file FROM log_transformation_dtl
			WHERE process_id = ? AND status = 'SUCCEEDED'
		)
		ORDER BY batch_id ASC`

	var rows []UnprocessedFile
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query),
		processID, datasetID, processID); err != nil {
		return nil, fmt.Errorf("selecting unprocessed at transformation: %w", err)
	}

	return rows, nil
}

// UnprocessedAtGoldQuality returns the transformed (batch, source file)
// pairs the gold-altitude quality gate has not yet cleared.
func (s *Store) UnprocessedAtGoldQuality(ctx context.Context, processID, datasetID int) ([]UnprocessedFile, error) {
	const query = `SELECT batch_id, source_file FROM log_transformation_dtl
		WHERE process_id = ? AND dataset_id = ? AND status = 'SUCCEEDED'
		AND source_file NOT IN (
			SELECT source_file FROM log_dqm_dtl
			WHERE process_id = ? AND dataset_id = ? AND status = 'SUCCEEDED'
		)
		ORDER BY batch_id ASC`

	var rows []UnprocessedFile
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query),
		processID, datasetID, processID, datasetID); err != nil {
		return nil, fmt.Errorf("selecting unprocessed at gold quality: %w", err)
	}

	return rows, nil
}

// ---------------------------------------------------------------------------
// log_* inserts. Append-only: no update statement exists in this package.
// ---------------------------------------------------------------------------

// InsertAcquisitionLog appends one extractor attempt.
func (s *Store) InsertAcquisitionLog(ctx context.Context, row *AcquisitionLog) error {
	const query = `INSERT INTO log_data_acquisition_detail
		(batch_id, run_date, process_id, pre_ingestion_dataset_id,
		 outbound_source_location, inbound_file_location, status,
		 exception_details, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		row.BatchID, normalizeDate(row.RunDate), row.ProcessID, row.PreIngestionDatasetID,
		row.OutboundSourceLocation, row.InboundFileLocation, row.Status,
		row.ExceptionDetails, row.StartTime, row.EndTime)
	if err != nil {
		return fmt.Errorf("inserting acquisition log: %w", err)
	}

	return nil
}

// InsertRawProcessLog appends one landing promotion.
func (s *Store) InsertRawProcessLog(ctx context.Context, row *RawProcessLog) error {
	const query = `INSERT INTO log_raw_process_dtl
		(run_date, batch_id, process_id, dataset_id, source_file,
		 landing_location, file_status, exception_details,
		 file_process_start_time, file_process_end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		normalizeDate(row.RunDate), row.BatchID, row.ProcessID, row.DatasetID, row.SourceFile,
		row.LandingLocation, row.FileStatus, row.ExceptionDetails,
		row.FileProcessStartTime, row.FileProcessEndTime)
	if err != nil {
		return fmt.Errorf("inserting raw process log: %w", err)
	}

	return nil
}

// InsertStandardizationLog appends one silver standardize attempt.
func (s *Store) InsertStandardizationLog(ctx context.Context, row *StandardizationLog) error {
	const query = `INSERT INTO log_data_standardisation_dtl
		(batch_id, process_id, dataset_id, source_file,
		 data_standardisation_location, status, exception_details,
		 start_datetime, end_datetime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		row.BatchID, row.ProcessID, row.DatasetID, row.SourceFile,
		row.DataStandardisationLocation, row.Status, row.ExceptionDetails,
		row.StartDatetime, row.EndDatetime)
	if err != nil {
		return fmt.Errorf("inserting standardization log: %w", err)
	}

	return nil
}

// InsertQualityLog appends one executed quality check.
func (s *Store) InsertQualityLog(ctx context.Context, row *QualityLog) error {
	const query = `INSERT INTO log_dqm_dtl
		(process_id, dataset_id, batch_id, source_file, column_name,
		 qc_type, qc_param, qc_filter, criticality,
		 criticality_threshold_pct, error_count, error_pct, status,
		 dqm_start_time, dqm_end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		row.ProcessID, row.DatasetID, row.BatchID, row.SourceFile, row.ColumnName,
		row.QcType, row.QcParam, row.QcFilter, row.Criticality,
		row.CriticalityThresholdPct, row.ErrorCount, row.ErrorPct, row.Status,
		row.DqmStartTime, row.DqmEndTime)
	if err != nil {
		return fmt.Errorf("inserting quality log: %w", err)
	}

	return nil
}

// InsertTransformationLog appends one gold transform attempt.
func (s *Store) InsertTransformationLog(ctx context.Context, row *TransformationLog) error {
	const query = `INSERT INTO log_transformation_dtl
		(batch_id, data_date, process_id, dataset_id, source_file,
		 status, exception_details, transformation_start_time,
		 transformation_end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		row.BatchID, normalizeDate(row.DataDate), row.ProcessID, row.DatasetID, row.SourceFile,
		row.Status, row.ExceptionDetails, row.TransformationStartTime,
		row.TransformationEndTime)
	if err != nil {
		return fmt.Errorf("inserting transformation log: %w", err)
	}

	return nil
}

// normalizeDate truncates a timestamp to its calendar date for DATE columns.
func normalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
