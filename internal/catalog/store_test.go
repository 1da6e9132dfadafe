package catalog

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens an in-memory sqlite store with the embedded schema
// applied, mirroring what Open does against a real database.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)

	// cache=shared keeps the schema alive across pooled connections, but a
	// closed last connection drops the database. Pin one open.
	db.SetMaxOpenConns(1)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, ensureSchema(db, DatabaseTypeSQLite, logger))

	store := OpenDB(db, "sqlite3", logger)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestOpen_NilConfig(t *testing.T) {
	_, err := Open(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, err, ErrNilConfig)
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	store := newTestStore(t)

	// A second migration pass over the same database is a no-op.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, ensureSchema(store.DB(), DatabaseTypeSQLite, logger))
}

func TestStore_AcquisitionConnection_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AcquisitionConnection(context.Background(), PlatformSFTP, "vendor")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ColumnMetadata_OrderedBySequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"amount", "id", "region"} {
		seq := []int{3, 1, 2}[i]
		_, err := store.DB().ExecContext(ctx,
			`INSERT INTO ctl_column_metadata
			 (column_id, table_name, dataset_id, column_name, column_data_type, column_sequence_number)
			 VALUES (?, 'sales', 100, ?, 'string', ?)`, seq, name, seq)
		require.NoError(t, err)
	}

	columns, err := store.ColumnMetadata(ctx, 100)
	require.NoError(t, err)
	require.Len(t, columns, 3)
	assert.Equal(t, "id", columns[0].ColumnName)
	assert.Equal(t, "region", columns[1].ColumnName)
	assert.Equal(t, "amount", columns[2].ColumnName)
}

func TestStore_AcquisitionLog_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	row := &AcquisitionLog{
		BatchID:                NewBatchID(now),
		RunDate:                now,
		ProcessID:              1,
		PreIngestionDatasetID:  10,
		OutboundSourceLocation: "sftp://vendor/outbound/sales_20250101.csv",
		InboundFileLocation:    "s3a://dev-lake/inbound/sales_20250101.csv",
		Status:                 StatusSucceeded,
		StartTime:              now,
		EndTime:                now,
	}
	require.NoError(t, store.InsertAcquisitionLog(ctx, row))

	logs, err := store.AcquisitionLogs(ctx, 1, 10, StatusSucceeded)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, row.BatchID, logs[0].BatchID)
	assert.Equal(t, row.InboundFileLocation, logs[0].InboundFileLocation)

	// The failed set is disjoint.
	failed, err := store.AcquisitionLogs(ctx, 1, 10, StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestStore_UnprocessedAtStandardization(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	landed := func(batch int64, file, status string) {
		require.NoError(t, store.InsertRawProcessLog(ctx, &RawProcessLog{
			RunDate: now, BatchID: batch, ProcessID: 1, DatasetID: 100,
			SourceFile: file, LandingLocation: "lake/landing/sales",
			FileStatus: status, FileProcessStartTime: now, FileProcessEndTime: now,
		}))
	}

	landed(2025010100000000002, "sales_2.csv", StatusSucceeded)
	landed(2025010100000000001, "sales_1.csv", StatusSucceeded)
	landed(2025010100000000003, "sales_3.csv", StatusFailed)

	// sales_1 already standardized.
	require.NoError(t, store.InsertStandardizationLog(ctx, &StandardizationLog{
		BatchID: 2025010100000000001, ProcessID: 1, DatasetID: 100,
		SourceFile: "sales_1.csv", Status: StatusSucceeded,
		StartDatetime: now, EndDatetime: now,
	}))

	pending, err := store.UnprocessedAtStandardization(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sales_2.csv", pending[0].SourceFile)
}

func TestStore_UnprocessedAtTransformation_Distinct(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// Two quality-rule rows for the same (batch, file) collapse to one unit
	// of gold work.
	for range 2 {
		require.NoError(t, store.InsertQualityLog(ctx, &QualityLog{
			ProcessID: 1, DatasetID: 200, BatchID: 2025010100000000001,
			SourceFile: "sales_1.csv", Status: StatusSucceeded,
			DqmStartTime: now, DqmEndTime: now,
		}))
	}

	pending, err := store.UnprocessedAtTransformation(ctx, 1, 200)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// The transformation log lands under the gold dataset, not the dependent
	// the dqm rows belong to; exclusion matches by source_file.
	require.NoError(t, store.InsertTransformationLog(ctx, &TransformationLog{
		BatchID: 2025010100000000001, DataDate: now, ProcessID: 1, DatasetID: 900,
		SourceFile: "sales_1.csv", Status: StatusSucceeded,
		TransformationStartTime: now, TransformationEndTime: now,
	}))

	pending, err = store.UnprocessedAtTransformation(ctx, 1, 200)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_UnprocessedAtGoldQuality(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.InsertTransformationLog(ctx, &TransformationLog{
		BatchID: 2025010100000000005, DataDate: now, ProcessID: 1, DatasetID: 300,
		SourceFile: "gold_5", Status: StatusSucceeded,
		TransformationStartTime: now, TransformationEndTime: now,
	}))

	pending, err := store.UnprocessedAtGoldQuality(ctx, 1, 300)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2025010100000000005), pending[0].BatchID)

	require.NoError(t, store.InsertQualityLog(ctx, &QualityLog{
		ProcessID: 1, DatasetID: 300, BatchID: 2025010100000000005,
		SourceFile: "gold_5", Status: StatusSucceeded,
		DqmStartTime: now, DqmEndTime: now,
	}))

	pending, err = store.UnprocessedAtGoldQuality(ctx, 1, 300)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_QualityRules_ActiveOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	insert := func(qcID int, active string) {
		_, err := store.DB().ExecContext(ctx,
			`INSERT INTO ctl_dqm_master_dtl
			 (qc_id, process_id, dataset_id, column_name, qc_type, active_flag, criticality, criticality_threshold_pct)
			 VALUES (?, 1, 100, 'region', 'null', ?, 'NC', 0)`, qcID, active)
		require.NoError(t, err)
	}

	insert(2, "Y")
	insert(1, "Y")
	insert(3, "N")

	rules, err := store.QualityRules(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 1, rules[0].QcID)
	assert.Equal(t, 2, rules[1].QcID)
}

func TestNewBatchID_Shape(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 678901234, time.UTC)

	got := NewBatchID(at)
	assert.Equal(t, int64(2025010203040567890), got)
}

func TestNewBatchID_Monotonic(t *testing.T) {
	earlier := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	later := earlier.Add(10 * time.Microsecond)

	assert.Less(t, NewBatchID(earlier), NewBatchID(later))
}
