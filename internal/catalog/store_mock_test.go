package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The mock suite covers error propagation and row mapping without a real
// database; behavioral coverage lives in store_test.go over sqlite.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return OpenDB(db, "sqlite3", logger), mock
}

func TestStore_DatasetMasters_QueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM ctl_dataset_master`).
		WithArgs(1, DatasetTypeBronze).
		WillReturnError(errors.New("connection reset"))

	_, err := store.DatasetMasters(context.Background(), 1, DatasetTypeBronze)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selecting dataset masters")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UnprocessedAtStandardization_RowMapping(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"batch_id", "source_file"}).
		AddRow(int64(2025031012000000000), "s3a://dev-lake/inbound/sales_1.csv").
		AddRow(int64(2025031012000100000), "s3a://dev-lake/inbound/sales_2.csv")

	mock.ExpectQuery(`SELECT batch_id, source_file FROM log_raw_process_dtl`).
		WithArgs(1, 100, 1, 100).
		WillReturnRows(rows)

	pending, err := store.UnprocessedAtStandardization(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(2025031012000000000), pending[0].BatchID)
	assert.Equal(t, "s3a://dev-lake/inbound/sales_2.csv", pending[1].SourceFile)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertRawProcessLog_ExecError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO log_raw_process_dtl`).
		WillReturnError(errors.New("disk full"))

	err := store.InsertRawProcessLog(context.Background(), &RawProcessLog{
		ProcessID: 1,
		DatasetID: 100,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting raw process log")
	assert.NoError(t, mock.ExpectationsWereMet())
}
