package orchestrator

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/table"
)

// The end-to-end fixture drives a full run from a sqlite source database
// through acquisition, landing, standardization, the quality gate and a
// direct gold transformation, all over the in-memory object store.

func newTestRun(t *testing.T) (*Orchestrator, *catalog.Store, *lake.MemStore) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := catalog.Open(&catalog.Config{
		DatabaseType: catalog.DatabaseTypeSQLite,
		DatabaseName: "orchestrator_test",
		Home:         t.TempDir(),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	objects := lake.NewMemStore()

	o := New(store, objects, logger, &Config{Env: "test", MaxThreads: 2})

	return o, store, objects
}

func seedSourceDatabase(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "source.db")

	src, err := sql.Open("sqlite3", path)
	require.NoError(t, err)

	_, err = src.Exec(`CREATE TABLE customers (id INTEGER, name TEXT);
		INSERT INTO customers VALUES (1, '  Acme  '), (2, 'Globex');`)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	return path
}

func seedPipeline(t *testing.T, store *catalog.Store, sourcePath string) {
	t.Helper()

	exec := func(query string, args ...any) {
		t.Helper()

		_, err := store.DB().Exec(query, args...)
		require.NoError(t, err)
	}

	exec(`INSERT INTO ctl_data_acquisition_connection_master
	      (outbound_source_platform, outbound_source_system, connection_config, ssh_private_key)
	      VALUES ('DATABASE', 'billing', ?, '')`,
		`{"driver":"sqlite3","database":"`+sourcePath+`"}`)

	exec(`INSERT INTO ctl_data_acquisition_detail
	      (process_id, pre_ingestion_dataset_id, pre_ingestion_dataset_name,
	       outbound_source_platform, outbound_source_system,
	       outbound_source_file_pattern, query, inbound_location)
	      VALUES (1, 100, 'customers', 'DATABASE', 'billing',
	              'customers_YYYYMMDD.csv', 'SELECT id, name FROM customers ORDER BY id',
	              'lake/inbound/customers')`)

	exec(`INSERT INTO ctl_dataset_master
	      (process_id, dataset_id, dataset_name, dataset_type,
	       inbound_location, inbound_file_pattern, landing_location,
	       data_standardisation_location, staging_location, staging_table)
	      VALUES (1, 100, 'customers', 'BRONZE',
	              'lake/inbound/customers', 'customers_YYYYMMDD',
	              'lake/landing/customers', 'lake/standardised/customers',
	              'lake/staging/customers', 'customers')`)

	exec(`INSERT INTO ctl_column_metadata
	      (column_id, table_name, dataset_id, column_name, column_data_type,
	       source_column_name, column_sequence_number)
	      VALUES (1, 'landing', 100, 'customer_id', 'integer', 'id', 1),
	             (2, 'landing', 100, 'customer_name', 'string', 'name', 2)`)

	exec(`INSERT INTO ctl_data_standardisation_dtl
	      (dataset_id, column_name, function_name, function_params)
	      VALUES (100, 'customer_name', 'trim', '')`)

	exec(`INSERT INTO ctl_dataset_master
	      (process_id, dataset_id, dataset_name, dataset_type,
	       staging_location, transformation_location)
	      VALUES (1, 500, 'dim_customer', 'GOLD',
	              'lake/gold-staging/dim_customer', 'lake/gold/dim_customer')`)

	exec(`INSERT INTO ctl_column_metadata
	      (column_id, table_name, dataset_id, column_name, column_sequence_number)
	      VALUES (1, 'gold', 500, 'customer_id', 1),
	             (2, 'gold', 500, 'customer_name', 2)`)

	exec(`INSERT INTO ctl_transformation_dependency_master
	      (process_id, transformation_step, dataset_id, depedent_dataset_id,
	       transformation_type, primary_keys)
	      VALUES (1, '1', 500, 100, 'direct', 'customer_id')`)
}

func TestRun_FullPipeline(t *testing.T) {
	o, store, objects := newTestRun(t)
	ctx := context.Background()

	seedPipeline(t, store, seedSourceDatabase(t))

	require.NoError(t, o.Run(ctx, 1))

	// The gold table carries the SCD-2 envelope over the standardized rows.
	published := table.New(objects, lake.Resolve("lake/gold/dim_customer", "test"))

	got, err := published.ReadLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, got.NumRows())

	name, err := got.At(0, "customer_name")
	require.NoError(t, err)
	assert.Equal(t, "Acme", name.Str, "standardization trims before gold sees the row")

	endDate, err := got.At(0, table.ColEffEndDate)
	require.NoError(t, err)
	assert.Equal(t, table.SentinelEndDate, endDate.Str)

	// Every stage logged its batch.
	for logTable, statusColumn := range map[string]string{
		"log_data_acquisition_detail":  "status",
		"log_raw_process_dtl":          "file_status",
		"log_data_standardisation_dtl": "status",
		"log_dqm_dtl":                  "status",
		"log_transformation_dtl":       "status",
	} {
		var count int
		require.NoError(t, store.DB().QueryRow(
			`SELECT COUNT(*) FROM `+logTable+` WHERE `+statusColumn+` = 'SUCCEEDED'`,
		).Scan(&count))
		assert.Positive(t, count, logTable)
	}
}

func TestRun_SecondRunIsIdempotentAtBronze(t *testing.T) {
	o, store, _ := newTestRun(t)
	ctx := context.Background()

	seedPipeline(t, store, seedSourceDatabase(t))

	require.NoError(t, o.Run(ctx, 1))

	var before int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM log_raw_process_dtl`).Scan(&before))

	// Everything already acquired: the rerun fails the acquisition layer and
	// never reaches landing.
	err := o.Run(ctx, 1)
	require.Error(t, err)

	var after int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM log_raw_process_dtl`).Scan(&after))
	assert.Equal(t, before, after)
}

func TestRun_UnknownProcessHasNoWork(t *testing.T) {
	o, _, _ := newTestRun(t)

	// No acquisition details and no datasets: every layer is trivially empty.
	require.NoError(t, o.Run(context.Background(), 99))
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("env", "")
	t.Setenv("max_threads", "")

	cfg := LoadConfig()
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, defaultMaxThreads, cfg.MaxThreads)
}
