package gold

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/dqm"
	"github.com/datacraft-io/lakehouse/internal/frame"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/table"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *catalog.Store, *lake.MemStore) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := catalog.Open(&catalog.Config{
		DatabaseType: catalog.DatabaseTypeSQLite,
		DatabaseName: "gold_test",
		Home:         t.TempDir(),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	objects := lake.NewMemStore()

	e := New(store, objects, dqm.New(store, logger), logger, "test")
	e.now = func() time.Time { return fixedNow }

	return e, store, objects
}

func seedDataset(t *testing.T, store *catalog.Store, d *catalog.DatasetMaster) {
	t.Helper()

	_, err := store.DB().Exec(
		`INSERT INTO ctl_dataset_master
		 (process_id, dataset_id, dataset_name, dataset_type, staging_location,
		  staging_table, staging_partition_columns, transformation_location,
		  transformation_partition_columns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ProcessID, d.DatasetID, d.DatasetName, d.DatasetType,
		d.StagingLocation, d.StagingTable, d.StagingPartitionColumns,
		d.TransformationLocation, d.TransformationPartitionColumns)
	require.NoError(t, err)
}

func seedColumn(t *testing.T, store *catalog.Store, datasetID, seq int, name string) {
	t.Helper()

	_, err := store.DB().Exec(
		`INSERT INTO ctl_column_metadata
		 (column_id, table_name, dataset_id, column_name, column_sequence_number)
		 VALUES (?, 'gold', ?, ?, ?)`,
		seq, datasetID, name, seq)
	require.NoError(t, err)
}

func seedDependency(t *testing.T, store *catalog.Store, d *catalog.TransformationDependency) {
	t.Helper()

	_, err := store.DB().Exec(
		`INSERT INTO ctl_transformation_dependency_master
		 (process_id, transformation_step, dataset_id, depedent_dataset_id,
		  transformation_type, join_how, left_table_columns, right_table_columns,
		  primary_keys, custom_transformation_query, extra_values)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ProcessID, d.TransformationStep, d.DatasetID, d.DependentDatasetID,
		d.TransformationType, d.JoinHow, d.LeftTableColumns, d.RightTableColumns,
		d.PrimaryKeys, d.CustomTransformationQuery, d.ExtraValues)
	require.NoError(t, err)
}

// stageBatch writes one quality-cleared batch into a bronze dataset's
// staging table and records the SUCCEEDED dqm log that makes it visible to
// the gold layer.
func stageBatch(t *testing.T, store *catalog.Store, objects lake.ObjectStore, d *catalog.DatasetMaster, batchID int64, sourceFile string, f *frame.Frame) {
	t.Helper()

	ctx := context.Background()

	staging := table.New(objects, lake.Resolve(d.StagingLocation, "test"))
	require.NoError(t, staging.Append(ctx, f, batchID, nil))

	require.NoError(t, store.InsertQualityLog(ctx, &catalog.QualityLog{
		ProcessID:    d.ProcessID,
		DatasetID:    d.DatasetID,
		BatchID:      batchID,
		SourceFile:   sourceFile,
		Status:       catalog.StatusSucceeded,
		DqmStartTime: fixedNow,
		DqmEndTime:   fixedNow,
	}))
}

func stagedFrame(t *testing.T, batchID string, rows ...[2]string) *frame.Frame {
	t.Helper()

	f := frame.New("customer_id", "customer_name", "batch_id")
	for _, row := range rows {
		require.NoError(t, f.AppendRow(frame.String(row[0]), frame.String(row[1]), frame.String(batchID)))
	}

	return f
}

func goldDataset(datasetID int) *catalog.DatasetMaster {
	return &catalog.DatasetMaster{
		ProcessID:              1,
		DatasetID:              datasetID,
		DatasetName:            "dim_customer",
		DatasetType:            catalog.DatasetTypeGold,
		StagingLocation:        "lake/gold-staging/dim_customer",
		TransformationLocation: "lake/gold/dim_customer",
	}
}

func bronzeDataset(datasetID int, name string) *catalog.DatasetMaster {
	return &catalog.DatasetMaster{
		ProcessID:       1,
		DatasetID:       datasetID,
		DatasetName:     name,
		DatasetType:     catalog.DatasetTypeBronze,
		StagingLocation: "lake/staging/" + name,
		StagingTable:    name,
	}
}

func TestTransform_DirectInitialPublish(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()

	gold := goldDataset(500)
	bronze := bronzeDataset(100, "customers")
	seedDataset(t, store, gold)
	seedDataset(t, store, bronze)

	seedColumn(t, store, 500, 1, "customer_id")
	seedColumn(t, store, 500, 2, "customer_name")

	seedDependency(t, store, &catalog.TransformationDependency{
		ProcessID: 1, TransformationStep: "1", DatasetID: 500,
		DependentDatasetID: 100, TransformationType: "direct",
		PrimaryKeys: "customer_id",
	})

	stageBatch(t, store, objects, bronze, 42, "s3a://test-lake/inbound/customers/c1.csv",
		stagedFrame(t, "42", [2]string{"1", "Acme"}, [2]string{"2", "Globex"}))

	require.NoError(t, e.Transform(ctx, gold))

	published := table.New(objects, lake.Resolve(gold.TransformationLocation, "test"))

	got, err := published.ReadBatch(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, 2, got.NumRows())

	endDate, err := got.At(0, table.ColEffEndDate)
	require.NoError(t, err)
	assert.Equal(t, table.SentinelEndDate, endDate.Str)

	flag, err := got.At(0, table.ColDeleteFlag)
	require.NoError(t, err)
	assert.Equal(t, table.FlagActive, flag.Str)

	checksum, err := got.At(0, table.ColChecksum)
	require.NoError(t, err)
	assert.Len(t, checksum.Str, 64)

	// The quality gate stages the published batch under the gold dataset.
	staged := table.New(objects, lake.Resolve(gold.StagingLocation, "test"))

	gated, err := staged.ReadBatch(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 2, gated.NumRows())

	var status string
	require.NoError(t, store.DB().QueryRow(
		`SELECT status FROM log_transformation_dtl WHERE dataset_id = 500 AND batch_id = 42`,
	).Scan(&status))
	assert.Equal(t, catalog.StatusSucceeded, status)

	// Everything transformed: the rerun has nothing left.
	err = e.Transform(ctx, gold)
	assert.ErrorIs(t, err, ErrNoUnprocessedBatches)
}

func TestTransform_DirectMergeClosesChangedRows(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()

	gold := goldDataset(501)
	bronze := bronzeDataset(101, "accounts")
	seedDataset(t, store, gold)
	seedDataset(t, store, bronze)

	seedColumn(t, store, 501, 1, "customer_id")
	seedColumn(t, store, 501, 2, "customer_name")

	seedDependency(t, store, &catalog.TransformationDependency{
		ProcessID: 1, TransformationStep: "1", DatasetID: 501,
		DependentDatasetID: 101, TransformationType: "direct",
		PrimaryKeys: "customer_id",
	})

	stageBatch(t, store, objects, bronze, 10, "a1.csv",
		stagedFrame(t, "10", [2]string{"1", "Acme"}))
	require.NoError(t, e.Transform(ctx, gold))

	// Second batch renames customer 1 and introduces customer 2.
	stageBatch(t, store, objects, bronze, 20, "a2.csv",
		stagedFrame(t, "20", [2]string{"1", "Acme Corp"}, [2]string{"2", "Globex"}))
	require.NoError(t, e.Transform(ctx, gold))

	published := table.New(objects, lake.Resolve(gold.TransformationLocation, "test"))

	merged, err := published.ReadLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, merged.NumRows())

	var active, closed int

	for row := 0; row < merged.NumRows(); row++ {
		endDate, err := merged.At(row, table.ColEffEndDate)
		require.NoError(t, err)

		if endDate.Str == table.SentinelEndDate {
			active++
		} else {
			closed++

			name, err := merged.At(row, "customer_name")
			require.NoError(t, err)
			assert.Equal(t, "Acme", name.Str)
		}
	}

	assert.Equal(t, 2, active)
	assert.Equal(t, 1, closed)
}

func TestTransform_UnionWithExtraValues(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()

	gold := goldDataset(502)
	us := bronzeDataset(110, "orders_us")
	eu := bronzeDataset(111, "orders_eu")
	seedDataset(t, store, gold)
	seedDataset(t, store, us)
	seedDataset(t, store, eu)

	seedColumn(t, store, 502, 1, "customer_id")
	seedColumn(t, store, 502, 2, "customer_name")
	seedColumn(t, store, 502, 3, "region")

	seedDependency(t, store, &catalog.TransformationDependency{
		ProcessID: 1, TransformationStep: "1", DatasetID: 502,
		DependentDatasetID: 110, TransformationType: "union",
		PrimaryKeys: "customer_id,region", ExtraValues: "region='us'",
	})
	seedDependency(t, store, &catalog.TransformationDependency{
		ProcessID: 1, TransformationStep: "2", DatasetID: 502,
		DependentDatasetID: 111, TransformationType: "union",
		PrimaryKeys: "customer_id,region", ExtraValues: "region='eu'",
	})

	stageBatch(t, store, objects, us, 30, "us.csv", stagedFrame(t, "30", [2]string{"1", "Acme"}))
	stageBatch(t, store, objects, eu, 30, "eu.csv", stagedFrame(t, "30", [2]string{"9", "Globex"}))

	require.NoError(t, e.Transform(ctx, gold))

	published := table.New(objects, lake.Resolve(gold.TransformationLocation, "test"))

	got, err := published.ReadLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, got.NumRows())

	regions := map[string]bool{}

	for row := 0; row < got.NumRows(); row++ {
		region, err := got.At(row, "region")
		require.NoError(t, err)
		regions[region.Str] = true
	}

	assert.True(t, regions["us"])
	assert.True(t, regions["eu"])
}

func TestTransform_JoinSequential(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()

	gold := goldDataset(503)
	customers := bronzeDataset(120, "customers")
	orders := bronzeDataset(121, "orders")
	seedDataset(t, store, gold)
	seedDataset(t, store, customers)
	seedDataset(t, store, orders)

	seedColumn(t, store, 503, 1, "customer_id")
	seedColumn(t, store, 503, 2, "customer_name")
	seedColumn(t, store, 503, 3, "order_total")

	seedDependency(t, store, &catalog.TransformationDependency{
		ProcessID: 1, TransformationStep: "1", DatasetID: 503,
		DependentDatasetID: 120, TransformationType: "join",
		PrimaryKeys: "customer_id",
	})
	seedDependency(t, store, &catalog.TransformationDependency{
		ProcessID: 1, TransformationStep: "2", DatasetID: 503,
		DependentDatasetID: 121, TransformationType: "join",
		JoinHow: "inner", LeftTableColumns: "customer_id", RightTableColumns: "cust_id",
		PrimaryKeys: "customer_id",
	})

	stageBatch(t, store, objects, customers, 40, "cust.csv",
		stagedFrame(t, "40", [2]string{"1", "Acme"}, [2]string{"2", "Globex"}))

	orderRows := frame.New("cust_id", "order_total", "batch_id")
	require.NoError(t, orderRows.AppendRow(frame.String("1"), frame.String("250"), frame.String("40")))

	staging := table.New(objects, lake.Resolve(orders.StagingLocation, "test"))
	require.NoError(t, staging.Append(ctx, orderRows, 40, nil))

	require.NoError(t, e.Transform(ctx, gold))

	published := table.New(objects, lake.Resolve(gold.TransformationLocation, "test"))

	got, err := published.ReadLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, got.NumRows())

	total, err := got.At(0, "order_total")
	require.NoError(t, err)
	assert.Equal(t, "250", total.Str)
}

func TestTransform_CustomQuery(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()

	gold := goldDataset(504)
	bronze := bronzeDataset(130, "payments")
	seedDataset(t, store, gold)
	seedDataset(t, store, bronze)

	seedColumn(t, store, 504, 1, "customer_id")
	seedColumn(t, store, 504, 2, "customer_name")

	seedDependency(t, store, &catalog.TransformationDependency{
		ProcessID: 1, TransformationStep: "1", DatasetID: 504,
		DependentDatasetID: 130, TransformationType: "custom",
		PrimaryKeys:               "customer_id",
		CustomTransformationQuery: "SELECT customer_id, customer_name FROM payments WHERE customer_id = '2'",
	})

	stageBatch(t, store, objects, bronze, 50, "p1.csv",
		stagedFrame(t, "50", [2]string{"1", "Acme"}, [2]string{"2", "Globex"}))

	require.NoError(t, e.Transform(ctx, gold))

	published := table.New(objects, lake.Resolve(gold.TransformationLocation, "test"))

	got, err := published.ReadLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, got.NumRows())

	name, err := got.At(0, "customer_name")
	require.NoError(t, err)
	assert.Equal(t, "Globex", name.Str)
}

func TestTransform_UnknownTypeFailsAndLogs(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()

	gold := goldDataset(505)
	bronze := bronzeDataset(140, "events")
	seedDataset(t, store, gold)
	seedDataset(t, store, bronze)

	seedDependency(t, store, &catalog.TransformationDependency{
		ProcessID: 1, TransformationStep: "1", DatasetID: 505,
		DependentDatasetID: 140, TransformationType: "pivot",
	})

	stageBatch(t, store, objects, bronze, 60, "e1.csv", stagedFrame(t, "60", [2]string{"1", "x"}))

	err := e.Transform(ctx, gold)
	assert.ErrorIs(t, err, ErrUnknownTransformation)

	var status string
	require.NoError(t, store.DB().QueryRow(
		`SELECT status FROM log_transformation_dtl WHERE dataset_id = 505 AND batch_id = 60`,
	).Scan(&status))
	assert.Equal(t, catalog.StatusFailed, status)
}

func TestTransform_NoDependencies(t *testing.T) {
	e, store, _ := newTestEngine(t)

	gold := goldDataset(506)
	seedDataset(t, store, gold)

	err := e.Transform(context.Background(), gold)
	assert.ErrorIs(t, err, ErrNoDependencies)
}

func TestWithExtraValues(t *testing.T) {
	f := frame.New("a")
	require.NoError(t, f.AppendRow(frame.String("1")))

	out, err := withExtraValues(f, "region='us', tier=gold")
	require.NoError(t, err)

	region, err := out.At(0, "region")
	require.NoError(t, err)
	assert.Equal(t, "us", region.Str)

	tier, err := out.At(0, "tier")
	require.NoError(t, err)
	assert.Equal(t, "gold", tier.Str)

	_, err = withExtraValues(f, "no-equals-sign")
	assert.ErrorIs(t, err, ErrBadExtraValues)
}
