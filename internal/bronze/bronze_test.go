package bronze

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/extract"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/table"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *catalog.Store, *lake.MemStore) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := catalog.Open(&catalog.Config{
		DatabaseType: catalog.DatabaseTypeSQLite,
		DatabaseName: "bronze_test",
		Home:         t.TempDir(),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	objects := lake.NewMemStore()

	e := New(store, objects, extract.New(store, objects, logger, "test"), logger, "test")
	e.now = func() time.Time { return fixedNow }

	return e, store, objects
}

func seedDataset(t *testing.T, store *catalog.Store, d *catalog.DatasetMaster) {
	t.Helper()

	_, err := store.DB().Exec(
		`INSERT INTO ctl_dataset_master
		 (process_id, dataset_id, dataset_name, dataset_type,
		  inbound_location, inbound_file_pattern, inbound_static_file_pattern,
		  inbound_file_delimiter, landing_location, landing_partition_columns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ProcessID, d.DatasetID, d.DatasetName, d.DatasetType,
		d.InboundLocation, d.InboundFilePattern, d.InboundStaticFilePattern,
		d.InboundFileDelimiter, d.LandingLocation, d.LandingPartitionColumns)
	require.NoError(t, err)
}

func putInbound(t *testing.T, objects lake.ObjectStore, bucket, key, body string) {
	t.Helper()

	require.NoError(t, objects.Put(context.Background(), bucket, key, strings.NewReader(body), int64(len(body))))
}

func customersDataset() *catalog.DatasetMaster {
	return &catalog.DatasetMaster{
		ProcessID:                1,
		DatasetID:                100,
		DatasetName:              "customers",
		DatasetType:              catalog.DatasetTypeBronze,
		InboundLocation:          "lake/inbound/customers",
		InboundFilePattern:       "customers_YYYYMMDD",
		InboundStaticFilePattern: "N",
		InboundFileDelimiter:     ",",
		LandingLocation:          "lake/landing/customers",
	}
}

func TestLand_PromotesInboundFile(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()

	dataset := customersDataset()
	seedDataset(t, store, dataset)

	putInbound(t, objects, "test-lake", "inbound/customers/customers_20250310.csv",
		"id,name\n1,Acme\n2,Globex\n")

	require.NoError(t, e.Land(ctx, dataset))

	batchID := catalog.NewBatchID(fixedNow)
	landing := table.New(objects, lake.Resolve(dataset.LandingLocation, "test"))

	landed, err := landing.ReadBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, 2, landed.NumRows())

	name, err := landed.At(0, "name")
	require.NoError(t, err)
	assert.Equal(t, "Acme", name.Str)

	// Every row carries the batch tag it was landed under.
	tag, err := landed.At(1, table.ColBatchID)
	require.NoError(t, err)
	assert.Equal(t, "2025031012000000000", tag.Str)

	var sourceFile, status string
	require.NoError(t, store.DB().QueryRow(
		`SELECT source_file, file_status FROM log_raw_process_dtl WHERE dataset_id = 100 AND batch_id = ?`, batchID,
	).Scan(&sourceFile, &status))
	assert.Equal(t, "s3a://test-lake/inbound/customers/customers_20250310.csv", sourceFile)
	assert.Equal(t, catalog.StatusSucceeded, status)

	// The file is now promoted; the rerun finds nothing new.
	err = e.Land(ctx, dataset)
	assert.ErrorIs(t, err, ErrNoNewFiles)
}

func TestLand_StaticPatternFiltersInbound(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()

	dataset := customersDataset()
	dataset.InboundFilePattern = `ref_data\.csv$`
	dataset.InboundStaticFilePattern = catalog.FlagYes
	seedDataset(t, store, dataset)

	putInbound(t, objects, "test-lake", "inbound/customers/ref_data.csv", "code,label\nus,United States\n")
	putInbound(t, objects, "test-lake", "inbound/customers/notes.txt", "scratch\n")

	require.NoError(t, e.Land(ctx, dataset))

	var landedFiles int
	require.NoError(t, store.DB().QueryRow(
		`SELECT COUNT(*) FROM log_raw_process_dtl WHERE dataset_id = 100`,
	).Scan(&landedFiles))
	assert.Equal(t, 1, landedFiles)
}

func TestLand_NoInboundObjects(t *testing.T) {
	e, store, _ := newTestEngine(t)

	dataset := customersDataset()
	seedDataset(t, store, dataset)

	err := e.Land(context.Background(), dataset)
	assert.ErrorIs(t, err, ErrNoNewFiles)
}

func TestLand_BadFileRecordsFailure(t *testing.T) {
	e, store, objects := newTestEngine(t)
	ctx := context.Background()

	dataset := customersDataset()
	seedDataset(t, store, dataset)

	// The second record has a trailing field the header does not declare.
	putInbound(t, objects, "test-lake", "inbound/customers/customers_20250310.csv",
		"id,name\n1,Acme\n2,Globex,extra\n")

	err := e.Land(ctx, dataset)
	require.Error(t, err)

	var status, details string
	require.NoError(t, store.DB().QueryRow(
		`SELECT file_status, exception_details FROM log_raw_process_dtl WHERE dataset_id = 100`,
	).Scan(&status, &details))
	assert.Equal(t, catalog.StatusFailed, status)
	assert.NotEmpty(t, details)
}

func TestAcquire_UnknownPlatform(t *testing.T) {
	e, _, _ := newTestEngine(t)

	err := e.Acquire(context.Background(), &catalog.AcquisitionDetail{
		ProcessID:              1,
		PreIngestionDatasetID:  10,
		OutboundSourcePlatform: "CARRIER_PIGEON",
	})
	assert.ErrorIs(t, err, extract.ErrUnknownPlatform)
}
