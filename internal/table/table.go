// Package table implements versioned snapshot tables over the object store:
// append and rebase versions tagged by batch_id, state reads, and the SCD-2
// merge used when publishing gold.
package table

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/datacraft-io/lakehouse/internal/frame"
	"github.com/datacraft-io/lakehouse/internal/lake"
)

const (
	// ColBatchID tags every row of every snapshot table with the unit of
	// work that produced it.
	ColBatchID = "batch_id"

	modeAppend = "append"
	modeRebase = "rebase"

	partFileName = "part-00000.csv"
	delimiter    = ','
)

var (
	// ErrBatchColumnMissing is returned when a write is attempted without
	// the batch_id column. Every write path must carry it.
	ErrBatchColumnMissing = errors.New("frame has no batch_id column")

	// ErrEmptyTable is returned when reading a table with no versions.
	ErrEmptyTable = errors.New("table has no versions")

	// ErrPartitionColumnMissing is returned when a declared partition
	// column is absent from the frame.
	ErrPartitionColumnMissing = errors.New("partition column not in frame")
)

// Table is a versioned snapshot table rooted at a resolved lake location.
// Table state is the newest rebase version plus every later append.
type Table struct {
	store    lake.ObjectStore
	location lake.Location
}

// New binds a table to its physical location.
func New(store lake.ObjectStore, location lake.Location) *Table {
	return &Table{store: store, location: location}
}

// Location returns the physical root of the table.
func (t *Table) Location() lake.Location {
	return t.location
}

// Exists probes the table's prefix for any object.
func (t *Table) Exists(ctx context.Context) (bool, error) {
	return t.store.Exists(ctx, t.location.Bucket, t.prefix())
}

func (t *Table) prefix() string {
	if t.location.Key == "" {
		return ""
	}

	return t.location.Key + "/"
}

// Append writes the frame as a new append version tagged by batchID,
// partitioned by the given columns.
func (t *Table) Append(ctx context.Context, f *frame.Frame, batchID int64, partitions []string) error {
	return t.write(ctx, f, batchID, partitions, modeAppend)
}

// Rebase writes the frame as a new rebase version tagged by batchID. A
// rebase supersedes every earlier version; reads start from the newest one.
func (t *Table) Rebase(ctx context.Context, f *frame.Frame, batchID int64, partitions []string) error {
	return t.write(ctx, f, batchID, partitions, modeRebase)
}

func (t *Table) write(ctx context.Context, f *frame.Frame, batchID int64, partitions []string, mode string) error {
	if !f.HasColumn(ColBatchID) {
		return fmt.Errorf("%w: writing %s", ErrBatchColumnMissing, t.location.URI)
	}

	groups, err := partitionRows(f, partitions)
	if err != nil {
		return err
	}

	for _, group := range groups {
		key := fmt.Sprintf("%sv=%d/%s/%s%s", t.prefix(), batchID, mode, group.subdir, partFileName)

		var buf bytes.Buffer
		if err := group.frame.WriteDelimited(&buf, delimiter); err != nil {
			return fmt.Errorf("encoding partition %q: %w", group.subdir, err)
		}

		if err := t.store.Put(ctx, t.location.Bucket, key, &buf, int64(buf.Len())); err != nil {
			return fmt.Errorf("writing version %d of %s: %w", batchID, t.location.URI, err)
		}
	}

	return nil
}

type partitionGroup struct {
	subdir string
	frame  *frame.Frame
}

// partitionRows splits a frame into one group per combination of partition
// column values, hive-style. No partition columns means one group.
func partitionRows(f *frame.Frame, partitions []string) ([]partitionGroup, error) {
	if len(partitions) == 0 {
		return []partitionGroup{{subdir: "", frame: f}}, nil
	}

	columns := make([][]frame.Value, len(partitions))

	for i, name := range partitions {
		col, err := f.Column(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrPartitionColumnMissing, name)
		}

		columns[i] = col
	}

	subdirs := make([]string, 0)
	masks := make(map[string][]bool)

	for row := range f.NumRows() {
		var b strings.Builder

		for i, name := range partitions {
			value := "__null__"
			if columns[i][row].Valid {
				value = columns[i][row].Str
			}

			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(value)
			b.WriteByte('/')
		}

		subdir := b.String()
		if _, ok := masks[subdir]; !ok {
			subdirs = append(subdirs, subdir)
			masks[subdir] = make([]bool, f.NumRows())
		}

		masks[subdir][row] = true
	}

	groups := make([]partitionGroup, 0, len(subdirs))

	for _, subdir := range subdirs {
		part, err := f.Filter(masks[subdir])
		if err != nil {
			return nil, err
		}

		groups = append(groups, partitionGroup{subdir: subdir, frame: part})
	}

	return groups, nil
}

// version is one written snapshot: its batch tag, mode and objects.
type version struct {
	batchID int64
	mode    string
	keys    []string
}

// versions lists and orders the written versions of the table.
func (t *Table) versions(ctx context.Context) ([]version, error) {
	objects, err := t.store.List(ctx, t.location.Bucket, t.prefix())
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s: %w", t.location.URI, err)
	}

	byBatch := make(map[int64]*version)

	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, t.prefix())

		parts := strings.SplitN(rel, "/", 3)
		if len(parts) < 3 || !strings.HasPrefix(parts[0], "v=") {
			continue
		}

		batchID, err := strconv.ParseInt(strings.TrimPrefix(parts[0], "v="), 10, 64)
		if err != nil {
			continue
		}

		mode := parts[1]
		if mode != modeAppend && mode != modeRebase {
			continue
		}

		v, ok := byBatch[batchID]
		if !ok {
			v = &version{batchID: batchID, mode: mode}
			byBatch[batchID] = v
		}

		v.keys = append(v.keys, obj.Key)
	}

	out := make([]version, 0, len(byBatch))
	for _, v := range byBatch {
		out = append(out, *v)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].batchID < out[j].batchID })

	return out, nil
}

// ReadAll returns the table state: the newest rebase plus later appends.
func (t *Table) ReadAll(ctx context.Context) (*frame.Frame, error) {
	versions, err := t.versions(ctx)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTable, t.location.URI)
	}

	// Start from the newest rebase, if any.
	start := 0

	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].mode == modeRebase {
			start = i

			break
		}
	}

	var state *frame.Frame

	for _, v := range versions[start:] {
		for _, key := range v.keys {
			part, err := t.readObject(ctx, key)
			if err != nil {
				return nil, err
			}

			if state == nil {
				state = part
			} else {
				state = state.Concat(part)
			}
		}
	}

	return state, nil
}

func (t *Table) readObject(ctx context.Context, key string) (*frame.Frame, error) {
	r, err := t.store.Get(ctx, t.location.Bucket, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	f, err := frame.ReadDelimited(r, delimiter)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}

	return f, nil
}

// ReadBatch returns the state rows tagged with the given batch.
func (t *Table) ReadBatch(ctx context.Context, batchID int64) (*frame.Frame, error) {
	return t.readWhereBatch(ctx, strconv.FormatInt(batchID, 10))
}

// ReadLatest returns the state rows tagged with the maximum batch_id.
func (t *Table) ReadLatest(ctx context.Context) (*frame.Frame, error) {
	state, err := t.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	batches, err := state.Column(ColBatchID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s", ErrBatchColumnMissing, t.location.URI)
	}

	var latest string

	for _, cell := range batches {
		if cell.Valid && (latest == "" || compareBatch(cell.Str, latest) > 0) {
			latest = cell.Str
		}
	}

	return filterBatch(state, batches, latest)
}

func (t *Table) readWhereBatch(ctx context.Context, batch string) (*frame.Frame, error) {
	state, err := t.ReadAll(ctx)
	if err != nil {
		return nil, err
	}

	batches, err := state.Column(ColBatchID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s", ErrBatchColumnMissing, t.location.URI)
	}

	return filterBatch(state, batches, batch)
}

func filterBatch(state *frame.Frame, batches []frame.Value, batch string) (*frame.Frame, error) {
	mask := make([]bool, len(batches))
	for i, cell := range batches {
		mask[i] = cell.Valid && cell.Str == batch
	}

	return state.Filter(mask)
}

// compareBatch compares two batch tags numerically; equal-length decimal
// strings compare lexicographically, so fall back to string order when
// parsing fails.
func compareBatch(a, b string) int {
	av, aerr := strconv.ParseInt(a, 10, 64)

	bv, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(a, b)
}
