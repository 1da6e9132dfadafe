package table

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/datacraft-io/lakehouse/internal/frame"
)

// SCD-2 envelope columns carried by every gold row.
const (
	ColDataDate     = "data_date"
	ColEffStartDate = "eff_strt_dt"
	ColEffEndDate   = "eff_end_dt"
	ColDeleteFlag   = "sys_del_flg"
	ColCreatedTS    = "sys_created_ts"
	ColModifiedTS   = "sys_modified_ts"
	ColChecksum     = "sys_checksum"

	// SentinelEndDate marks the currently active version of a key.
	SentinelEndDate = "9999-12-31"

	// FlagActive and FlagClosed are the sys_del_flg values.
	FlagActive = "N"
	FlagClosed = "Y"
)

var (
	// ErrNoPrimaryKeys is returned when a merge is attempted without key
	// columns.
	ErrNoPrimaryKeys = errors.New("merge requires primary keys")

	// ErrEnvelopeMissing is returned when a merge input lacks one of the
	// SCD-2 system columns.
	ErrEnvelopeMissing = errors.New("scd-2 envelope column missing")
)

// Checksum is the merge change detector: lowercase hex SHA-256 of the
// concatenation of the declared business cells in declared order. Null
// renders as the empty string, matching the delimited-text round trip.
func Checksum(cells []frame.Value) string {
	var b strings.Builder

	for _, cell := range cells {
		if cell.Valid {
			b.WriteString(cell.Str)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))

	return hex.EncodeToString(sum[:])
}

// MergeSCD2 merges a staging frame into the table with slowly-changing-
// dimension type 2 semantics, two-phase:
//
// Phase 1 runs against the active rows (eff_end_dt = 9999-12-31) keyed by
// the primary keys: a matched row whose checksum changed is closed
// (eff_end_dt := staging.eff_strt_dt, sys_del_flg := 'Y'), and unmatched
// staging rows are inserted. Phase 2 repeats the not-matched insert, which
// now admits the rows whose previous version phase 1 just closed.
//
// The merged state is written back as a rebase version tagged with the
// staging batch.
func (t *Table) MergeSCD2(ctx context.Context, staging *frame.Frame, primaryKeys []string, partitions []string, batchID int64, now time.Time) error {
	if len(primaryKeys) == 0 {
		return fmt.Errorf("%w: merging into %s", ErrNoPrimaryKeys, t.location.URI)
	}

	state, err := t.ReadAll(ctx)
	if err != nil {
		return err
	}

	for _, required := range []string{ColEffEndDate, ColDeleteFlag, ColModifiedTS, ColChecksum, ColEffStartDate} {
		if !state.HasColumn(required) || !staging.HasColumn(required) {
			return fmt.Errorf("%w: %q", ErrEnvelopeMissing, required)
		}
	}

	targetKeys, err := keyTuples(state, primaryKeys)
	if err != nil {
		return fmt.Errorf("keying target of %s: %w", t.location.URI, err)
	}

	sourceKeys, err := keyTuples(staging, primaryKeys)
	if err != nil {
		return fmt.Errorf("keying staging of %s: %w", t.location.URI, err)
	}

	// Index the active version of every key.
	endDates, err := state.Column(ColEffEndDate)
	if err != nil {
		return err
	}

	active := make(map[string]int, len(targetKeys))

	for row, key := range targetKeys {
		if endDates[row].Valid && endDates[row].Str == SentinelEndDate {
			active[key] = row
		}
	}

	insertMask := make([]bool, staging.NumRows())

	for row, key := range sourceKeys {
		targetRow, matched := active[key]
		if !matched {
			// Phase 1: when not matched, insert all.
			insertMask[row] = true

			continue
		}

		targetSum, err := state.At(targetRow, ColChecksum)
		if err != nil {
			return err
		}

		stagingSum, err := staging.At(row, ColChecksum)
		if err != nil {
			return err
		}

		if targetSum == stagingSum {
			continue
		}

		// Phase 1: when matched and changed, close the old version.
		startDate, err := staging.At(row, ColEffStartDate)
		if err != nil {
			return err
		}

		if err := state.Set(targetRow, ColEffEndDate, startDate); err != nil {
			return err
		}

		if err := state.Set(targetRow, ColDeleteFlag, frame.String(FlagClosed)); err != nil {
			return err
		}

		if err := state.Set(targetRow, ColModifiedTS, frame.String(now.Format(time.RFC3339))); err != nil {
			return err
		}

		// Phase 2: the key no longer has an active version, so the same
		// staging row now inserts as the new active one.
		insertMask[row] = true
	}

	inserted, err := staging.Filter(insertMask)
	if err != nil {
		return err
	}

	merged := state.Concat(inserted)

	return t.Rebase(ctx, merged, batchID, partitions)
}

// keyTuples builds one hash key per row from the named columns.
func keyTuples(f *frame.Frame, keys []string) ([]string, error) {
	columns := make([][]frame.Value, len(keys))

	for i, name := range keys {
		col, err := f.Column(name)
		if err != nil {
			return nil, err
		}

		columns[i] = col
	}

	out := make([]string, f.NumRows())

	for row := range out {
		var b strings.Builder

		for _, col := range columns {
			if col[row].Valid {
				b.WriteByte('v')
				b.WriteString(col[row].Str)
			} else {
				b.WriteByte('n')
			}

			b.WriteByte(0)
		}

		out[row] = b.String()
	}

	return out, nil
}
