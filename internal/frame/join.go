package frame

import "fmt"

// Join modes accepted by Join, matching the join_how values of the
// transformation dependency rows.
const (
	JoinInner = "inner"
	JoinLeft  = "left"
	JoinRight = "right"
	JoinFull  = "full"
	JoinCross = "cross"
)

// Join hash-joins the receiver (left) with other (right) on the given key
// columns. The result carries every left column followed by the right
// columns minus the right keys; remaining right columns that collide with a
// left name get a "_right" suffix. Unmatched rows in the outer modes pad
// with nulls, with right-side key values surfacing in the left key columns.
func (f *Frame) Join(other *Frame, leftKeys, rightKeys []string, how string) (*Frame, error) {
	switch how {
	case JoinCross:
		return f.cross(other)
	case JoinInner, JoinLeft, JoinRight, JoinFull:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJoin, how)
	}

	if len(leftKeys) == 0 || len(leftKeys) != len(rightKeys) {
		return nil, fmt.Errorf("%w: %d left, %d right", ErrKeyCardinality, len(leftKeys), len(rightKeys))
	}

	leftIdx, err := indexColumns(f, leftKeys)
	if err != nil {
		return nil, err
	}

	rightIdx, err := indexColumns(other, rightKeys)
	if err != nil {
		return nil, err
	}

	rightKept, rightKeptNames := joinedRightColumns(f, other, rightKeys)

	out := New(append(f.Columns(), rightKeptNames...)...)

	// Hash the right side by key tuple.
	buckets := make(map[string][]int)
	for i, row := range other.rows {
		key := rowKey(row, rightIdx)
		buckets[key] = append(buckets[key], i)
	}

	matched := make([]bool, other.NumRows())

	for _, leftRow := range f.rows {
		key := rowKey(leftRow, leftIdx)

		hits := buckets[key]
		if len(hits) == 0 {
			if how == JoinLeft || how == JoinFull {
				out.rows = append(out.rows, padRight(leftRow, len(rightKept)))
			}

			continue
		}

		for _, hit := range hits {
			matched[hit] = true

			combined := append([]Value(nil), leftRow...)
			for _, idx := range rightKept {
				combined = append(combined, other.rows[hit][idx])
			}

			out.rows = append(out.rows, combined)
		}
	}

	if how == JoinRight || how == JoinFull {
		for i, row := range other.rows {
			if matched[i] {
				continue
			}

			out.rows = append(out.rows, padLeft(f, leftIdx, rightIdx, rightKept, row))
		}
	}

	return out, nil
}

func (f *Frame) cross(other *Frame) (*Frame, error) {
	rightKept, rightKeptNames := joinedRightColumns(f, other, nil)

	out := New(append(f.Columns(), rightKeptNames...)...)

	for _, leftRow := range f.rows {
		for _, rightRow := range other.rows {
			combined := append([]Value(nil), leftRow...)
			for _, idx := range rightKept {
				combined = append(combined, rightRow[idx])
			}

			out.rows = append(out.rows, combined)
		}
	}

	return out, nil
}

// joinedRightColumns picks the right-side columns carried into the result:
// everything except the right join keys, suffixed on name collision.
func joinedRightColumns(left, right *Frame, rightKeys []string) ([]int, []string) {
	isKey := make(map[string]bool, len(rightKeys))
	for _, k := range rightKeys {
		isKey[k] = true
	}

	var (
		indices []int
		names   []string
	)

	for i, name := range right.columns {
		if isKey[name] {
			continue
		}

		if left.columnIndex(name) >= 0 {
			name += "_right"
		}

		indices = append(indices, i)
		names = append(names, name)
	}

	return indices, names
}

func indexColumns(f *Frame, names []string) ([]int, error) {
	indices := make([]int, len(names))

	for i, name := range names {
		idx := f.columnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
		}

		indices[i] = idx
	}

	return indices, nil
}

// padRight extends a left row with nulls for the kept right columns.
func padRight(leftRow []Value, rightWidth int) []Value {
	out := append([]Value(nil), leftRow...)
	for range rightWidth {
		out = append(out, Null())
	}

	return out
}

// padLeft builds an unmatched-right result row: left columns null except the
// key columns, which coalesce to the right key values.
func padLeft(left *Frame, leftIdx, rightIdx []int, rightKept []int, rightRow []Value) []Value {
	out := make([]Value, len(left.columns))
	for i, idx := range leftIdx {
		out[idx] = rightRow[rightIdx[i]]
	}

	for _, idx := range rightKept {
		out = append(out, rightRow[idx])
	}

	return out
}
