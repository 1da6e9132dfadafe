// Package frame implements the in-memory row set flowing between pipeline
// stages: a row-major table of nullable string cells with the relational
// operations the engines need (select, rename, concat, join, distinct) and
// a delimited-text codec.
package frame

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrColumnNotFound is returned when an operation names a column the
	// frame does not have.
	ErrColumnNotFound = errors.New("column not found")

	// ErrColumnExists is returned when adding a column that already exists.
	ErrColumnExists = errors.New("column already exists")

	// ErrKeyCardinality is returned when a join is given left and right key
	// lists of different lengths.
	ErrKeyCardinality = errors.New("join key cardinalities do not match")

	// ErrUnknownJoin is returned for a join mode outside
	// inner/left/right/full/cross.
	ErrUnknownJoin = errors.New("unknown join mode")

	// ErrRowWidth is returned when an appended row does not match the
	// frame's column count.
	ErrRowWidth = errors.New("row width does not match column count")
)

// Value is a single nullable cell. The zero value is null.
type Value struct {
	Str   string
	Valid bool
}

// String makes a valid cell.
func String(s string) Value {
	return Value{Str: s, Valid: true}
}

// Null makes a null cell.
func Null() Value {
	return Value{}
}

// Frame is a row-major table. Frames are owned by a single worker task and
// are not safe for concurrent mutation.
type Frame struct {
	columns []string
	rows    [][]Value
}

// New creates an empty frame with the given column names.
func New(columns ...string) *Frame {
	return &Frame{columns: append([]string(nil), columns...)}
}

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	return append([]string(nil), f.columns...)
}

// NumRows returns the row count.
func (f *Frame) NumRows() int {
	return len(f.rows)
}

// HasColumn reports whether the frame has a column with the given name.
func (f *Frame) HasColumn(name string) bool {
	return f.columnIndex(name) >= 0
}

func (f *Frame) columnIndex(name string) int {
	for i, c := range f.columns {
		if c == name {
			return i
		}
	}

	return -1
}

// AppendRow adds one row. The row must have exactly one cell per column.
func (f *Frame) AppendRow(row ...Value) error {
	if len(row) != len(f.columns) {
		return fmt.Errorf("%w: got %d cells, want %d", ErrRowWidth, len(row), len(f.columns))
	}

	f.rows = append(f.rows, append([]Value(nil), row...))

	return nil
}

// Row returns a copy of row i.
func (f *Frame) Row(i int) []Value {
	return append([]Value(nil), f.rows[i]...)
}

// At returns the cell at (row, column name).
func (f *Frame) At(row int, column string) (Value, error) {
	idx := f.columnIndex(column)
	if idx < 0 {
		return Value{}, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}

	return f.rows[row][idx], nil
}

// Set replaces the cell at (row, column name).
func (f *Frame) Set(row int, column string, v Value) error {
	idx := f.columnIndex(column)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}

	f.rows[row][idx] = v

	return nil
}

// Column returns all cells of one column, top to bottom.
func (f *Frame) Column(name string) ([]Value, error) {
	idx := f.columnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}

	out := make([]Value, len(f.rows))
	for i, row := range f.rows {
		out[i] = row[idx]
	}

	return out, nil
}

// Select returns a new frame with only the named columns, in the given
// order.
func (f *Frame) Select(columns ...string) (*Frame, error) {
	indices := make([]int, len(columns))

	for i, name := range columns {
		idx := f.columnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
		}

		indices[i] = idx
	}

	out := New(columns...)
	for _, row := range f.rows {
		selected := make([]Value, len(indices))
		for i, idx := range indices {
			selected[i] = row[idx]
		}

		out.rows = append(out.rows, selected)
	}

	return out, nil
}

// Rename renames columns per the given old→new mapping. Names absent from
// the frame are ignored.
func (f *Frame) Rename(mapping map[string]string) *Frame {
	columns := make([]string, len(f.columns))

	for i, name := range f.columns {
		if renamed, ok := mapping[name]; ok {
			columns[i] = renamed
		} else {
			columns[i] = name
		}
	}

	out := &Frame{columns: columns, rows: make([][]Value, len(f.rows))}
	for i, row := range f.rows {
		out.rows[i] = append([]Value(nil), row...)
	}

	return out
}

// Drop returns a new frame without the named columns. Missing names are
// ignored.
func (f *Frame) Drop(columns ...string) *Frame {
	dropped := make(map[string]bool, len(columns))
	for _, name := range columns {
		dropped[name] = true
	}

	kept := make([]string, 0, len(f.columns))
	for _, name := range f.columns {
		if !dropped[name] {
			kept = append(kept, name)
		}
	}

	out, _ := f.Select(kept...)

	return out
}

// WithColumn returns a new frame with a constant column appended. Replacing
// an existing column is an error.
func (f *Frame) WithColumn(name string, value Value) (*Frame, error) {
	if f.HasColumn(name) {
		return nil, fmt.Errorf("%w: %q", ErrColumnExists, name)
	}

	out := &Frame{columns: append(f.Columns(), name)}
	for _, row := range f.rows {
		out.rows = append(out.rows, append(append([]Value(nil), row...), value))
	}

	return out, nil
}

// Filter returns a new frame with only the rows whose mask bit is set.
func (f *Frame) Filter(mask []bool) (*Frame, error) {
	if len(mask) != len(f.rows) {
		return nil, fmt.Errorf("%w: mask length %d, rows %d", ErrRowWidth, len(mask), len(f.rows))
	}

	out := New(f.columns...)
	for i, keep := range mask {
		if keep {
			out.rows = append(out.rows, append([]Value(nil), f.rows[i]...))
		}
	}

	return out, nil
}

// Concat appends the rows of the other frames, aligned by the receiver's
// column names. Columns the other frames lack fill with null; extra columns
// are dropped.
func (f *Frame) Concat(others ...*Frame) *Frame {
	out := New(f.columns...)
	for _, row := range f.rows {
		out.rows = append(out.rows, append([]Value(nil), row...))
	}

	for _, other := range others {
		indices := make([]int, len(f.columns))
		for i, name := range f.columns {
			indices[i] = other.columnIndex(name)
		}

		for _, row := range other.rows {
			aligned := make([]Value, len(indices))

			for i, idx := range indices {
				if idx >= 0 {
					aligned[i] = row[idx]
				}
			}

			out.rows = append(out.rows, aligned)
		}
	}

	return out
}

// Distinct returns a new frame keeping the first row seen for every
// distinct combination of the subset columns.
func (f *Frame) Distinct(subset ...string) (*Frame, error) {
	indices := make([]int, len(subset))

	for i, name := range subset {
		idx := f.columnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
		}

		indices[i] = idx
	}

	seen := make(map[string]bool)
	out := New(f.columns...)

	for _, row := range f.rows {
		key := rowKey(row, indices)
		if seen[key] {
			continue
		}

		seen[key] = true

		out.rows = append(out.rows, append([]Value(nil), row...))
	}

	return out, nil
}

// rowKey builds a collision-safe hash key from the indexed cells. Nulls
// hash distinctly from empty strings.
func rowKey(row []Value, indices []int) string {
	var b strings.Builder

	for _, idx := range indices {
		cell := row[idx]
		if cell.Valid {
			b.WriteByte('v')
			b.WriteString(cell.Str)
		} else {
			b.WriteByte('n')
		}

		b.WriteByte(0)
	}

	return b.String()
}
