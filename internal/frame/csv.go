package frame

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// ErrNoHeader is returned when reading delimited text with no header row.
var ErrNoHeader = errors.New("delimited input has no header row")

// WriteDelimited writes the frame as delimited text with a header row.
// Null cells serialize as empty fields.
func (f *Frame) WriteDelimited(w io.Writer, delimiter rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = delimiter

	if err := cw.Write(f.columns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	record := make([]string, len(f.columns))

	for _, row := range f.rows {
		for i, cell := range row {
			if cell.Valid {
				record[i] = cell.Str
			} else {
				record[i] = ""
			}
		}

		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing row: %w", err)
		}
	}

	cw.Flush()

	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing delimited output: %w", err)
	}

	return nil
}

// ReadDelimited reads delimited text with a header row into a frame. Empty
// fields deserialize as null.
func ReadDelimited(r io.Reader, delimiter rune) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.Comma = delimiter

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}

	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	out := New(header...)

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}

		row := make([]Value, len(record))

		for i, field := range record {
			if field == "" {
				row[i] = Null()
			} else {
				row[i] = String(field)
			}
		}

		if err := out.AppendRow(row...); err != nil {
			return nil, err
		}
	}

	return out, nil
}
