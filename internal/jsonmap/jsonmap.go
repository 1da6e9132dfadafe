// Package jsonmap assembles a row set from a JSON document by evaluating
// one path query per declared output column and aligning the results
// positionally.
package jsonmap

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/itchyny/gojq"

	"github.com/datacraft-io/lakehouse/internal/frame"
)

// ErrEmptyMapping is returned when no column carries a path expression.
var ErrEmptyMapping = errors.New("json mapping has no columns")

// Mapping binds output column names to gojq programs, in column order.
type Mapping struct {
	columns []string
	queries []*gojq.Query
}

// Compile parses one query per (column, expression) pair. Order of the
// input pairs is the output column order.
func Compile(columns []string, expressions []string) (*Mapping, error) {
	if len(columns) == 0 {
		return nil, ErrEmptyMapping
	}

	if len(columns) != len(expressions) {
		return nil, fmt.Errorf("%d columns but %d expressions", len(columns), len(expressions))
	}

	m := &Mapping{columns: append([]string(nil), columns...)}

	for i, expr := range expressions {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("parsing mapping for column %q: %w", columns[i], err)
		}

		m.queries = append(m.queries, query)
	}

	return m, nil
}

// Apply evaluates every column query against the document and aligns the
// collected values by position. Columns shorter than the longest re-emit
// their last value; columns with no matches are all-null.
func (m *Mapping) Apply(document any) (*frame.Frame, error) {
	matches := make([][]frame.Value, len(m.queries))
	longest := 0

	for i, query := range m.queries {
		iter := query.Run(document)

		for {
			v, ok := iter.Next()
			if !ok {
				break
			}

			if err, isErr := v.(error); isErr {
				// Mirrors jsonpath "no match" semantics: a query error on
				// this document contributes no values.
				var haltErr *gojq.HaltError
				if errors.As(err, &haltErr) {
					return nil, fmt.Errorf("evaluating mapping for column %q: %w", m.columns[i], err)
				}

				continue
			}

			matches[i] = append(matches[i], renderScalar(v))
		}

		if len(matches[i]) > longest {
			longest = len(matches[i])
		}
	}

	out := frame.New(m.columns...)

	for r := range longest {
		row := make([]frame.Value, len(m.columns))

		for c, values := range matches {
			switch {
			case r < len(values):
				row[c] = values[r]
			case len(values) > 0:
				row[c] = values[len(values)-1]
			default:
				row[c] = frame.Null()
			}
		}

		if err := out.AppendRow(row...); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// renderScalar folds a decoded JSON value into a cell. Integral floats
// render without a fraction so JSON numbers survive the text round-trip.
func renderScalar(v any) frame.Value {
	switch value := v.(type) {
	case nil:
		return frame.Null()
	case string:
		return frame.String(value)
	case bool:
		return frame.String(strconv.FormatBool(value))
	case int:
		return frame.String(strconv.Itoa(value))
	case float64:
		if value == math.Trunc(value) && math.Abs(value) < 1e15 {
			return frame.String(strconv.FormatInt(int64(value), 10))
		}

		return frame.String(strconv.FormatFloat(value, 'g', -1, 64))
	default:
		return frame.String(fmt.Sprintf("%v", value))
	}
}
