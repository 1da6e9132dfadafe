package frame

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrCastFailed is returned when a cell cannot be parsed as its declared
// semantic type. A cast failure aborts the whole batch.
var ErrCastFailed = errors.New("schema cast failed")

// ColumnSpec is one declared output column: its semantic type and, for date
// columns, the strftime-style format the source data arrives in.
type ColumnSpec struct {
	Name       string
	Type       string
	DateFormat string
}

// Semantic types recognized by Cast. Anything else passes through
// unchanged.
const (
	TypeInteger = "integer"
	TypeLong    = "long"
	TypeFloat   = "float"
	TypeDouble  = "double"
	TypeString  = "string"
	TypeBoolean = "boolean"
	TypeDate    = "date"
)

// Cast parses and canonicalizes every cell per its declared column type.
// Nulls pass through every cast; columns the frame lacks are skipped.
func (f *Frame) Cast(specs []ColumnSpec) error {
	for _, spec := range specs {
		idx := f.columnIndex(spec.Name)
		if idx < 0 {
			continue
		}

		for r, row := range f.rows {
			if !row[idx].Valid {
				continue
			}

			cast, err := castCell(row[idx].Str, spec)
			if err != nil {
				return fmt.Errorf("%w: column %q row %d: %w", ErrCastFailed, spec.Name, r, err)
			}

			f.rows[r][idx].Str = cast
		}
	}

	return nil
}

func castCell(s string, spec ColumnSpec) (string, error) {
	switch strings.ToLower(spec.Type) {
	case TypeInteger:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return "", err
		}

		return strconv.FormatInt(v, 10), nil
	case TypeLong:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return "", err
		}

		return strconv.FormatInt(v, 10), nil
	case TypeFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
		if err != nil {
			return "", err
		}

		return strconv.FormatFloat(v, 'g', -1, 32), nil
	case TypeDouble:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return "", err
		}

		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case TypeBoolean:
		v, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(s)))
		if err != nil {
			return "", err
		}

		return strconv.FormatBool(v), nil
	case TypeDate:
		layout := StrftimeLayout(spec.DateFormat)

		t, err := time.Parse(layout, strings.TrimSpace(s))
		if err != nil {
			return "", err
		}

		return t.Format("2006-01-02"), nil
	default:
		// string and unknown declared types pass through.
		return s, nil
	}
}

// strftime directives in catalog date formats, mapped to Go layouts.
var strftimeReplacer = strings.NewReplacer(
	"%Y", "2006",
	"%y", "06",
	"%m", "01",
	"%d", "02",
	"%H", "15",
	"%M", "04",
	"%S", "05",
	"%f", "000000",
	"%p", "PM",
	"%z", "-0700",
	"%%", "%",
)

// StrftimeLayout translates a strftime-style format into a Go time layout.
// An empty format defaults to ISO date.
func StrftimeLayout(format string) string {
	if format == "" {
		return "2006-01-02"
	}

	return strftimeReplacer.Replace(format)
}
