// Package sqlctx evaluates ad-hoc SQL over in-memory frames. Frames
// register as TEXT-typed tables in a private in-memory SQLite database;
// custom gold transforms, custom quality rules and quality-rule filters run
// against it. The control plane is trusted: queries execute unsanitized.
package sqlctx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // in-memory SQL engine

	"github.com/datacraft-io/lakehouse/internal/frame"
)

// ErrEmptySchema is returned when registering a frame with no columns.
var ErrEmptySchema = errors.New("cannot register frame with no columns")

// Context is one ad-hoc SQL session. Not safe for concurrent use; each
// worker opens its own.
type Context struct {
	db *sql.DB
}

// Open creates a fresh private in-memory database.
func Open() (*Context, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening sql context: %w", err)
	}

	// A single connection keeps every registered table visible.
	db.SetMaxOpenConns(1)

	return &Context{db: db}, nil
}

// Close releases the in-memory database.
func (c *Context) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("closing sql context: %w", err)
	}

	return nil
}

// Register materializes a frame as a table. All columns are TEXT; nulls are
// preserved.
func (c *Context) Register(ctx context.Context, name string, f *frame.Frame) error {
	columns := f.Columns()
	if len(columns) == 0 {
		return fmt.Errorf("%w: table %q", ErrEmptySchema, name)
	}

	quoted := make([]string, len(columns))
	holders := make([]string, len(columns))

	for i, column := range columns {
		quoted[i] = quoteIdent(column)
		holders[i] = "?"
	}

	ddl := fmt.Sprintf("CREATE TABLE %s (%s TEXT)",
		quoteIdent(name), strings.Join(quoted, " TEXT, "))
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %q: %w", name, err)
	}

	insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)",
		quoteIdent(name), strings.Join(holders, ", "))

	stmt, err := c.db.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("preparing insert for %q: %w", name, err)
	}
	defer func() { _ = stmt.Close() }()

	args := make([]any, len(columns))

	for row := range f.NumRows() {
		for i, column := range columns {
			cell, err := f.At(row, column)
			if err != nil {
				return err
			}

			if cell.Valid {
				args[i] = cell.Str
			} else {
				args[i] = nil
			}
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("loading row %d into %q: %w", row, name, err)
		}
	}

	return nil
}

// Query runs a statement and materializes the result set as a frame.
func (c *Context) Query(ctx context.Context, query string) (*frame.Frame, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing sql context query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	out := frame.New(columns...)

	scanned := make([]sql.NullString, len(columns))

	pointers := make([]any, len(columns))
	for i := range scanned {
		pointers[i] = &scanned[i]
	}

	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}

		row := make([]frame.Value, len(columns))

		for i, cell := range scanned {
			if cell.Valid {
				row[i] = frame.String(cell.String)
			} else {
				row[i] = frame.Null()
			}
		}

		if err := out.AppendRow(row...); err != nil {
			return nil, err
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating result rows: %w", err)
	}

	return out, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
