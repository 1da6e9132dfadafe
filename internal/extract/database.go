package extract

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/frame"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/pattern"
)

// databaseConnectionConfig is the connection_config payload of a database
// source. Params become DSN query parameters; jdbc_jars is accepted for
// catalog compatibility and ignored.
type databaseConnectionConfig struct {
	Driver   string            `json:"driver"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	User     string            `json:"user"`
	Password string            `json:"password"`
	Database string            `json:"database"`
	Params   map[string]string `json:"params"`
	JdbcJars string            `json:"jdbc_jars"`
}

// extractDatabase runs the configured query against the source database and
// writes the result set as one delimited file in the inbound zone, named by
// the rendered file pattern.
func (e *Extractor) extractDatabase(ctx context.Context, detail *catalog.AcquisitionDetail) error {
	conn, err := e.store.AcquisitionConnection(ctx, detail.OutboundSourcePlatform, detail.OutboundSourceSystem)
	if err != nil {
		return err
	}

	var cfg databaseConnectionConfig
	if err := json.Unmarshal([]byte(conn.ConnectionConfig), &cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConnectionConfig, err)
	}

	fileName := pattern.Render(detail.OutboundSourceFilePattern, e.now())
	target := lake.Child(detail.InboundLocation, e.env, fileName)

	processed, err := e.processedLocations(ctx, detail)
	if err != nil {
		return err
	}

	if processed[target.URI] {
		return fmt.Errorf("%w: %s already acquired", ErrNoUnprocessedFiles, fileName)
	}

	startedAt := e.now()
	batchID := catalog.NewBatchID(startedAt)

	result, err := e.queryDatabase(ctx, &cfg, detail.Query)
	if err == nil {
		err = e.writeInbound(ctx, result, target, detail.OutboundFileDelimiter)
	}

	if err != nil {
		e.logAttempt(ctx, detail, batchID, startedAt, catalog.PlatformDatabase, "", err)

		return fmt.Errorf("extracting from database: %w", err)
	}

	e.logAttempt(ctx, detail, batchID, startedAt, catalog.PlatformDatabase, target.URI, nil)
	e.logger.Info("acquired database extract",
		slog.String("target", target.URI),
		slog.Int("rows", result.NumRows()),
	)

	return nil
}

func (e *Extractor) queryDatabase(ctx context.Context, cfg *databaseConnectionConfig, query string) (*frame.Frame, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening source database: %w", err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("running acquisition query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanFrame(rows)
}

// scanFrame reads a whole result set into a frame, preserving column order
// and SQL nulls.
func scanFrame(rows *sql.Rows) (*frame.Frame, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	out := frame.New(columns...)
	cells := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))

	for i := range cells {
		dest[i] = &cells[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}

		row := make([]frame.Value, len(cells))

		for i, cell := range cells {
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

// buildDSN renders the driver-specific connection string. The database
// folds into the DSN path and extras become query parameters, sorted for
// determinism.
func buildDSN(cfg *databaseConnectionConfig) (string, error) {
	params := url.Values{}
	for key, value := range cfg.Params {
		params.Set(key, value)
	}

	switch cfg.Driver {
	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Path:     "/" + cfg.Database,
			RawQuery: params.Encode(),
		}

		return u.String(), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s",
			cfg.User, cfg.Password, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), cfg.Database)
		if encoded := params.Encode(); encoded != "" {
			dsn += "?" + encoded
		}

		return dsn, nil
	case "sqlite3":
		dsn := "file:" + cfg.Database
		if encoded := params.Encode(); encoded != "" {
			dsn += "?" + encoded
		}

		return dsn, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
