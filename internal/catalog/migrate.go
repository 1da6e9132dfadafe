package catalog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var embeddedMigrations embed.FS

// Migration filename standard: 001_name.up.sql / 001_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrMigrationPairMissing is returned when an up migration has no down
	// counterpart or vice versa.
	ErrMigrationPairMissing = errors.New("migration up/down pair incomplete")

	// ErrMigrationSequenceGap is returned when migration sequence numbers
	// are not contiguous starting from 1.
	ErrMigrationSequenceGap = errors.New("migration sequence numbers not contiguous")
)

type (
	// MigrationRunner defines the interface for running control-plane
	// schema migrations.
	MigrationRunner interface {
		// Up applies all pending migrations
		Up() error

		// Down rollbacks the last migration
		Down() error

		// Status shows the current migration status
		Status() error

		// Version shows the current migration version
		Version() error

		// Drop drops all tables (destructive operation)
		Drop() error

		// Close closes any open connections
		Close() error
	}

	// Runner implements MigrationRunner using golang-migrate over the
	// embedded per-dialect migration files.
	Runner struct {
		migrate *migrate.Migrate
		db      *sql.DB
		logger  *slog.Logger
	}

	// migrateLogger adapts slog to the migrate.Logger interface.
	migrateLogger struct {
		logger *slog.Logger
	}
)

// Ensure we implement the interfaces at compile time.
var (
	_ MigrationRunner = (*Runner)(nil)
	_ migrate.Logger  = (*migrateLogger)(nil)
)

// migrationDir maps a database type to its embedded migration directory.
func migrationDir(databaseType string) (string, error) {
	switch databaseType {
	case DatabaseTypePostgreSQL:
		return "migrations/postgres", nil
	case DatabaseTypeMySQL:
		return "migrations/mysql", nil
	case DatabaseTypeSQLite:
		return "migrations/sqlite", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDatabaseType, databaseType)
	}
}

// migrationDriver builds the golang-migrate database driver for an open
// connection of the given type.
func migrationDriver(db *sql.DB, databaseType string) (database.Driver, string, error) {
	switch databaseType {
	case DatabaseTypePostgreSQL:
		driver, err := migratepg.WithInstance(db, &migratepg.Config{})

		return driver, "postgres", err
	case DatabaseTypeMySQL:
		driver, err := migratemysql.WithInstance(db, &migratemysql.Config{})

		return driver, "mysql", err
	case DatabaseTypeSQLite:
		driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})

		return driver, "sqlite3", err
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedDatabaseType, databaseType)
	}
}

// validateMigrations checks the embedded files for the given dialect:
// conforming names, complete up/down pairs, contiguous sequence numbers.
func validateMigrations(dir string) error {
	entries, err := fs.ReadDir(embeddedMigrations, dir)
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}

	ups := map[int]string{}
	downs := map[int]string{}

	for _, entry := range entries {
		match := migrationFilenameRegex.FindStringSubmatch(entry.Name())
		if match == nil {
			return fmt.Errorf("migration filename %q does not match NNN_name.(up|down).sql", entry.Name())
		}

		sequence, err := strconv.Atoi(match[1])
		if err != nil {
			return fmt.Errorf("parsing migration sequence from %q: %w", entry.Name(), err)
		}

		if match[3] == "up" {
			ups[sequence] = entry.Name()
		} else {
			downs[sequence] = entry.Name()
		}
	}

	sequences := make([]int, 0, len(ups))

	for sequence, name := range ups {
		if _, ok := downs[sequence]; !ok {
			return fmt.Errorf("%w: %s has no down migration", ErrMigrationPairMissing, name)
		}

		sequences = append(sequences, sequence)
	}

	for sequence, name := range downs {
		if _, ok := ups[sequence]; !ok {
			return fmt.Errorf("%w: %s has no up migration", ErrMigrationPairMissing, name)
		}
	}

	sort.Ints(sequences)

	for i, sequence := range sequences {
		if sequence != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrMigrationSequenceGap, i+1, sequence)
		}
	}

	return nil
}

// newMigrate builds a migrate instance over an open connection using the
// embedded migrations for the configured dialect.
func newMigrate(db *sql.DB, databaseType string, logger *slog.Logger) (*migrate.Migrate, error) {
	dir, err := migrationDir(databaseType)
	if err != nil {
		return nil, err
	}

	if err := validateMigrations(dir); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	driver, driverName, err := migrationDriver(db, databaseType)
	if err != nil {
		return nil, fmt.Errorf("creating %s migration driver: %w", databaseType, err)
	}

	sourceDriver, err := iofs.New(embeddedMigrations, dir)
	if err != nil {
		return nil, fmt.Errorf("creating embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, driverName, driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return m, nil
}

// ensureSchema applies all pending migrations on an already-open
// connection. Store.Open calls this so the control tables always exist.
func ensureSchema(db *sql.DB, databaseType string, logger *slog.Logger) error {
	m, err := newMigrate(db, databaseType, logger)
	if err != nil {
		return err
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

// NewMigrationRunner creates a standalone migration runner with its own
// connection, for cmd/migrator.
func NewMigrationRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	logger.Info("initializing migration runner", "dsn", cfg.MaskDSN())

	driverName, err := cfg.DriverName()
	if err != nil {
		return nil, err
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("pinging database: %w", err)
	}

	m, err := newMigrate(db, cfg.DatabaseType, logger)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Runner{migrate: m, db: db, logger: logger}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	r.logger.Info("starting migration up")

	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("no new migrations to apply")
	} else {
		r.logger.Info("all migrations applied")
	}

	return nil
}

// Down rollbacks the last migration.
func (r *Runner) Down() error {
	r.logger.Info("starting migration down")

	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("no migrations to rollback")
	} else {
		r.logger.Info("last migration rolled back")
	}

	return nil
}

// Steps applies n migrations up (positive) or down (negative).
func (r *Runner) Steps(n int) error {
	r.logger.Info("stepping migrations", "steps", n)

	err := r.migrate.Steps(n)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration steps failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("no migrations to step")
	}

	return nil
}

// Status shows the current migration status.
func (r *Runner) Status() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			r.logger.Info("migration status", "version", "none applied")

			return nil
		}

		return fmt.Errorf("getting migration version: %w", err)
	}

	status := "clean"
	if dirty {
		status = "dirty (needs manual intervention)"
	}

	r.logger.Info("migration status", "version", ver, "state", status)

	return nil
}

// Version shows the current migration version.
func (r *Runner) Version() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			r.logger.Info("current version", "version", "none applied")

			return nil
		}

		return fmt.Errorf("getting migration version: %w", err)
	}

	r.logger.Info("current version", "version", ver, "dirty", dirty)

	return nil
}

// Drop drops all tables (destructive operation).
func (r *Runner) Drop() error {
	r.logger.Warn("dropping all control-plane tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	r.logger.Info("all tables dropped")

	return nil
}

// Close closes database connections.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf("[MIGRATE] "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
