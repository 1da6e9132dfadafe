// Package main provides the control-plane schema migration tool.
//
// The migrations themselves are embedded in the catalog package and run
// automatically when the pipeline opens its store; this command drives the
// same migrations standalone for operations work.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/datacraft-io/lakehouse/internal/catalog"
)

const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		command     = flag.String("command", "", "migration command: up, down, status, version, drop")
		steps       = flag.Int("steps", 0, "apply exactly n migrations (negative rolls back)")
		showVersion = flag.Bool("version", false, "show version information")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *command == "" {
		printUsage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg := catalog.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid catalog configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := catalog.NewMigrationRunner(cfg, logger)
	if err != nil {
		logger.Error("creating migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() { _ = runner.Close() }()

	if err := executeCommand(runner, *command, *steps); err != nil {
		logger.Error("migration failed", slog.String("error", err.Error()))

		_ = runner.Close()
		os.Exit(1)
	}
}

func executeCommand(runner *catalog.Runner, command string, steps int) error {
	if steps != 0 {
		return runner.Steps(steps)
	}

	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		fmt.Print("WARNING: this will drop every control-plane table. Are you sure? (y/N): ")

		var response string

		_, _ = fmt.Scanln(&response)

		if response == "y" || response == "Y" {
			return runner.Drop()
		}

		fmt.Println("Operation cancelled.")

		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Printf(`%s v%s - control-plane migration tool

USAGE:
    %s -command COMMAND [-steps N]

COMMANDS:
    up      Apply all pending migrations
    down    Rollback the last migration
    status  Show migration status
    version Show current migration version
    drop    Drop all tables (requires confirmation)

OPTIONS:
    -steps N   Apply exactly N migrations; negative rolls back
    -version   Show version information

ENVIRONMENT VARIABLES:
    database_url   Connection string override (driver-native format)
    db_type        mysql | postgresql | sqlite (default: sqlite)
    db_host, db_port, db_user, db_password, db_name
    lakehouse_framework_home   sqlite database directory

EXAMPLES:
    %s -command up
    %s -command status
    %s -command down
`, name, version, name, name, name, name)
}
