// Package runlog builds the per-process run logger: a rotating JSON file
// sink capturing every record, mirrored to the console at INFO and above.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/datacraft-io/lakehouse/internal/config"
)

const (
	fileMaxSizeMB  = 1
	fileMaxBackups = 5
)

// Config controls where the run logger writes and how chatty the console sink is.
type Config struct {
	// Home is the framework home directory; log files live under {Home}/logs.
	Home string

	// ConsoleLevel is the minimum level mirrored to stdout. The file sink
	// always captures down to DEBUG.
	ConsoleLevel slog.Level
}

// LoadConfig reads the logger configuration from the environment
// (lakehouse_framework_home, log_level).
func LoadConfig() (*Config, error) {
	home := config.GetEnvStr("lakehouse_framework_home", "")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving framework home: %w", err)
		}

		home = filepath.Join(userHome, "lakehouse_framework")
	}

	return &Config{
		Home:         home,
		ConsoleLevel: config.GetEnvLogLevel("log_level", slog.LevelInfo),
	}, nil
}

// New builds the run logger for a single process run. The file sink lives at
// "{home}/logs/process_id {pid}.log", rotates at 1 MB and keeps five backups.
// The returned closer flushes and closes the file sink.
func New(cfg *Config, processID int) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(cfg.Home, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	sink := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, fmt.Sprintf("process_id %d.log", processID)),
		MaxSize:    fileMaxSizeMB,
		MaxBackups: fileMaxBackups,
	}

	fileHandler := slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: slog.LevelDebug})
	consoleHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.ConsoleLevel})

	return slog.New(newFanoutHandler(fileHandler, consoleHandler)), sink, nil
}

// fanoutHandler dispatches one record to every underlying handler that is
// enabled for its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

// Compile-time check that fanoutHandler satisfies slog.Handler.
var _ slog.Handler = (*fanoutHandler)(nil)

func newFanoutHandler(handlers ...slog.Handler) *fanoutHandler {
	return &fanoutHandler{handlers: handlers}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error

	for _, handler := range h.handlers {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}

	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}

	return &fanoutHandler{handlers: next}
}
