package runlog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesRotatingFile(t *testing.T) {
	home := t.TempDir()
	cfg := &Config{Home: home, ConsoleLevel: slog.LevelError}

	logger, closer, err := New(cfg, 101)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()

	logger.Debug("landing batch", "batch_id", int64(2025010112000012345))
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(filepath.Join(home, "logs", "process_id 101.log"))
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.Split(raw, []byte("\n"))[0], &record))
	assert.Equal(t, "landing batch", record["msg"])
	assert.Equal(t, "DEBUG", record["level"])
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("lakehouse_framework_home", t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, cfg.ConsoleLevel)
}

func TestFanoutHandler_LevelRouting(t *testing.T) {
	var debugSink, infoSink bytes.Buffer
	fanout := newFanoutHandler(
		slog.NewJSONHandler(&debugSink, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&infoSink, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)
	logger := slog.New(fanout)

	logger.Debug("only the file should see this")
	logger.Info("both sinks see this")

	assert.Contains(t, debugSink.String(), "only the file should see this")
	assert.NotContains(t, infoSink.String(), "only the file should see this")
	assert.Contains(t, infoSink.String(), "both sinks see this")
}

func TestFanoutHandler_WithAttrsPropagates(t *testing.T) {
	var sink bytes.Buffer
	fanout := newFanoutHandler(slog.NewJSONHandler(&sink, nil))

	logger := slog.New(fanout).With("run_id", "7d0f")
	logger.Info("bronze layer started")

	assert.Contains(t, sink.String(), `"run_id":"7d0f"`)
}

func TestFanoutHandler_Enabled(t *testing.T) {
	fanout := newFanoutHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)

	assert.False(t, fanout.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, fanout.Enabled(context.Background(), slog.LevelError))
}
