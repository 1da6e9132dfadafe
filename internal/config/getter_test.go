package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvStr_Default(t *testing.T) {
	assert.Equal(t, "localhost", GetEnvStr("db_host_not_set", "localhost"))
}

func TestGetEnvStr_Set(t *testing.T) {
	t.Setenv("db_host", "catalog.internal")
	assert.Equal(t, "catalog.internal", GetEnvStr("db_host", "localhost"))
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback int
		want     int
	}{
		{"parses integer", "12", 4, 12},
		{"invalid falls back", "twelve", 4, 4},
		{"empty falls back", "", 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv("max_threads", tt.value)
			}
			assert.Equal(t, tt.want, GetEnvInt("max_threads", tt.fallback))
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"YES", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{"garbage", true}, // falls back to default
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("aws_use_ssl", tt.value)
			assert.Equal(t, tt.want, GetEnvBool("aws_use_ssl", true))
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("http_timeout", "45s")
	assert.Equal(t, 45*time.Second, GetEnvDuration("http_timeout", 30*time.Second))

	t.Setenv("http_timeout", "not-a-duration")
	assert.Equal(t, 30*time.Second, GetEnvDuration("http_timeout", 30*time.Second))
}

func TestGetEnvLogLevel(t *testing.T) {
	tests := []struct {
		value string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("log_level", tt.value)
			assert.Equal(t, tt.want, GetEnvLogLevel("log_level", slog.LevelInfo))
		})
	}
}

func TestParseCommaSeparatedList(t *testing.T) {
	assert.Equal(t, []string{}, ParseCommaSeparatedList(""))
	assert.Equal(t, []string{"region", "country"}, ParseCommaSeparatedList("region, country"))
	assert.Equal(t, []string{"id"}, ParseCommaSeparatedList("id,, ,"))
}
