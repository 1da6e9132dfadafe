package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFile_OverridesEnvironment(t *testing.T) {
	t.Setenv("env", "dev")
	t.Setenv("max_threads", "")

	path := filepath.Join(t.TempDir(), "local.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env: staging\nmax_threads: 8\n"), 0o600))

	require.NoError(t, ApplyFile(path))

	assert.Equal(t, "staging", GetEnvStr("env", ""))
	assert.Equal(t, 8, GetEnvInt("max_threads", 4))
}

func TestApplyFile_Missing(t *testing.T) {
	err := ApplyFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n\t-"), 0o600))

	assert.Error(t, ApplyFile(path))
}
