package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wasmhost/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns compiled-in defaults when
// no file is given and no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8765", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.Equal(t, "json", cfg.Observability.LogFormat)
	assert.Equal(t, 4, cfg.Loader.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
}

// TestLoad_EnvOverrides verifies that WASMHOST_-prefixed environment
// variables override compiled defaults, with single underscore nesting
// into the next struct level and a double underscore standing for a
// literal underscore within a key (LOG__LEVEL -> log_level).
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WASMHOST_SERVER_LISTEN", "0.0.0.0:9000")
	t.Setenv("WASMHOST_OBSERVABILITY_LOG__LEVEL", "debug")
	t.Setenv("WASMHOST_LOADER_CONCURRENCY", "8")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, 8, cfg.Loader.Concurrency)
	// Untouched fields keep their compiled default.
	assert.Equal(t, "json", cfg.Observability.LogFormat)
}

// TestLoad_FileThenEnvPrecedence verifies file values are applied over
// defaults, and env values win over both.
func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wasmhost.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen = "10.0.0.1:8765"

[storage]
root = "/data/store"
`), 0o644))

	t.Setenv("WASMHOST_SERVER_LISTEN", "192.168.1.1:8765")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1:8765", cfg.Server.Listen, "env wins over file")
	assert.Equal(t, "/data/store", cfg.Storage.Root, "file wins over default")
}

// TestLoad_MissingFileIsNotAnError verifies a configured-but-absent file
// path falls back silently to defaults/env.
func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
}

// TestValidate_RejectsBadLogFormat verifies cross-field validation beyond
// what struct tags can express.
func TestValidate_RejectsBadLogFormat(t *testing.T) {
	t.Setenv("WASMHOST_OBSERVABILITY_LOG__FORMAT", "xml")
	_, err := config.Load("")
	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveConcurrency(t *testing.T) {
	t.Setenv("WASMHOST_LOADER_CONCURRENCY", "0")
	_, err := config.Load("")
	require.Error(t, err)
}
