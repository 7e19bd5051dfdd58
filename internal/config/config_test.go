package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wingpf.tools/engine"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"HOME", "HOST", "ENGINE", "MEMORY_LIMIT", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(EnvPrefix+name, "")
		require.NoError(t, os.Unsetenv(EnvPrefix+name))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), ".wingpf"), cfg.Home)
	assert.Equal(t, "nodejs", cfg.Engine)
	assert.Equal(t, engine.NodeJS, cfg.EngineType())
	assert.Empty(t, cfg.Host)
	assert.Zero(t, cfg.MemoryLimit)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadWithFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`home: /srv/wingpf
host: tools.example.com
engine: starlark
memory_limit: 1048576
log:
  level: debug
  format: json
`), 0o600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/wingpf", cfg.Home)
	assert.Equal(t, "tools.example.com", cfg.Host)
	assert.Equal(t, engine.Starlark, cfg.EngineType())
	assert.EqualValues(t, 1048576, cfg.MemoryLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("engine: starlark\nlog:\n  level: debug\n"), 0o600))

	t.Setenv("WINGPF_ENGINE", "qjs")
	t.Setenv("WINGPF_LOG_LEVEL", "error")
	t.Setenv("WINGPF_MEMORY_LIMIT", "2048")
	t.Setenv("WINGPF_HOME", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Home)
	assert.Equal(t, engine.QuickJS, cfg.EngineType())
	assert.Equal(t, "error", cfg.Log.Level)
	assert.EqualValues(t, 2048, cfg.MemoryLimit)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown engine", "engine: lua\n", "unknown engine"},
		{"negative memory", "memory_limit: -1\n", "memory_limit"},
		{"host with path", "host: example.com/x\n", "bare host"},
		{"bad level", "log:\n  level: chatty\n", "log level"},
		{"bad yaml", "engine: [", "failed to load config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), FileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			_, err := LoadWithFile(path)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadRejectsDirectory(t *testing.T) {
	clearEnv(t)
	_, err := LoadWithFile(t.TempDir())
	assert.ErrorContains(t, err, "is a directory")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"WINGPF_HOME":         "home",
		"WINGPF_MEMORY_LIMIT": "memory_limit",
		"WINGPF_LOG_LEVEL":    "log.level",
		"WINGPF_LOG_FORMAT":   "log.format",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
