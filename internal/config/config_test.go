package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"OUROBOROS_MODEL_SERVICE", "OUROBOROS_MODEL_ENDPOINT", "OUROBOROS_PROGRAM",
		"OUROBOROS_BACKUP_DIR", "OUROBOROS_MAX_VERSIONS", "OUROBOROS_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "AI_Main.py", cfg.Program.Path)
	assert.Equal(t, "python", cfg.Program.Language)
	assert.Equal(t, 10, cfg.Versions.MaxVersions)
	assert.True(t, cfg.Evolution.AutoRollback)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)

	cfg := DefaultConfig()
	cfg.Model.Service = "model-cli"
	cfg.Model.Endpoint = "local"
	cfg.Versions.MaxVersions = 3
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "model-cli", loaded.Model.Service)
	assert.Equal(t, "local", loaded.Model.Endpoint)
	assert.Equal(t, 3, loaded.Versions.MaxVersions)

	// Relative paths resolve against the config directory.
	absDir, _ := filepath.Abs(dir)
	assert.Equal(t, filepath.Join(absDir, "AI_Main.py"), loaded.Program.Path)
	assert.Equal(t, filepath.Join(absDir, "ai_backups"), loaded.Versions.BackupDir)
	assert.Equal(t, filepath.Join(absDir, "strategy_plugins"), loaded.Plugins.Dir)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("program:\n  path: /abs/agent.go\n  language: go\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/abs/agent.go", cfg.Program.Path)
	assert.Equal(t, []string{"go", "run"}, cfg.Interpreter())
	assert.Equal(t, 10, cfg.Versions.MaxVersions)
	assert.Equal(t, 30*time.Second, cfg.GetExecutionTimeout())
}

func TestLoad_AcceptsJSON(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"versions": {"backup_dir": "b", "max_versions": 2}}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Versions.MaxVersions)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OUROBOROS_MODEL_SERVICE", "ollama-cli")
	t.Setenv("OUROBOROS_MODEL_ENDPOINT", "llama")
	t.Setenv("OUROBOROS_PROGRAM", "core.js")
	t.Setenv("OUROBOROS_BACKUP_DIR", "snaps")
	t.Setenv("OUROBOROS_MAX_VERSIONS", "4")
	t.Setenv("OUROBOROS_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "ollama-cli", cfg.Model.Service)
	assert.Equal(t, "llama", cfg.Model.Endpoint)
	assert.Equal(t, "core.js", cfg.Program.Path)
	assert.Equal(t, "snaps", cfg.Versions.BackupDir)
	assert.Equal(t, 4, cfg.Versions.MaxVersions)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no program", func(c *Config) { c.Program.Path = "" }},
		{"bad language", func(c *Config) { c.Program.Language = "cobol" }},
		{"negative retention", func(c *Config) { c.Versions.MaxVersions = -1 }},
		{"bad timeout", func(c *Config) { c.Execution.Timeout = "soon" }},
		{"journal without path", func(c *Config) { c.Journal.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_Helpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.GetModelTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetPluginCallTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetPluginLoadTimeout())
	assert.Equal(t, 300*time.Millisecond, cfg.GetPluginDebounce())
	assert.Equal(t, 10*time.Minute, cfg.GetEvolutionInterval())
	assert.Equal(t, 5*time.Second, cfg.GetSampleInterval())

	cfg.Evolution.Interval = "off"
	assert.Zero(t, cfg.GetEvolutionInterval())
	cfg.Model.Timeout = "garbage"
	assert.Equal(t, 60*time.Second, cfg.GetModelTimeout())

	cfg.Program.Interpreter = []string{"pypy3", "-u"}
	assert.Equal(t, []string{"pypy3", "-u"}, cfg.Interpreter())
}
