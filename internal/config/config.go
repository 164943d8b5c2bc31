package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"ouroboros/internal/lang"
)

// DefaultFileName is the config file looked up when no path is given.
const DefaultFileName = "ouroboros.yaml"

// ErrNotFound is returned by Load when the config file does not exist.
var ErrNotFound = errors.New("config file not found")

// Config holds all ouroboros configuration.
type Config struct {
	Program   ProgramConfig   `yaml:"program"`
	Versions  VersionsConfig  `yaml:"versions"`
	Model     ModelConfig     `yaml:"model"`
	Execution ExecutionConfig `yaml:"execution"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Evolution EvolutionConfig `yaml:"evolution"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProgramConfig describes the managed program.
type ProgramConfig struct {
	Path        string   `yaml:"path"`
	Language    string   `yaml:"language"`
	Interpreter []string `yaml:"interpreter,omitempty"` // empty uses the language default
}

// VersionsConfig configures snapshot storage.
type VersionsConfig struct {
	BackupDir   string `yaml:"backup_dir"`
	MaxVersions int    `yaml:"max_versions"`
}

// ModelConfig configures the model backend command.
type ModelConfig struct {
	Service  string `yaml:"service"`
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Program: ProgramConfig{
			Path:     "AI_Main.py",
			Language: "python",
		},
		Versions: VersionsConfig{
			BackupDir:   "ai_backups",
			MaxVersions: 10,
		},
		Model: ModelConfig{
			Timeout: "60s",
		},
		Execution: ExecutionConfig{
			Timeout:        "30s",
			MaxOutputBytes: 1 << 20,
		},
		Plugins: PluginsConfig{
			Dir:         "strategy_plugins",
			Watch:       true,
			CallTimeout: "5s",
			LoadTimeout: "10s",
			Debounce:    "300ms",
		},
		Evolution: EvolutionConfig{
			Interval:     "10m",
			AutoRollback: true,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    ".ouroboros/journal.db",
		},
		Telemetry: TelemetryConfig{
			SampleInterval: "5s",
			HistorySize:    120,
			LogBuffer:      1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML (or JSON) config file, fills defaults for omitted keys,
// resolves relative paths against the file's directory, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	cfg.ResolvePaths(base)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OUROBOROS_MODEL_SERVICE"); v != "" {
		c.Model.Service = v
	}
	if v := os.Getenv("OUROBOROS_MODEL_ENDPOINT"); v != "" {
		c.Model.Endpoint = v
	}
	if v := os.Getenv("OUROBOROS_PROGRAM"); v != "" {
		c.Program.Path = v
	}
	if v := os.Getenv("OUROBOROS_BACKUP_DIR"); v != "" {
		c.Versions.BackupDir = v
	}
	if v := os.Getenv("OUROBOROS_MAX_VERSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Versions.MaxVersions = n
		}
	}
	if v := os.Getenv("OUROBOROS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ResolvePaths makes every relative path absolute against base.
func (c *Config) ResolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.Program.Path)
	resolve(&c.Versions.BackupDir)
	resolve(&c.Plugins.Dir)
	resolve(&c.Journal.Path)
	resolve(&c.Logging.File)
	if c.Execution.WorkingDirectory != "" {
		resolve(&c.Execution.WorkingDirectory)
	}
}

// GetModelTimeout returns the model backend timeout as a duration.
func (c *Config) GetModelTimeout() time.Duration {
	return parseDuration(c.Model.Timeout, 60*time.Second)
}

// GetExecutionTimeout returns the managed program timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	return parseDuration(c.Execution.Timeout, 30*time.Second)
}

// GetPluginCallTimeout returns the per-dispatch timeout as a duration.
func (c *Config) GetPluginCallTimeout() time.Duration {
	return parseDuration(c.Plugins.CallTimeout, 5*time.Second)
}

// GetPluginLoadTimeout bounds loading one plugin unit, factory call included.
func (c *Config) GetPluginLoadTimeout() time.Duration {
	return parseDuration(c.Plugins.LoadTimeout, 10*time.Second)
}

// GetPluginDebounce returns the watcher debounce window as a duration.
func (c *Config) GetPluginDebounce() time.Duration {
	return parseDuration(c.Plugins.Debounce, 300*time.Millisecond)
}

// GetEvolutionInterval returns the daemon cycle interval. Zero disables
// periodic cycles.
func (c *Config) GetEvolutionInterval() time.Duration {
	if c.Evolution.Interval == "0" || c.Evolution.Interval == "off" {
		return 0
	}
	return parseDuration(c.Evolution.Interval, 10*time.Minute)
}

// GetSampleInterval returns the telemetry sampling interval as a duration.
func (c *Config) GetSampleInterval() time.Duration {
	return parseDuration(c.Telemetry.SampleInterval, 5*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Language resolves the configured program language.
func (c *Config) Language() (lang.Language, error) {
	return lang.Lookup(c.Program.Language)
}

// Interpreter returns the execution command prefix for the managed program.
func (c *Config) Interpreter() []string {
	if len(c.Program.Interpreter) > 0 {
		return c.Program.Interpreter
	}
	if l, err := c.Language(); err == nil {
		return l.Interpreter
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Program.Path == "" {
		errs = append(errs, errors.New("program.path is required"))
	}
	if _, err := c.Language(); err != nil {
		errs = append(errs, fmt.Errorf("program.language: %w", err))
	}
	if c.Versions.BackupDir == "" {
		errs = append(errs, errors.New("versions.backup_dir is required"))
	}
	if c.Versions.MaxVersions < 0 {
		errs = append(errs, fmt.Errorf("versions.max_versions must be >= 0, got %d", c.Versions.MaxVersions))
	}
	if c.Execution.MaxOutputBytes < 0 {
		errs = append(errs, errors.New("execution.max_output_bytes must be >= 0"))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required when the journal is enabled"))
	}
	for field, v := range map[string]string{
		"model.timeout":             c.Model.Timeout,
		"execution.timeout":         c.Execution.Timeout,
		"plugins.call_timeout":      c.Plugins.CallTimeout,
		"plugins.load_timeout":      c.Plugins.LoadTimeout,
		"telemetry.sample_interval": c.Telemetry.SampleInterval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
