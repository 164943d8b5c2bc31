package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`                // debug, info, warn, error
	Format     string          `yaml:"format"`               // json, console
	File       string          `yaml:"file,omitempty"`       // optional extra output
	Categories map[string]bool `yaml:"categories,omitempty"` // false disables a category
}

// JournalConfig configures the cycle history database.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TelemetryConfig configures runtime sampling and the log stream.
type TelemetryConfig struct {
	SampleInterval string `yaml:"sample_interval"`
	HistorySize    int    `yaml:"history_size"`
	LogBuffer      int    `yaml:"log_buffer"`
}
