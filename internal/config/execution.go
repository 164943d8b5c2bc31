package config

// ExecutionConfig configures the managed program sandbox.
type ExecutionConfig struct {
	Timeout          string   `yaml:"timeout"`
	MaxOutputBytes   int64    `yaml:"max_output_bytes"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
	Env              []string `yaml:"env,omitempty"` // KEY=VALUE pairs added to the child environment
}

// EvolutionConfig configures the cycle controller and daemon scheduler.
type EvolutionConfig struct {
	Interval     string `yaml:"interval"` // "0" or "off" disables periodic cycles
	AutoRollback bool   `yaml:"auto_rollback"`
}
