package config

// PluginsConfig configures the capability registry.
type PluginsConfig struct {
	Dir            string   `yaml:"dir"`
	Watch          bool     `yaml:"watch"`
	CallTimeout    string   `yaml:"call_timeout"`
	LoadTimeout    string   `yaml:"load_timeout"`
	Debounce       string   `yaml:"debounce"`
	AllowedImports []string `yaml:"allowed_imports,omitempty"` // empty uses the built-in allow-list
}
