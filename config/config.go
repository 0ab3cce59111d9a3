// Package config provides YAML configuration loading with validation and
// hot reload for the nexus master server toolkit.
package config

// Config is implemented by every configuration structure loaded through the
// manager.
type Config interface {
	// GetName returns the configuration name, which is also the file name
	// (without extension) the manager looks up.
	GetName() string
	// Validate checks the loaded values before they are published.
	Validate() error
}

// ConfigChangeListener receives notifications after a configuration file has
// been reloaded and validated.
type ConfigChangeListener interface {
	// OnConfigChanged is invoked with the configuration name, the freshly
	// loaded configuration, and the previous one (nil on first load).
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
}

// ValidatorFunc is an additional validation hook registered per config name.
type ValidatorFunc func(Config) error
