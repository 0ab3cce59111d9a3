package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager loads named YAML configurations, validates them, watches the
// backing files, and notifies registered listeners on change.
type ConfigManager interface {
	LoadConfig(configName string, config Config) error
	GetConfig(configName string) (Config, error)
	AddChangeListener(listener ConfigChangeListener)
	RegisterValidator(configName string, validator ValidatorFunc)
	SetBasePath(path string)
	SetEnvironment(env string)
	Close() error
}

type configManager struct {
	mu         sync.RWMutex
	configs    map[string]Config
	watchers   map[string]*fsnotify.Watcher
	validators map[string]ValidatorFunc
	listeners  []ConfigChangeListener
	basePath   string
	env        string
}

// NewConfigManager creates a configuration manager rooted at ./configs with
// the "development" environment overlay.
func NewConfigManager() ConfigManager {
	return &configManager{
		configs:    make(map[string]Config),
		watchers:   make(map[string]*fsnotify.Watcher),
		validators: make(map[string]ValidatorFunc),
		basePath:   "./configs",
		env:        "development",
	}
}

// LoadConfig reads <basePath>/<name>.yaml (with environment overlay and env
// var overrides), unmarshals it into config, validates it, and starts
// watching the file for changes.
func (cm *configManager) LoadConfig(configName string, config Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.AddConfigPath(fmt.Sprintf("%s/%s", cm.basePath, cm.env))

	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("validate config failed: %w", err)
	}
	if validator, exists := cm.validators[configName]; exists {
		if err := validator(config); err != nil {
			return fmt.Errorf("validate config failed: %w", err)
		}
	}

	cm.configs[configName] = config

	if err := cm.watchConfigFile(configName, v); err != nil {
		return fmt.Errorf("watch config file failed: %w", err)
	}

	return nil
}

// GetConfig returns a previously loaded configuration by name.
func (cm *configManager) GetConfig(configName string) (Config, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[configName]
	if !exists {
		return nil, fmt.Errorf("config %s not found", configName)
	}
	return config, nil
}

// AddChangeListener registers a listener for all configuration reloads.
// Listeners filter by config name themselves.
func (cm *configManager) AddChangeListener(listener ConfigChangeListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RegisterValidator registers an extra validator for a configuration name.
func (cm *configManager) RegisterValidator(configName string, validator ValidatorFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[configName] = validator
}

// SetBasePath sets the directory configuration files are loaded from.
func (cm *configManager) SetBasePath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.basePath = path
}

// SetEnvironment selects the environment overlay subdirectory.
func (cm *configManager) SetEnvironment(env string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.env = env
}

// Close stops all file watchers.
func (cm *configManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, w := range cm.watchers {
		_ = w.Close()
	}
	cm.watchers = make(map[string]*fsnotify.Watcher)
	return nil
}

func (cm *configManager) watchConfigFile(configName string, v *viper.Viper) error {
	configFile := v.ConfigFileUsed()
	if configFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	cm.watchers[configName] = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					cm.reloadConfig(configName)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher.Add(configFile)
}

// reloadConfig re-reads a changed configuration file. Any failure keeps the
// previous configuration in place.
func (cm *configManager) reloadConfig(configName string) {
	cm.mu.Lock()
	oldConfig, exists := cm.configs[configName]
	if !exists {
		cm.mu.Unlock()
		return
	}

	newConfig := reflect.New(reflect.TypeOf(oldConfig).Elem()).Interface().(Config)

	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.AddConfigPath(fmt.Sprintf("%s/%s", cm.basePath, cm.env))

	if err := v.ReadInConfig(); err != nil {
		cm.mu.Unlock()
		return
	}
	if err := v.Unmarshal(newConfig); err != nil {
		cm.mu.Unlock()
		return
	}
	if err := newConfig.Validate(); err != nil {
		cm.mu.Unlock()
		return
	}
	if validator, ok := cm.validators[configName]; ok {
		if err := validator(newConfig); err != nil {
			cm.mu.Unlock()
			return
		}
	}

	cm.configs[configName] = newConfig
	listeners := make([]ConfigChangeListener, len(cm.listeners))
	copy(listeners, cm.listeners)
	cm.mu.Unlock()

	// Listeners run outside the lock so they may call back into the manager.
	for _, l := range listeners {
		_ = l.OnConfigChanged(configName, newConfig, oldConfig)
	}
}
