package log

// LogCfg configures a MasterLogger instance. It is loaded through the config
// manager under the "logger" name and supports hot reload of the log level.
type LogCfg struct {
	// LogLevelName is the minimum level emitted ("debug".."fatal").
	LogLevelName string `mapstructure:"level"`

	// ConsoleAppender enables the stdout appender.
	ConsoleAppender bool `mapstructure:"console"`

	// FileAppender enables the file appender.
	FileAppender bool `mapstructure:"file"`

	// LogPath is the file appender destination.
	LogPath string `mapstructure:"path"`

	// EnabledCallerInfo captures file/function/line for each event.
	EnabledCallerInfo bool `mapstructure:"caller"`

	// CallerSkip adds extra stack frames to skip for wrapper layers.
	CallerSkip int `mapstructure:"callerSkip"`
}

// GetName implements the config.Config interface.
func (c *LogCfg) GetName() string {
	return "logger"
}

// Validate implements the config.Config interface.
func (c *LogCfg) Validate() error {
	return nil
}

// LogLevel resolves the configured level name.
func (c *LogCfg) LogLevel() Level {
	return ParseLevel(c.LogLevelName)
}

func getDefaultCfg() *LogCfg {
	return &LogCfg{
		LogLevelName:    "info",
		ConsoleAppender: true,
	}
}
