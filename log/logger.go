package log

// Logger is the minimal interface consumed by the rest of the toolkit. The
// chained-event API mirrors the concrete MasterLogger so call sites never
// depend on the implementation.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger *MasterLogger

func init() {
	_defaultLogger = NewLogger(nil)
}

// SetDefaultLogger replaces the package-level default logger.
func SetDefaultLogger(logger *MasterLogger) {
	_defaultLogger = logger
}

// Default returns the package-level default logger.
func Default() *MasterLogger {
	return _defaultLogger
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	_defaultLogger.AddAppender(appender)
}

// Refresh refreshes all appenders of the default logger.
func Refresh() {
	_defaultLogger.Refresh()
}

// Debug creates a debug-level event on the default logger.
func Debug() *LogEvent { return _defaultLogger.Debug() }

// Info creates an info-level event on the default logger.
func Info() *LogEvent { return _defaultLogger.Info() }

// Warn creates a warn-level event on the default logger.
func Warn() *LogEvent { return _defaultLogger.Warn() }

// Error creates an error-level event on the default logger.
func Error() *LogEvent { return _defaultLogger.Error() }

// Fatal creates a fatal-level event on the default logger.
func Fatal() *LogEvent { return _defaultLogger.Fatal() }
