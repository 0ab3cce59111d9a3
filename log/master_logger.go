package log

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MasterLogger is the structured logger used across the nexus toolkit. It is
// designed for the hot paths of a master server: lock-free level checks,
// pooled events, and cached caller resolution.
//
// Example:
//
//	logger.Info().Uint32("roomID", 42).Str("region", "eu").Msg("room registered")
type MasterLogger struct {
	appenders         []LogAppender
	minLevel          uint32 // atomic Level, hot-reloadable
	callerSkip        int
	eventPool         *sync.Pool
	callerCache       sync.Map
	enabledCallerInfo bool
}

// NewLogger creates a MasterLogger from cfg, falling back to the default
// configuration (info level, console appender) when cfg is nil.
func NewLogger(cfg *LogCfg) *MasterLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &MasterLogger{
		minLevel:          uint32(cfg.LogLevel()),
		callerSkip:        cfg.CallerSkip,
		enabledCallerInfo: cfg.EnabledCallerInfo,
	}

	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}

	return logger
}

// SetLevel changes the minimum emitted level at runtime.
func (x *MasterLogger) SetLevel(level Level) {
	atomic.StoreUint32(&x.minLevel, uint32(level))
}

func (x *MasterLogger) checkLevel(level Level) bool {
	return Level(atomic.LoadUint32(&x.minLevel)) <= level
}

// AddAppender registers an additional output destination.
func (x *MasterLogger) AddAppender(appender LogAppender) {
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the registered appenders.
func (x *MasterLogger) GetAppender() []LogAppender {
	return x.appenders
}

// Refresh triggers a refresh on all appenders, e.g. after log rotation.
func (x *MasterLogger) Refresh() {
	for _, appender := range x.appenders {
		appender.Refresh()
	}
}

// OnEventEnd writes the finalized event to every appender and returns it to
// the pool. Fatal events panic after being written.
func (x *MasterLogger) OnEventEnd(e *LogEvent) {
	for _, appender := range x.appenders {
		appender.Write(e.buf.Bytes())
	}

	level := e.level
	x.eventPool.Put(e)

	if level == FatalLevel {
		panic("fatal log event")
	}
}

// Debug creates a debug-level event, or nil if the level is disabled.
func (x *MasterLogger) Debug() *LogEvent { return x.log(DebugLevel) }

// Info creates an info-level event, or nil if the level is disabled.
func (x *MasterLogger) Info() *LogEvent { return x.log(InfoLevel) }

// Warn creates a warn-level event, or nil if the level is disabled.
func (x *MasterLogger) Warn() *LogEvent { return x.log(WarnLevel) }

// Error creates an error-level event, or nil if the level is disabled.
func (x *MasterLogger) Error() *LogEvent { return x.log(ErrorLevel) }

// Fatal creates a fatal-level event; finalizing it panics.
func (x *MasterLogger) Fatal() *LogEvent { return x.log(FatalLevel) }

func (x *MasterLogger) log(level Level) *LogEvent {
	if !x.checkLevel(level) {
		return nil
	}

	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	if x.enabledCallerInfo {
		e.Str("caller", x.getCallerInfo())
	}

	return e
}

// getCallerInfo resolves and caches the call site two frames above log().
func (x *MasterLogger) getCallerInfo() string {
	pc, file, line, ok := runtime.Caller(3 + x.callerSkip)
	if !ok {
		return "unknown"
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(string)
	}

	// Trim the path down to the last two elements.
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	info := file + ":" + strconv.Itoa(line)
	x.callerCache.Store(pc, info)
	return info
}
