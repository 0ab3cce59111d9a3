package log

import (
	"os"
	"path/filepath"
	"sync"
)

// LogAppender writes finalized log lines to a destination. Appenders must be
// safe for concurrent Write calls.
type LogAppender interface {
	Write(line []byte)
	Refresh()
}

// ConsoleAppender writes log lines to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

// NewConsoleAppender creates a stdout appender.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

// Write outputs a single log line.
func (a *ConsoleAppender) Write(line []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = os.Stdout.Write(line)
}

// Refresh is a no-op for the console appender.
func (a *ConsoleAppender) Refresh() {}

// FileAppender appends log lines to a file, reopening the file on Refresh so
// external rotation tools can move the old file out of the way.
type FileAppender struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileAppender creates a file appender writing to cfg.LogPath. The file is
// opened lazily on first write so a logger can be constructed before the log
// directory exists.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	return &FileAppender{path: cfg.LogPath}
}

func (a *FileAppender) open() error {
	if a.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	a.file = f
	return nil
}

// Write appends a log line to the file. Write errors are swallowed: logging
// must never take the server down.
func (a *FileAppender) Write(line []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.open(); err != nil {
		return
	}
	_, _ = a.file.Write(line)
}

// Refresh closes the current file handle so the next write reopens it.
func (a *FileAppender) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
}
