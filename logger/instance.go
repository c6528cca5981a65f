package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var levelNames = map[string]LogLevel{
	"":        INFO,
	"DEBUG":   DEBUG,
	"INFO":    INFO,
	"WARN":    WARN,
	"WARNING": WARN,
	"ERROR":   ERROR,
}

// std backs the package-level helpers: console at INFO until Init replaces it.
var (
	stdMu sync.RWMutex
	std   = mustNew(DefaultConfig())
)

// mustNew panics on error; only file output can fail.
func mustNew(config LoggerConfig) *Logger {
	l, err := New(config)
	if err != nil {
		panic(err)
	}
	return l
}

func current() *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// ParseLogLevel maps a case-insensitive level name to a LogLevel. Unknown names give INFO and an error.
func ParseLogLevel(level string) (LogLevel, error) {
	if l, ok := levelNames[strings.ToUpper(strings.TrimSpace(level))]; ok {
		return l, nil
	}
	return INFO, fmt.Errorf("unknown log level %q, using INFO", level)
}

// Init swaps in a logger built from config and closes the previous one.
// Component loggers handed out earlier keep writing to their original outputs.
func Init(config LoggerConfig) error {
	l, err := New(config)
	if err != nil {
		return err
	}

	stdMu.Lock()
	prev := std
	std = l
	stdMu.Unlock()

	return prev.Close()
}

// SetLevel parses level and applies it process-wide. An unknown level falls back to INFO.
func SetLevel(level string) error {
	l, err := ParseLogLevel(level)
	current().SetLevel(l)
	return err
}

// Component returns a structured logger tagged with the component name
func Component(name string) zerolog.Logger {
	return current().Zerolog().With().Str("component", name).Logger()
}

func Debug(format string, args ...interface{}) { current().Debug(format, args...) }
func Info(format string, args ...interface{})  { current().Info(format, args...) }
func Warn(format string, args ...interface{})  { current().Warn(format, args...) }
func Error(format string, args ...interface{}) { current().Error(format, args...) }

// Close flushes and closes the process logger's file output
func Close() error {
	return current().Close()
}
