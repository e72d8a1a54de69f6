// Package logging provides simple leveled logging for the go-dm project.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Logger wraps stdlib log with level support and structured key-value context.
type Logger struct {
	logger  *log.Logger
	level   LogLevel
	format  string
	noColor bool
	mu      *sync.Mutex

	// fields carried by WithDevice/WithQueue/WithRequest/WithError; copied
	// (not mutated) on each With* call so branched loggers share the
	// underlying writer but not each other's context.
	fields []fieldKV
}

type fieldKV struct {
	key string
	val any
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel
	Format string // "text" (default) or "json"
	Output io.Writer

	// Sync requests synchronous writes; the stdlib logger is already
	// unbuffered so this is accepted for config-surface parity and has no
	// further effect.
	Sync bool

	// NoColor is accepted for config-surface parity; text output is never
	// colored, so it has no effect.
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	return &Logger{
		logger:  log.New(output, "", log.LstdFlags),
		level:   config.Level,
		format:  format,
		noColor: config.NoColor,
		mu:      &sync.Mutex{},
	}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// with returns a copy of the logger carrying an additional key-value pair.
func (l *Logger) with(key string, val any) *Logger {
	next := make([]fieldKV, len(l.fields), len(l.fields)+1)
	copy(next, l.fields)
	next = append(next, fieldKV{key, val})
	return &Logger{
		logger:  l.logger,
		level:   l.level,
		format:  l.format,
		noColor: l.noColor,
		mu:      l.mu,
		fields:  next,
	}
}

// WithDevice returns a logger that tags every subsequent message with the
// device's minor number.
func (l *Logger) WithDevice(minor uint32) *Logger {
	return l.with("device_id", minor)
}

// WithQueue returns a logger that tags every subsequent message with a
// target index within the device's mapping table.
func (l *Logger) WithQueue(targetIndex int) *Logger {
	return l.with("queue_id", targetIndex)
}

// WithRequest returns a logger that tags every subsequent message with the
// sector and operation of an in-flight request.
func (l *Logger) WithRequest(tag uint64, op string) *Logger {
	return l.with("tag", tag).with("op", op)
}

// WithError returns a logger that tags every subsequent message with an
// error value.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

// formatArgs converts key-value pairs (plus carried context) to a string
func (l *Logger) formatArgs(args []any) string {
	var result string
	appendKV := func(k any, v any) {
		if result != "" {
			result += " "
		}
		result += fmt.Sprintf("%v=%v", k, v)
	}
	for _, f := range l.fields {
		appendKV(f.key, f.val)
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			appendKV(args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		entry := map[string]any{
			"level": prefix,
			"msg":   msg,
			"time":  time.Now().Format(time.RFC3339Nano),
		}
		for _, f := range l.fields {
			entry[f.key] = f.val
		}
		for i := 0; i < len(args); i += 2 {
			if i+1 < len(args) {
				entry[fmt.Sprintf("%v", args[i])] = args[i+1]
			}
		}
		if b, err := json.Marshal(entry); err == nil {
			l.logger.Print(string(b))
			return
		}
	}

	l.logger.Printf("%s %s%s", prefix, msg, l.formatArgs(args))
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
