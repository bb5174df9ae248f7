// internal/utils/logger.go
package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
)

// Fields is the structured payload attached to a log line
type Fields map[string]interface{}

// Logger is a leveled logger writing one line per entry to stdout and an optional file
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	out    io.Writer
	level  LogLevel
	base   Fields
	parent *Logger
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{
			level: INFO,
			out:   os.Stdout,
		}
	})
	return globalLogger
}

// InitLogger attaches a log file to the global logger
func InitLogger(logFile string) error {
	logger := GetLogger()

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if logger.file != nil {
		logger.file.Close()
	}
	logger.file = file
	return nil
}

// CloseLogger detaches and closes the log file, if any
func CloseLogger() error {
	logger := GetLogger()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if logger.file == nil {
		return nil
	}
	err := logger.file.Close()
	logger.file = nil
	return err
}

// SetOutput replaces the console writer. Tests use it to silence or capture output.
func (l *Logger) SetOutput(w io.Writer) {
	root := l.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.out = w
}

// SetLogLevel sets the minimum level for logging
func (l *Logger) SetLogLevel(level LogLevel) {
	root := l.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.level = level
}

// With returns a child logger that adds the given fields to every entry
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{base: merged, parent: l.root()}
}

func (l *Logger) root() *Logger {
	if l.parent != nil {
		return l.parent
	}
	return l
}

func (l *Logger) log(level LogLevel, message string, fields Fields) {
	root := l.root()

	root.mu.Lock()
	defer root.mu.Unlock()
	if level < root.level {
		return
	}

	caller := ""
	if _, file, line, ok := runtime.Caller(2); ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s - %s",
		levelToString(level),
		time.Now().Format("2006-01-02 15:04:05.000"),
		caller,
		message)

	all := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	if len(all) > 0 {
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, all[k])
		}
	}
	b.WriteByte('\n')

	line := b.String()
	if root.file != nil {
		root.file.WriteString(line)
	}
	if root.out != nil {
		io.WriteString(root.out, line)
	}
}

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields Fields) { l.log(DEBUG, message, fields) }

// Info logs an info message
func (l *Logger) Info(message string, fields Fields) { l.log(INFO, message, fields) }

// Warn logs a warning message
func (l *Logger) Warn(message string, fields Fields) { l.log(WARNING, message, fields) }

// Error logs an error message
func (l *Logger) Error(message string, fields Fields) { l.log(ERROR, message, fields) }

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARNING, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}
