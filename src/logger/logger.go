package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the severity level of a log message
type LogLevel int32

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota
	// INFO level for general informational messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

var (
	levelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
	}
)

const colorReset = "\033[0m"

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int32(l))
}

// ParseLevel converts a level name into a LogLevel.
// Unknown names resolve to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// field is a key=value pair appended to every line of a derived logger
type field struct {
	key   string
	value string
}

// Logger provides configurable logging with different log levels.
// Loggers derived with WithPrefix or With share the level of their parent.
type Logger struct {
	level        *atomic.Int32
	stdLogger    *log.Logger
	enableColors bool
	prefix       string
	fields       []field
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// Init initializes the default logger with configuration from environment variables
// Environment variables:
//   - LOG_LEVEL: Set log level (DEBUG, INFO, WARN, ERROR). Default: INFO
//   - LOG_COLOR: Enable colored output (true/false). Default: true
func Init() {
	colorStr := os.Getenv("LOG_COLOR")
	enableColors := colorStr != "false" && colorStr != "0"
	InitWithConfig(ParseLevel(os.Getenv("LOG_LEVEL")), enableColors)
}

// InitWithConfig replaces the default logger. Call it once at process start.
func InitWithConfig(level LogLevel, enableColors bool) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = New(level, os.Stdout, enableColors, "")
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, enableColors bool, prefix string) *Logger {
	lvl := &atomic.Int32{}
	lvl.Store(int32(level))
	return &Logger{
		level:        lvl,
		stdLogger:    log.New(output, "", log.LstdFlags),
		enableColors: enableColors,
		prefix:       prefix,
	}
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return LogLevel(l.level.Load())
}

// IsLevelEnabled checks if a specific log level is enabled
func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.IsLevelEnabled(level) {
		return
	}

	var b strings.Builder
	if l.enableColors {
		b.WriteString(levelColors[level])
		b.WriteString("[" + levelNames[level] + "]")
		b.WriteString(colorReset)
	} else {
		b.WriteString("[" + levelNames[level] + "]")
	}
	if l.prefix != "" {
		b.WriteString(" [" + l.prefix + "]")
	}
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)
	for _, f := range l.fields {
		b.WriteByte(' ')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(f.value)
	}

	l.stdLogger.Output(3, b.String())
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// WithPrefix creates a new logger with a prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	child := l.clone()
	child.prefix = prefix
	return child
}

// With returns a logger that appends key=value to every line.
func (l *Logger) With(key string, value interface{}) *Logger {
	child := l.clone()
	child.fields = append(child.fields, field{key: key, value: fmt.Sprint(value)})
	return child
}

func (l *Logger) clone() *Logger {
	fields := make([]field, len(l.fields), len(l.fields)+1)
	copy(fields, l.fields)
	return &Logger{
		level:        l.level,
		stdLogger:    l.stdLogger,
		enableColors: l.enableColors,
		prefix:       l.prefix,
		fields:       fields,
	}
}

// Global convenience functions that use the default logger

// GetDefault returns the default logger instance
func GetDefault() *Logger {
	defaultMu.Lock()
	initialized := defaultLogger != nil
	defaultMu.Unlock()
	if !initialized {
		Init()
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultLogger
}

// SetLevel sets the log level for the default logger
func SetLevel(level LogLevel) {
	GetDefault().SetLevel(level)
}

// GetLevel returns the current log level of the default logger
func GetLevel() LogLevel {
	return GetDefault().GetLevel()
}

// IsDebugEnabled checks if debug logging is enabled
func IsDebugEnabled() bool {
	return GetDefault().IsLevelEnabled(DEBUG)
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	GetDefault().log(DEBUG, format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	GetDefault().log(INFO, format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	GetDefault().log(WARN, format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	GetDefault().log(ERROR, format, args...)
}

// WithPrefix creates a new logger with a prefix from the default logger
func WithPrefix(prefix string) *Logger {
	return GetDefault().WithPrefix(prefix)
}
