// Package logging provides categorized file-based logging for the governance
// kernel. Logs are written to .govern/logs/ with one file per category.
// Logging is a silent no-op until Initialize is called with debug enabled.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // startup and wiring
	CategoryKernel   Category = "kernel"   // execution pipeline
	CategoryCouncil  Category = "council"  // consensus rounds
	CategoryRouter   Category = "router"   // routing decisions
	CategoryBudget   Category = "budget"   // rate/cost accounting
	CategoryMediator Category = "mediator" // deadlock resolution
	CategoryFlight   Category = "flight"   // event bus and loop detection
	CategoryMemory   Category = "memory"   // constraint/incident store
	CategoryOperator Category = "operator" // human-intervention queue
	CategoryAgents   Category = "agents"   // provider calls
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger writes to one category's log file. A Logger with a nil inner logger
// is a no-op; callers never need to nil-check.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	enabled   bool
	logLevel  = LevelInfo
	stateMu   sync.RWMutex
)

// Initialize sets up the logging directory. Should be called once at startup
// with the workspace path. When debug is false this is a silent no-op and all
// loggers discard their input.
func Initialize(ws string, debug bool, level string) error {
	stateMu.Lock()
	defer stateMu.Unlock()

	enabled = debug
	switch level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	if !debug {
		return nil
	}
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	logsDir = filepath.Join(ws, ".govern", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging is disabled.
func Get(category Category) *Logger {
	stateMu.RLock()
	active := enabled && logsDir != ""
	stateMu.RUnlock()
	if !active {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level int, prefix, format string, args ...interface{}) {
	if l.logger == nil || logLevel > level {
		return
	}
	l.logger.Printf("[%s] %s", prefix, fmt.Sprintf(format, args...))
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// CloseAll flushes and closes all open log files.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for cat, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
		delete(loggers, cat)
	}
}

// Convenience wrappers for hot categories.

func Council(format string, args ...interface{}) { Get(CategoryCouncil).Info(format, args...) }

func CouncilDebug(format string, args ...interface{}) { Get(CategoryCouncil).Debug(format, args...) }

func Budget(format string, args ...interface{}) { Get(CategoryBudget).Info(format, args...) }

func BudgetDebug(format string, args ...interface{}) { Get(CategoryBudget).Debug(format, args...) }

func Flight(format string, args ...interface{}) { Get(CategoryFlight).Info(format, args...) }

func Router(format string, args ...interface{}) { Get(CategoryRouter).Info(format, args...) }

// Timer measures the duration of an operation for performance tracing.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, name string) *Timer {
	return &Timer{category: category, name: name, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s took %s", t.name, time.Since(t.start))
}
