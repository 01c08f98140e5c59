// Package logging provides config-driven categorized file-based logging for hivemind.
// Logs are written to <workspace>/.hivemind/logs/ with separate files per category.
// When debug mode is off the package is a silent no-op.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategorySession   Category = "session"   // Session lifecycle, persistence
	CategoryScheduler Category = "scheduler" // Tick loop, runnable-set decisions
	CategoryExecutor  Category = "executor"  // Node execution state machine
	CategoryConsensus Category = "consensus" // Judge rounds and escalation
	CategoryDecompose Category = "decompose" // Decomposition/correction paths
	CategoryStore     Category = "store"     // Document store operations
	CategoryAPI       Category = "api"       // Text-generation provider calls
	CategoryMemory    Category = "memory"    // Memory collaborator
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with category and file output.
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
)

// Initialize sets up the logging directory. Should be called once at startup.
// When debug is false every call in this package is a no-op.
func Initialize(workspace string, debug bool) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	enabled = debug
	if !enabled {
		return nil
	}

	logsDir = filepath.Join(workspace, ".hivemind", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== hivemind logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	return nil
}

// SetLevel adjusts the minimum level written to log files.
func SetLevel(level int) {
	logLevel = level
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[category]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok = loggers[category]; ok {
		return l
	}

	l = &Logger{category: category}
	if enabled && logsDir != "" {
		path := filepath.Join(logsDir, string(category)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", 0)
		}
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if !enabled || l.logger == nil || level < logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] %s", time.Now().Format("2006-01-02 15:04:05.000"), tag, msg)
}

// Debug logs a debug-level message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an info-level message.
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

// Close flushes and closes all open log files.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience helpers, one pair per busy category.

func Session(format string, args ...interface{})   { Get(CategorySession).Info(format, args...) }
func Scheduler(format string, args ...interface{}) { Get(CategoryScheduler).Info(format, args...) }
func Executor(format string, args ...interface{})  { Get(CategoryExecutor).Info(format, args...) }
func Consensus(format string, args ...interface{}) { Get(CategoryConsensus).Info(format, args...) }
func Decompose(format string, args ...interface{}) { Get(CategoryDecompose).Info(format, args...) }
func Store(format string, args ...interface{})     { Get(CategoryStore).Info(format, args...) }
func API(format string, args ...interface{})       { Get(CategoryAPI).Info(format, args...) }

func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}
func ExecutorDebug(format string, args ...interface{}) {
	Get(CategoryExecutor).Debug(format, args...)
}
func ConsensusDebug(format string, args ...interface{}) {
	Get(CategoryConsensus).Debug(format, args...)
}
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Timer measures elapsed time for an operation and logs it on Stop.
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
	Get(t.category).Debug("%s took %v", t.name, time.Since(t.start))
}
