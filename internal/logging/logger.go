// Package logging provides config-driven categorized file-based logging for
// the memory service. Logs are written to <state_dir>/logs/ with separate
// files per category. Logging is controlled by debug_mode in the service
// config - when false, no log files are written.
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
	CategoryBoot     Category = "boot"     // Startup, wiring, shutdown
	CategoryGateway  Category = "gateway"  // Model gateway calls, routing, retries
	CategoryCache    Category = "cache"    // Cache hits/misses/evictions
	CategoryPool     Category = "pool"     // Connection pool lifecycle
	CategoryStore    Category = "store"    // Relational store operations
	CategoryVector   Category = "vector"   // Vector store client
	CategoryCompress Category = "compress" // Semantic compression
	CategoryRetrieve Category = "retrieve" // Hybrid retrieval
	CategoryInject   Category = "inject"   // Context injection
	CategoryQueue    Category = "queue"    // Batch queue and repair tasks
	CategoryMonitor  Category = "monitor"  // Perf monitor and autoscaler
	CategoryServer   Category = "server"   // Stdio/HTTP transport
	CategorySession  Category = "session"  // Conversation lifecycle
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
	loggersMu sync.RWMutex
	loggers   = make(map[Category]*Logger)

	configMu  sync.RWMutex
	logsDir   string
	debugMode bool
	logLevel  = LevelInfo
	enabled   map[Category]bool
)

// Initialize sets up the logging directory. Should be called once at startup
// with the service state directory. A no-op when debug is false.
func Initialize(stateDir string, debug bool, level string, categories map[string]bool) error {
	configMu.Lock()
	defer configMu.Unlock()

	debugMode = debug
	logLevel = parseLevel(level)
	if len(categories) > 0 {
		enabled = make(map[Category]bool, len(categories))
		for name, on := range categories {
			enabled[Category(name)] = on
		}
	} else {
		enabled = nil // all categories on
	}

	if !debugMode {
		return nil // Silent no-op in production mode
	}

	if stateDir == "" {
		return fmt.Errorf("state directory required")
	}
	logsDir = filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// IsDebugMode reports whether file logging is active.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return debugMode
}

// IsCategoryEnabled reports whether a category is enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()
	if !debugMode {
		return false
	}
	if enabled == nil {
		return true
	}
	return enabled[category]
}

// Get returns the logger for a category, creating its file on first use.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()
	if dir == "" {
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

	// Date-prefixed filename for easy rotation.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
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

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] "+format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] "+format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] "+format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] "+format, args...)
}

func currentLevel() int {
	configMu.RLock()
	defer configMu.RUnlock()
	return logLevel
}

// CloseAll closes every open log file. Call on shutdown.
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

// =============================================================================
// PERF TIMERS
// =============================================================================

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time. Operations slower than a second are warned.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > time.Second {
		l.Warn("%s completed in %v (slow)", t.operation, elapsed)
		return
	}
	l.Debug("%s completed in %v", t.operation, elapsed)
}

// =============================================================================
// CATEGORY CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Gateway logs to the gateway category.
func Gateway(format string, args ...interface{}) { Get(CategoryGateway).Info(format, args...) }

// GatewayDebug logs a gateway debug message.
func GatewayDebug(format string, args ...interface{}) { Get(CategoryGateway).Debug(format, args...) }

// Store logs to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs a store debug message.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Vector logs to the vector category.
func Vector(format string, args ...interface{}) { Get(CategoryVector).Info(format, args...) }

// VectorDebug logs a vector debug message.
func VectorDebug(format string, args ...interface{}) { Get(CategoryVector).Debug(format, args...) }

// Compress logs to the compress category.
func Compress(format string, args ...interface{}) { Get(CategoryCompress).Info(format, args...) }

// CompressDebug logs a debug message to the compress category.
func CompressDebug(format string, args ...interface{}) { Get(CategoryCompress).Debug(format, args...) }

// Retrieve logs to the retrieve category.
func Retrieve(format string, args ...interface{}) { Get(CategoryRetrieve).Info(format, args...) }

// RetrieveDebug logs a retrieve debug message.
func RetrieveDebug(format string, args ...interface{}) { Get(CategoryRetrieve).Debug(format, args...) }

// Inject logs to the inject category.
func Inject(format string, args ...interface{}) { Get(CategoryInject).Info(format, args...) }

// InjectDebug logs a debug message to the inject category.
func InjectDebug(format string, args ...interface{}) { Get(CategoryInject).Debug(format, args...) }

// Queue logs to the queue category.
func Queue(format string, args ...interface{}) { Get(CategoryQueue).Info(format, args...) }

// Monitor logs to the monitor category.
func Monitor(format string, args ...interface{}) { Get(CategoryMonitor).Info(format, args...) }

// Server logs to the server category.
func Server(format string, args ...interface{}) { Get(CategoryServer).Info(format, args...) }

// Session logs to the session category.
func Session(format string, args ...interface{}) { Get(CategorySession).Info(format, args...) }
