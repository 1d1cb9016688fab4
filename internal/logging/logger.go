// Package logging provides category-based structured logging for slide2anki.
// Each subsystem logs to its own file under <workspace>/.slide2anki/logs/,
// with a shared console core for warnings and errors. Loggers are zap
// sugared loggers; when logging is disabled a no-op logger is returned so
// call sites never need nil checks.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and configuration
	CategoryPipeline   Category = "pipeline"   // Graph orchestration
	CategoryExecutor   Category = "executor"   // Node execution, verify/repair
	CategoryChunk      Category = "chunk"      // Chunk planning
	CategoryDedupe     Category = "dedupe"     // Dedup/merge index
	CategoryCheckpoint Category = "checkpoint" // Checkpoint store
	CategoryCapability Category = "capability" // Outbound inference calls
	CategoryEvents     Category = "events"     // Progress event emission
	CategoryExport     Category = "export"     // Deck export
)

// Options controls logger construction.
type Options struct {
	// Workspace is the project root; logs land in <Workspace>/.slide2anki/logs.
	Workspace string
	// Level is the minimum level written ("debug", "info", "warn", "error").
	Level string
	// Console mirrors warn+ entries to stderr when true.
	Console bool
	// Disabled short-circuits everything to no-op loggers.
	Disabled bool
}

var (
	mu      sync.RWMutex
	opts    Options
	logsDir string
	loggers = make(map[Category]*zap.SugaredLogger)
	nop     = zap.NewNop().Sugar()
)

// Initialize prepares the logging directory. Safe to call more than once;
// the latest options win for loggers created afterwards.
func Initialize(o Options) error {
	mu.Lock()
	defer mu.Unlock()

	opts = o
	if o.Disabled {
		return nil
	}
	if o.Workspace == "" {
		return fmt.Errorf("logging: workspace path required")
	}
	logsDir = filepath.Join(o.Workspace, ".slide2anki", "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("logging: create logs directory: %w", err)
	}
	return nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Get returns the logger for a category, creating it on first use.
// Returns a no-op logger when logging is disabled or the file cannot
// be opened; callers never receive nil.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if opts.Disabled || logsDir == "" {
		mu.RUnlock()
		return nop
	}
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		return nop
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	level := parseLevel(opts.Level)

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level),
	}
	if opts.Console {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.AddSync(os.Stderr),
			zapcore.WarnLevel,
		))
	}

	l := zap.New(zapcore.NewTee(cores...)).
		With(zap.String("category", string(category))).
		Sugar()
	loggers[category] = l
	return l
}

// Package-level helpers for the hot categories.

func Pipeline(format string, args ...interface{})   { Get(CategoryPipeline).Infof(format, args...) }
func Executor(format string, args ...interface{})   { Get(CategoryExecutor).Infof(format, args...) }
func Checkpoint(format string, args ...interface{}) { Get(CategoryCheckpoint).Infof(format, args...) }
func Capability(format string, args ...interface{}) { Get(CategoryCapability).Infof(format, args...) }
func Dedupe(format string, args ...interface{})     { Get(CategoryDedupe).Infof(format, args...) }

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation for the given category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() {
	Get(t.category).Debugf("%s took %s", t.operation, time.Since(t.start))
}

// Reset clears all cached loggers. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	loggers = make(map[Category]*zap.SugaredLogger)
	logsDir = ""
	opts = Options{}
}
