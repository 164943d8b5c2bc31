// Package logging provides categorized zap loggers for ouroboros.
// Every category is a named child of one root logger. Entries are also copied
// into a bounded in-memory stream that observers can tail; when the stream is
// full the oldest entry is dropped, so logging never blocks.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ouroboros/internal/telemetry"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and configuration
	CategoryEvolution Category = "evolution" // Cycle controller and scheduler
	CategoryVersions  Category = "versions"  // Snapshots, retention, rollback
	CategoryModel     Category = "model"     // Model backend invocation
	CategorySandbox   Category = "sandbox"   // Managed program execution
	CategoryPlugins   Category = "plugins"   // Plugin loading and dispatch
	CategoryTelemetry Category = "telemetry" // Runtime sampling
	CategoryJournal   Category = "journal"   // Cycle history database
)

// DefaultBufferSize is the stream capacity when Config leaves it unset.
const DefaultBufferSize = 1000

// Config controls the root logger.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // json or console
	File       string          // optional extra output path
	Categories map[string]bool // explicit false disables a category
	BufferSize int
}

var (
	mu         sync.RWMutex
	root       *zap.Logger
	stream     *telemetry.Ring[Entry]
	categories map[string]bool
)

// Initialize builds the root logger. It may be called again to reconfigure.
func Initialize(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	ring := telemetry.NewRing[Entry](size)

	logger, err := zc.Build(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, NewRingCore(ring, zc.Level))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	mu.Lock()
	if root != nil {
		_ = root.Sync()
	}
	root = logger
	stream = ring
	categories = cfg.Categories
	mu.Unlock()

	return logger, nil
}

// ParseLevel maps a config level name to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Get returns the logger for category. Before Initialize, or for a disabled
// category, it returns a no-op logger.
func Get(category Category) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return zap.NewNop()
	}
	if enabled, ok := categories[string(category)]; ok && !enabled {
		return zap.NewNop()
	}
	return root.Named(string(category))
}

// Root returns the root logger, or a no-op logger before Initialize.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return zap.NewNop()
	}
	return root
}

// Stream returns the in-memory log stream, or nil before Initialize.
func Stream() *telemetry.Ring[Entry] {
	mu.RLock()
	defer mu.RUnlock()
	return stream
}

// Sync flushes the root logger.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Reset drops the root logger so Get returns no-op loggers again.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	if root != nil {
		_ = root.Sync()
	}
	root = nil
	stream = nil
	categories = nil
}
