// Package logging manages the kernel's slog pipeline: a bootstrap handler
// writing text to stderr, upgraded in place to fan out to stderr and a
// rotating JSON log file once configuration is available.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink describes the rotating JSON log file.
type FileSink struct {
	// Path is the log file location. Parent directories are created.
	Path string
	// MaxSizeMB is the size at which the file rotates. Zero means 100.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Zero keeps all.
	MaxBackups int
	// MaxAgeDays removes rotated files older than this. Zero keeps all.
	MaxAgeDays int
}

// Manager handles logger lifecycle including the bootstrap-to-full
// transition. Components obtain a logger via Logger(); the instance stays
// valid across Upgrade calls.
type Manager struct {
	handler *SwappableHandler
	logger  *slog.Logger
	sink    io.WriteCloser
	level   *slog.LevelVar
	mu      sync.Mutex
}

// NewManager creates a logging manager in bootstrap mode: text to stderr
// only. Call Upgrade once config is available to enable file logging.
func NewManager() *Manager {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	opts := &slog.HandlerOptions{Level: level}
	bootstrap := slog.NewTextHandler(os.Stderr, opts)

	handler := NewSwappableHandler(bootstrap)
	logger := slog.New(handler)

	return &Manager{
		handler: handler,
		logger:  logger,
		level:   level,
	}
}

// Logger returns the current logger instance.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Upgrade transitions from bootstrap mode to full mode: text to stderr plus
// JSON to a rotating file. Safe to call again after a config reload; the
// previous sink is closed.
func (m *Manager) Upgrade(sink FileSink, level slog.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(sink.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %q; %w", dir, err)
	}

	rotating := &lumberjack.Logger{
		Filename:   sink.Path,
		MaxSize:    sink.MaxSizeMB,
		MaxBackups: sink.MaxBackups,
		MaxAge:     sink.MaxAgeDays,
		Compress:   false,
	}
	if rotating.MaxSize == 0 {
		rotating.MaxSize = 100
	}

	if m.sink != nil {
		_ = m.sink.Close()
	}
	m.sink = rotating

	m.level.Set(level)

	opts := &slog.HandlerOptions{Level: m.level}

	full := slogmulti.Fanout(
		slog.NewTextHandler(os.Stderr, opts),
		slog.NewJSONHandler(rotating, opts),
	)

	// Atomic swap; loggers handed out earlier pick up the new pipeline.
	m.handler.Swap(full)

	return nil
}

// SetLevel changes the log level at runtime, applying to all future calls.
func (m *Manager) SetLevel(level slog.Level) {
	m.level.Set(level)
}

// Level returns the currently configured level.
func (m *Manager) Level() slog.Level {
	return m.level.Level()
}

// Close shuts down the logger, closing the file sink if open.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sink != nil {
		err := m.sink.Close()
		m.sink = nil
		return err
	}
	return nil
}
