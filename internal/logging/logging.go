// Package logging provides per-module slog loggers.
//
// Modules obtain a logger once with GetLogger and keep it; Initialize may be
// called later and updates the level and handler of every logger handed out
// so far. SCREENREC_DEBUG=1 forces debug level for all modules and
// SCREENREC_DEBUG_FILE redirects output to a rotated log file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	File    string            `toml:"file"`
	Modules map[string]string `toml:"modules"`
}

type moduleLogger struct {
	level   *slog.LevelVar
	handler *swapHandler
	logger  *slog.Logger
}

var (
	mu      sync.Mutex
	config  Config
	output  io.Writer = os.Stderr
	rotator *lumberjack.Logger
	modules = make(map[string]*moduleLogger)
)

// Initialize applies cfg to all existing and future module loggers.
func Initialize(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	config = cfg
	if p := debugFile(cfg.File); p != "" {
		if rotator == nil || rotator.Filename != p {
			if rotator != nil {
				_ = rotator.Close()
			}
			rotator = &lumberjack.Logger{
				Filename:   p,
				MaxSize:    10,
				MaxBackups: 3,
			}
		}
		output = rotator
	} else {
		output = os.Stderr
	}

	for name, m := range modules {
		m.level.Set(levelFor(name))
		m.handler.swap(newHandler(cfg.Format, output, m.level))
	}
	slog.SetDefault(getLogger("main"))
}

// SetOutput redirects all loggers to w. Used by tests and the CLI.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	output = w
	for _, m := range modules {
		m.handler.swap(newHandler(config.Format, output, m.level))
	}
}

// GetLogger returns the logger for module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return getLogger(module)
}

func getLogger(module string) *slog.Logger {
	if m, ok := modules[module]; ok {
		return m.logger
	}

	level := &slog.LevelVar{}
	level.Set(levelFor(module))
	h := &swapHandler{}
	h.swap(newHandler(config.Format, output, level))

	m := &moduleLogger{
		level:   level,
		handler: h,
		logger:  slog.New(h).With("module", module),
	}
	modules[module] = m
	return m.logger
}

// Close flushes and closes the rotated log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	output = os.Stderr
	return err
}

func levelFor(module string) slog.Level {
	if DebugEnabled() {
		return slog.LevelDebug
	}
	if s, ok := config.Modules[module]; ok {
		if l, ok := ParseLevel(s); ok {
			return l
		}
	}
	if l, ok := ParseLevel(config.Level); ok {
		return l
	}
	return slog.LevelInfo
}

func newHandler(format string, w io.Writer, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// DebugEnabled reports whether SCREENREC_DEBUG=1 is set.
func DebugEnabled() bool {
	return strings.TrimSpace(os.Getenv("SCREENREC_DEBUG")) == "1"
}

func debugFile(configured string) string {
	if p := strings.TrimSpace(os.Getenv("SCREENREC_DEBUG_FILE")); p != "" {
		return p
	}
	return strings.TrimSpace(configured)
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
