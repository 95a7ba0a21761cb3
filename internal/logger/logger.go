package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes a rotating log file. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

// Config selects level and destination of devpm's own diagnostics.
// With File.Path set, records go to a rotating JSON file; otherwise to the
// console writer as colored text.
type Config struct {
	Level string     `mapstructure:"level"`
	File  FileConfig `mapstructure:",squash"`
	// ServiceDir, when set, receives a copy of every supervised service's
	// output as <dir>/<service>.stdout.log and <dir>/<service>.stderr.log.
	ServiceDir string `mapstructure:"service_dir"`
	NoColor    bool   `mapstructure:"no_color"`
}

// ParseLevel maps debug/info/warn/error to slog levels; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger for cfg. console is used when no file is configured.
// The returned closer releases the log file, if any.
func New(cfg Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.File.Path != "" {
		w, err := cfg.File.Writer()
		if err != nil {
			return nil, nil, err
		}
		return slog.New(slog.NewJSONHandler(w, opts)), w, nil
	}
	if console == nil {
		console = os.Stderr
	}
	var h slog.Handler
	if cfg.NoColor {
		h = slog.NewTextHandler(console, opts)
	} else {
		h = NewConsoleHandler(console, opts, true)
	}
	return slog.New(h), nopCloser{}, nil
}

// Writer opens the rotating file, creating its directory.
func (c FileConfig) Writer() (io.WriteCloser, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return c.rotator(c.Path), nil
}

func (c FileConfig) rotator(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ServiceWriters returns rotating stdout and stderr mirrors for a service
// name, or nils when ServiceDir is unset. Path separators in name are
// replaced so every service stays inside ServiceDir.
func (c Config) ServiceWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.ServiceDir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(c.ServiceDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create service log dir: %w", err)
	}
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	outW := c.File.rotator(filepath.Join(c.ServiceDir, fmt.Sprintf("%s.stdout.log", safe)))
	errW := c.File.rotator(filepath.Join(c.ServiceDir, fmt.Sprintf("%s.stderr.log", safe)))
	return outW, errW, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
