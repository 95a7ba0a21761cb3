package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/loykin/devpm/internal/logger"
	"github.com/loykin/devpm/internal/ports"
	"github.com/loykin/devpm/internal/retention"
)

const (
	// FileName is looked up in the devpm home and in project directories.
	FileName = "devpm.toml"
	// HomeEnv overrides the home directory (~/.devpm).
	HomeEnv   = "DEVPM_HOME"
	envPrefix = "DEVPM"
)

type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

type RetentionConfig struct {
	MaxLogsPerService   int `mapstructure:"maxLogsPerService"`
	MaxRetentionSeconds int `mapstructure:"maxRetentionSeconds"`
}

// Policy converts the section into the sweeper's limits.
func (r RetentionConfig) Policy() retention.Policy {
	return retention.Policy{MaxLogsPerService: r.MaxLogsPerService, MaxRetentionSeconds: r.MaxRetentionSeconds}
}

type PortsConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

type HistoryConfig struct {
	// DSN is one or more comma-separated sink DSNs; empty disables export.
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// SweepSchedule is the cron spec on which serve attempts a retention
	// sweep. The sweep itself still runs at most once per interval.
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// ServiceConfig is a statically defined service. Transient services started
// with an ad-hoc command have no entry here.
type ServiceConfig struct {
	Name        string   `mapstructure:"name"`
	Command     string   `mapstructure:"command"`
	Root        string   `mapstructure:"root"`
	EnableStdin bool     `mapstructure:"enable_stdin"`
	PTY         bool     `mapstructure:"pty"`
	Env         []string `mapstructure:"env"`
	EnvFiles    []string `mapstructure:"env_files"`
}

// Config represents the merged TOML configuration.
type Config struct {
	Registry  RegistryConfig  `mapstructure:"registry"`
	Retention RetentionConfig `mapstructure:"retention"`
	Ports     PortsConfig     `mapstructure:"ports"`
	Log       logger.Config   `mapstructure:"log"`
	History   HistoryConfig   `mapstructure:"history"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
	Env       []string        `mapstructure:"env"`
	EnvFiles  []string        `mapstructure:"env_files"`
	Services  []ServiceConfig `mapstructure:"services"`

	// Home is the resolved devpm home directory.
	Home string `mapstructure:"-"`
	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// ValidationError names the offending key.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Msg }

// Home returns $DEVPM_HOME or ~/.devpm.
func Home() (string, error) {
	if h := strings.TrimSpace(os.Getenv(HomeEnv)); h != "" {
		return filepath.Abs(h)
	}
	u, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(u, ".devpm"), nil
}

// Options selects what Load reads.
type Options struct {
	// File is an explicit config path; when empty <home>/devpm.toml is used
	// if present.
	File string
	// ProjectDir, when set, merges [[services]] (and env) from
	// <ProjectDir>/devpm.toml over the global ones.
	ProjectDir string
}

// Load reads defaults, the config file, DEVPM_* environment variables and
// the project file, then validates the result.
func Load(opts Options) (*Config, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}
	v := newViper(home)

	file := opts.File
	if file == "" {
		candidate := filepath.Join(home, FileName)
		if _, err := os.Stat(candidate); err == nil {
			file = candidate
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	if err := validateRaw(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Home = home
	cfg.File = file

	if opts.ProjectDir != "" {
		if err := cfg.mergeProject(opts.ProjectDir); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper(home string) *viper.Viper {
	v := viper.New()
	v.SetDefault("registry.path", filepath.Join(home, "devpm.db"))
	v.SetDefault("retention.maxLogsPerService", retention.DefaultMaxLogsPerService)
	v.SetDefault("retention.maxRetentionSeconds", retention.DefaultMaxRetentionSeconds)
	v.SetDefault("ports.min", ports.DefaultMin)
	v.SetDefault("ports.max", ports.DefaultMax)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.service_dir", "")
	v.SetDefault("log.no_color", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:7790")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.sweep_schedule", "@every 1m")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// validateRaw checks values whose type information is lost by decoding:
// 1.5 or "ten" must not silently become an int.
func validateRaw(v *viper.Viper) error {
	for _, key := range []string{"retention.maxLogsPerService", "retention.maxRetentionSeconds", "ports.min", "ports.max"} {
		if _, err := strictInt(v.Get(key)); err != nil {
			return &ValidationError{Field: key, Msg: err.Error()}
		}
	}
	return nil
}

func strictInt(raw any) (int, error) {
	switch x := raw.(type) {
	case int:
		return x, nil
	case int8:
		return int(x), nil
	case int16:
		return int(x), nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint8:
		return int(x), nil
	case uint16:
		return int(x), nil
	case uint32:
		return int(x), nil
	case uint64:
		return int(x), nil
	case string:
		// Environment variables arrive as strings.
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %q", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("must be an integer, got %v (%T)", raw, raw)
	}
}

// mergeProject overlays services and env from a project-local devpm.toml.
// Other sections in that file are ignored; machine-wide settings live in
// the home config.
func (c *Config) mergeProject(projectDir string) error {
	path := filepath.Join(projectDir, FileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if c.File != "" && sameFile(c.File, path) {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read project config %s: %w", path, err)
	}
	var pc struct {
		Env      []string        `mapstructure:"env"`
		EnvFiles []string        `mapstructure:"env_files"`
		Services []ServiceConfig `mapstructure:"services"`
	}
	if err := v.Unmarshal(&pc); err != nil {
		return fmt.Errorf("decode project config: %w", err)
	}
	c.Env = append(c.Env, pc.Env...)
	for _, f := range pc.EnvFiles {
		if !filepath.IsAbs(f) {
			f = filepath.Join(projectDir, f)
		}
		c.EnvFiles = append(c.EnvFiles, f)
	}
	for _, s := range pc.Services {
		replaced := false
		for i := range c.Services {
			if c.Services[i].Name == s.Name {
				c.Services[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			c.Services = append(c.Services, s)
		}
	}
	return nil
}

func sameFile(a, b string) bool {
	sa, err1 := os.Stat(a)
	sb, err2 := os.Stat(b)
	return err1 == nil && err2 == nil && os.SameFile(sa, sb)
}

// Validate rejects settings that would make later operations misbehave.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Registry.Path) == "" {
		return &ValidationError{Field: "registry.path", Msg: "must not be empty"}
	}
	if c.Retention.MaxLogsPerService <= 0 {
		return &ValidationError{Field: "retention.maxLogsPerService", Msg: fmt.Sprintf("must be a positive integer, got %d", c.Retention.MaxLogsPerService)}
	}
	if c.Retention.MaxRetentionSeconds <= 0 {
		return &ValidationError{Field: "retention.maxRetentionSeconds", Msg: fmt.Sprintf("must be a positive integer, got %d", c.Retention.MaxRetentionSeconds)}
	}
	if c.Ports.Min < 1024 || c.Ports.Max > 65535 {
		return &ValidationError{Field: "ports", Msg: fmt.Sprintf("range %d-%d must lie within 1024-65535", c.Ports.Min, c.Ports.Max)}
	}
	if c.Ports.Min > c.Ports.Max {
		return &ValidationError{Field: "ports", Msg: fmt.Sprintf("min %d is greater than max %d", c.Ports.Min, c.Ports.Max)}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return &ValidationError{Field: "log.level", Msg: err.Error()}
	}
	if c.Server.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Server.SweepSchedule); err != nil {
			return &ValidationError{Field: "server.sweep_schedule", Msg: err.Error()}
		}
	}
	seen := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		field := fmt.Sprintf("services[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return &ValidationError{Field: field + ".name", Msg: "is required"}
		}
		if strings.ContainsAny(name, " \t\n\r/\\") {
			return &ValidationError{Field: field + ".name", Msg: fmt.Sprintf("%q contains whitespace or path separators", name)}
		}
		if seen[name] {
			return &ValidationError{Field: field + ".name", Msg: fmt.Sprintf("duplicate service %q", name)}
		}
		seen[name] = true
		if strings.TrimSpace(s.Command) == "" {
			return &ValidationError{Field: field + ".command", Msg: fmt.Sprintf("service %q requires command", name)}
		}
		if filepath.IsAbs(s.Root) || strings.HasPrefix(filepath.Clean(s.Root), "..") {
			return &ValidationError{Field: field + ".root", Msg: fmt.Sprintf("%q must be relative to the project", s.Root)}
		}
	}
	return nil
}

// Service returns the static definition of name.
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceConfig{}, false
}

// ServiceNames lists configured services in file order.
func (c *Config) ServiceNames() []string {
	out := make([]string, 0, len(c.Services))
	for _, s := range c.Services {
		out = append(out, s.Name)
	}
	return out
}

// CollectorLogPath is where detached collectors write diagnostics when no
// log file is configured.
func (c *Config) CollectorLogPath() string {
	if c.Log.File.Path != "" {
		return c.Log.File.Path
	}
	return filepath.Join(c.Home, "logs", "collector.log")
}
