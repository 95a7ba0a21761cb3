package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/devpm/internal/ports"
	"github.com/loykin/devpm/internal/retention"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	return home
}

func TestLoadDefaults(t *testing.T) {
	home := withHome(t)
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Home != home {
		t.Fatalf("home %q want %q", cfg.Home, home)
	}
	if cfg.Registry.Path != filepath.Join(home, "devpm.db") {
		t.Fatalf("registry path %q", cfg.Registry.Path)
	}
	if cfg.Retention.Policy() != retention.DefaultPolicy() {
		t.Fatalf("retention %+v", cfg.Retention)
	}
	if cfg.Ports.Min != ports.DefaultMin || cfg.Ports.Max != ports.DefaultMax {
		t.Fatalf("ports %+v", cfg.Ports)
	}
	if cfg.File != "" {
		t.Fatalf("no file expected, got %q", cfg.File)
	}
	if cfg.CollectorLogPath() != filepath.Join(home, "logs", "collector.log") {
		t.Fatalf("collector log %q", cfg.CollectorLogPath())
	}
}

func TestLoadHomeFile(t *testing.T) {
	home := withHome(t)
	writeFile(t, filepath.Join(home, FileName), `
[retention]
maxLogsPerService = 50
maxRetentionSeconds = 600

[ports]
min = 4000
max = 4010

[log]
level = "debug"
path = "/tmp/devpm-test.log"
max_backups = 9

[history]
dsn = "sqlite:///tmp/h.db"

[[services]]
name = "web"
command = "npm run dev"
root = "frontend"
enable_stdin = true
env = ["PORT=4000"]
`)
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retention.MaxLogsPerService != 50 || cfg.Retention.MaxRetentionSeconds != 600 {
		t.Fatalf("retention %+v", cfg.Retention)
	}
	if cfg.Ports.Min != 4000 || cfg.Ports.Max != 4010 {
		t.Fatalf("ports %+v", cfg.Ports)
	}
	if cfg.Log.Level != "debug" || cfg.Log.File.Path != "/tmp/devpm-test.log" || cfg.Log.File.MaxBackups != 9 {
		t.Fatalf("log %+v", cfg.Log)
	}
	if cfg.History.DSN != "sqlite:///tmp/h.db" {
		t.Fatalf("history %+v", cfg.History)
	}
	svc, ok := cfg.Service("web")
	if !ok || svc.Command != "npm run dev" || svc.Root != "frontend" || !svc.EnableStdin {
		t.Fatalf("service %+v ok=%v", svc, ok)
	}
	if _, ok := cfg.Service("api"); ok {
		t.Fatalf("unexpected service api")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	withHome(t)
	t.Setenv("DEVPM_RETENTION_MAXLOGSPERSERVICE", "77")
	t.Setenv("DEVPM_PORTS_MIN", "5000")
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retention.MaxLogsPerService != 77 || cfg.Ports.Min != 5000 {
		t.Fatalf("env not applied: %+v %+v", cfg.Retention, cfg.Ports)
	}
}

func TestLoadRejectsInvalidRetention(t *testing.T) {
	cases := map[string]string{
		"zero":     "[retention]\nmaxLogsPerService = 0\n",
		"negative": "[retention]\nmaxRetentionSeconds = -5\n",
		"float":    "[retention]\nmaxLogsPerService = 1.5\n",
		"string":   "[retention]\nmaxLogsPerService = \"ten\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			withHome(t)
			path := filepath.Join(t.TempDir(), "c.toml")
			writeFile(t, path, body)
			_, err := Load(Options{File: path})
			var ve *ValidationError
			if !errors.As(err, &ve) || !strings.HasPrefix(ve.Field, "retention.") {
				t.Fatalf("expected retention validation error, got %v", err)
			}
		})
	}
}

func TestLoadRejectsInvalidPorts(t *testing.T) {
	for name, body := range map[string]string{
		"privileged": "[ports]\nmin = 80\nmax = 90\n",
		"inverted":   "[ports]\nmin = 5000\nmax = 4000\n",
		"too high":   "[ports]\nmin = 5000\nmax = 70000\n",
	} {
		t.Run(name, func(t *testing.T) {
			withHome(t)
			path := filepath.Join(t.TempDir(), "c.toml")
			writeFile(t, path, body)
			_, err := Load(Options{File: path})
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != "ports" {
				t.Fatalf("expected ports validation error, got %v", err)
			}
		})
	}
}

func TestLoadRejectsBadServices(t *testing.T) {
	for name, body := range map[string]string{
		"missing command": "[[services]]\nname = \"web\"\n",
		"missing name":    "[[services]]\ncommand = \"x\"\n",
		"duplicate":       "[[services]]\nname = \"web\"\ncommand = \"a\"\n[[services]]\nname = \"web\"\ncommand = \"b\"\n",
		"slash in name":   "[[services]]\nname = \"a/b\"\ncommand = \"x\"\n",
		"escaping root":   "[[services]]\nname = \"web\"\ncommand = \"x\"\nroot = \"../other\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			withHome(t)
			path := filepath.Join(t.TempDir(), "c.toml")
			writeFile(t, path, body)
			_, err := Load(Options{File: path})
			var ve *ValidationError
			if !errors.As(err, &ve) || !strings.HasPrefix(ve.Field, "services[") {
				t.Fatalf("expected service validation error, got %v", err)
			}
		})
	}
}

func TestLoadSweepSchedule(t *testing.T) {
	withHome(t)
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.SweepSchedule != "@every 1m" {
		t.Fatalf("default schedule %q", cfg.Server.SweepSchedule)
	}

	path := filepath.Join(t.TempDir(), "c.toml")
	writeFile(t, path, "[server]\nsweep_schedule = \"every minute\"\n")
	_, err = Load(Options{File: path})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "server.sweep_schedule" {
		t.Fatalf("expected schedule validation error, got %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	withHome(t)
	if _, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.toml")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestProjectServicesOverrideGlobal(t *testing.T) {
	home := withHome(t)
	writeFile(t, filepath.Join(home, FileName), `
[[services]]
name = "web"
command = "global-web"

[[services]]
name = "db"
command = "global-db"
`)
	project := t.TempDir()
	writeFile(t, filepath.Join(project, FileName), `
env_files = [".env"]

[ports]
min = 1

[[services]]
name = "web"
command = "project-web"

[[services]]
name = "worker"
command = "project-worker"
`)
	cfg, err := Load(Options{ProjectDir: project})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := strings.Join(cfg.ServiceNames(), ","); got != "web,db,worker" {
		t.Fatalf("services %s", got)
	}
	web, _ := cfg.Service("web")
	if web.Command != "project-web" {
		t.Fatalf("project override not applied: %+v", web)
	}
	// Only services and env come from the project file.
	if cfg.Ports.Min != ports.DefaultMin {
		t.Fatalf("project ports leaked: %+v", cfg.Ports)
	}
	if len(cfg.EnvFiles) != 1 || cfg.EnvFiles[0] != filepath.Join(project, ".env") {
		t.Fatalf("env files %v", cfg.EnvFiles)
	}
}
