package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNew_ConsoleColored(t *testing.T) {
	var buf bytes.Buffer
	l, c, err := New(Config{Level: "debug"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeIf(c)
	l.Debug("hello", "k", "v")
	out := buf.String()
	if !strings.Contains(out, "\033[36m") || !strings.Contains(out, "hello") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected console output %q", out)
	}
}

func TestNew_ConsolePlainRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := New(Config{Level: "warn", NoColor: true}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || strings.Contains(out, "\033[") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestNew_FileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "devpm.log")
	l, c, err := New(Config{File: FileConfig{Path: path}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("collector started", "pid", 42)
	closeIf(c)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("log line is not JSON: %q", b)
	}
	if rec["msg"] != "collector started" || rec["pid"] != float64(42) {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "nope"}, io.Discard); err == nil {
		t.Fatalf("expected error")
	}
}

func TestServiceWriters_WithDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{ServiceDir: dir}
	outW, errW, err := cfg.ServiceWriters("demo")
	if err != nil {
		t.Fatalf("ServiceWriters error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when ServiceDir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, p := range []string{"demo.stdout.log", "demo.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Fatalf("%s not created: %v", p, err)
		}
	}
}

func TestServiceWriters_StaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	outW, errW, err := Config{ServiceDir: dir}.ServiceWriters("../../etc/evil")
	if err != nil {
		t.Fatalf("ServiceWriters: %v", err)
	}
	ol := outW.(*lj.Logger)
	if filepath.Dir(ol.Filename) != dir {
		t.Fatalf("writer escaped service dir: %s", ol.Filename)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestServiceWriters_Defaults(t *testing.T) {
	outW, errW, _ := Config{}.ServiceWriters("n")
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when no ServiceDir set")
	}
	outW, errW, _ = Config{ServiceDir: t.TempDir()}.ServiceWriters("n")
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	if !ok1 || !ok2 {
		t.Fatalf("writers are not lumberjack.Logger")
	}
	if ol.MaxSize != 10 || ol.MaxBackups != 3 || ol.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	if el.MaxSize != 10 || el.MaxBackups != 3 || el.MaxAge != 7 {
		t.Fatalf("unexpected defaults (stderr): size=%d backups=%d age=%d", el.MaxSize, el.MaxBackups, el.MaxAge)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestServiceWriters_Overrides(t *testing.T) {
	cfg := Config{ServiceDir: t.TempDir(), File: FileConfig{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	outW, errW, _ := cfg.ServiceWriters("n")
	ol := outW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestConsoleHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewConsoleHandler(&buf, nil, false))
	l.With("service", "web").WithGroup("req").Info("started", "pid", 7)
	out := buf.String()
	if !strings.HasPrefix(out, "\033[32mINFO\033[0m ") {
		t.Fatalf("missing colored level prefix: %q", out)
	}
	if strings.Contains(out, "time=") || strings.Contains(out, "level=") {
		t.Fatalf("time/level should be omitted: %q", out)
	}
	if !strings.Contains(out, "service=web") || !strings.Contains(out, "req.pid=7") {
		t.Fatalf("attrs lost: %q", out)
	}
}

func TestConsoleHandler_TimeAndCustomLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true)
	at := time.Date(2024, 1, 2, 15, 4, 5, 6_000_000, time.UTC)
	r := slog.NewRecord(at, slog.LevelWarn+2, "slow sweep", 0)
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, ansiDim+"15:04:05.006"+ansiReset+" ") {
		t.Fatalf("missing clock prefix: %q", out)
	}
	if !strings.Contains(out, "\033[33mWARN+2\033[0m") {
		t.Fatalf("custom level should use warn color: %q", out)
	}
}
