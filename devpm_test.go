package devpm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func openTest(t *testing.T) *Supervisor {
	t.Helper()
	t.Setenv("DEVPM_HOME", t.TempDir())
	s, err := Open(context.Background(), Options{Registry: filepath.Join(t.TempDir(), "reg.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAndPorts(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	project := t.TempDir()

	p, err := s.ReservePort(ctx, project, "api")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	again, err := s.ReservePort(ctx, project, "api")
	if !errors.Is(err, ErrAlreadyReserved) || again.Port != p.Port {
		t.Fatalf("second reserve = %+v, %v", again, err)
	}
	got, err := s.GetPort(ctx, project, "api")
	if err != nil || got.Port != p.Port {
		t.Fatalf("get = %+v, %v", got, err)
	}
	if _, err := s.ReleasePort(ctx, project, "api"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.GetPort(ctx, project, "api"); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("get after release: %v", err)
	}
}

func TestStopNothingRunning(t *testing.T) {
	s := openTest(t)
	_, err := s.Stop(context.Background(), StopRequest{ProjectDir: t.TempDir(), Names: []string{"web"}})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	s := openTest(t)
	rep, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !rep.Ran {
		t.Fatalf("forced sweep did not run: %+v", rep)
	}
}

func TestHandlerServesAPI(t *testing.T) {
	s := openTest(t)
	srv := httptest.NewServer(s.Handler("/api", false))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/processes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var infos []ServiceInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected empty registry, got %+v", infos)
	}
}

func TestRegisterRoutesOnGinGroup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := openTest(t)
	g := gin.New()
	s.RegisterRoutes(g.Group("/devpm"), true)
	if err := s.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		t.Fatalf("register metrics: %v", err)
	}

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devpm/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "devpm_") {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}
