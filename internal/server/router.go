package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/devpm/internal/manager"
	"github.com/loykin/devpm/internal/metrics"
	"github.com/loykin/devpm/internal/retention"
)

// Router provides embeddable HTTP handlers over a Manager.
// Endpoints, relative to basePath:
//
//	GET    /processes   query: project_dir, name
//	GET    /status      query: project_dir (required), name..., usage=1
//	GET    /logs        query: project_dir, name..., limit, after_id, since, type..., all=1, follow=1
//	POST   /start       body: StartRequest JSON
//	POST   /stop        body: {project_dir, names, force, timeout, wait}
//	POST   /restart     body: StartRequest JSON plus timeout
//	POST   /stdin       body: {project_dir, name, data, base64}
//	GET    /ports       query: project_dir
//	POST   /ports       body: {project_dir, service}
//	DELETE /ports       query: project_dir&service=... or port=...
//	POST   /clean       body: {project_dir, names} optional
//	GET    /metrics     when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	sweeper  *retention.Sweeper
	basePath string
	metrics  bool
	log      *slog.Logger
}

type Option func(*Router)

// WithSweeper enables POST /clean.
func WithSweeper(s *retention.Sweeper) Option { return func(r *Router) { r.sweeper = s } }

// WithMetrics exposes the Prometheus handler at /metrics.
func WithMetrics(enabled bool) Option { return func(r *Router) { r.metrics = enabled } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(mgr *mng.Manager, basePath string, opts ...Option) *Router {
	r := &Router{mgr: mgr, basePath: mountPath(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger(r.log))
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds every endpoint to an existing gin group, for hosts that
// bring their own engine and middleware.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/processes", r.handleProcesses)
	group.GET("/status", r.handleStatus)
	group.GET("/logs", r.handleLogs)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/stdin", r.handleStdin)
	group.GET("/ports", r.handleListPorts)
	group.POST("/ports", r.handleReservePort)
	group.DELETE("/ports", r.handleReleasePort)
	group.POST("/clean", r.handleClean)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

// NewServer returns an http.Server serving this router on addr. The caller
// runs ListenAndServe and Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Zero so follow-mode log streams are not cut off.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
