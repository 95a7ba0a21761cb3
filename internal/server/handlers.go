package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devpm/internal/lifecycle"
	mng "github.com/loykin/devpm/internal/manager"
	"github.com/loykin/devpm/internal/registry"
)

// requireProject validates a project_dir value and writes a 400 if it is
// unusable.
func requireProject(c *gin.Context, dir string) bool {
	if dir == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "project_dir required")
		return false
	}
	if !validProjectDir(dir) {
		respondError(c, http.StatusBadRequest, "invalid_request", "invalid project_dir: must be an absolute path without traversal")
		return false
	}
	return true
}

func requireNames(c *gin.Context, names []string, wildcards bool) bool {
	for _, n := range names {
		if !validName(n, wildcards) {
			respondError(c, http.StatusBadRequest, "invalid_request", "invalid name "+n+": allowed [A-Za-z0-9._-] and no '..' or path separators")
			return false
		}
	}
	return true
}

func (r *Router) handleProcesses(c *gin.Context) {
	q := mng.ListQuery{ProjectDir: c.Query("project_dir"), Name: c.Query("name")}
	if q.ProjectDir != "" && !requireProject(c, q.ProjectDir) {
		return
	}
	if q.Name != "" && !requireNames(c, []string{q.Name}, true) {
		return
	}
	infos, err := r.mgr.List(c.Request.Context(), q)
	if err != nil {
		handleManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, infos)
}

func (r *Router) handleStatus(c *gin.Context) {
	req := mng.StatusRequest{
		ProjectDir: c.Query("project_dir"),
		Names:      c.QueryArray("name"),
		Usage:      c.Query("usage") == "1" || c.Query("usage") == "true",
	}
	if !requireProject(c, req.ProjectDir) || !requireNames(c, req.Names, false) {
		return
	}
	sts, err := r.mgr.Status(c.Request.Context(), req)
	if err != nil {
		handleManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, sts)
}

func (r *Router) handleLogs(c *gin.Context) {
	q := registry.LogQuery{ProjectDir: c.Query("project_dir"), CommandNames: c.QueryArray("name")}
	if q.ProjectDir != "" && !requireProject(c, q.ProjectDir) {
		return
	}
	if !requireNames(c, q.CommandNames, false) {
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	after, err := queryInt(c, "after_id")
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q.Limit, q.AfterID = int(limit), after
	if s := c.Query("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request", "since must be a duration like 5m")
			return
		}
		q.Since = time.Now().Add(-d)
	}
	for _, t := range c.QueryArray("type") {
		lt := registry.LogType(t)
		if !lt.Valid() {
			respondError(c, http.StatusBadRequest, "invalid_request", "unknown log type "+t)
			return
		}
		q.Types = append(q.Types, lt)
	}
	policy := lifecycle.LiveOnly
	if c.Query("all") == "1" || c.Query("all") == "true" {
		policy = lifecycle.KeepAll
	}

	if c.Query("follow") == "1" || c.Query("follow") == "true" {
		r.streamLogs(c, mng.FollowRequest{Query: q, Policy: policy})
		return
	}
	evs, err := r.mgr.Logs(c.Request.Context(), q, policy)
	if err != nil {
		handleManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, evs)
}

// streamLogs serves follow mode as server-sent events until the client
// goes away.
func (r *Router) streamLogs(c *gin.Context, req mng.FollowRequest) {
	ctx := c.Request.Context()
	ch := make(chan registry.LogEvent, 256)
	done := make(chan error, 1)
	go func() {
		defer close(ch)
		done <- r.mgr.Follow(ctx, req, func(evs []registry.LogEvent) error {
			for _, e := range evs {
				select {
				case ch <- e:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}()
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		e, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent(string(e.Type), e)
		return true
	})
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("log follow ended", "error", err)
	}
}

func (r *Router) handleStart(c *gin.Context) {
	var req mng.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleBindingError(c, err)
		return
	}
	if !requireProject(c, req.ProjectDir) || !r.validStart(c, req) {
		return
	}
	res, err := r.mgr.Start(c.Request.Context(), req)
	if err != nil {
		handleManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) validStart(c *gin.Context, req mng.StartRequest) bool {
	if req.Name == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "name required")
		return false
	}
	if !requireNames(c, []string{req.Name}, false) {
		return false
	}
	if !validRoot(req.Root) {
		respondError(c, http.StatusBadRequest, "invalid_request", "invalid root: must be relative to project_dir without traversal")
		return false
	}
	return true
}

type stopBody struct {
	ProjectDir string   `json:"project_dir"`
	Names      []string `json:"names"`
	Force      bool     `json:"force"`
	// Timeout is a Go duration string; default 5s.
	Timeout string `json:"timeout"`
	Wait    bool   `json:"wait"`
}

func (b stopBody) request() (mng.StopRequest, error) {
	req := mng.StopRequest{ProjectDir: b.ProjectDir, Names: b.Names, Force: b.Force, WaitExit: b.Wait, Timeout: mng.DefaultStopTimeout}
	if b.Timeout != "" {
		d, err := time.ParseDuration(b.Timeout)
		if err != nil || d < 0 {
			return req, errors.New("timeout must be a duration like 5s")
		}
		req.Timeout = d
	}
	return req, nil
}

func (r *Router) handleStop(c *gin.Context) {
	var body stopBody
	if err := c.ShouldBindJSON(&body); err != nil {
		handleBindingError(c, err)
		return
	}
	if !requireProject(c, body.ProjectDir) || !requireNames(c, body.Names, true) {
		return
	}
	req, err := body.request()
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	results, err := r.mgr.Stop(c.Request.Context(), req)
	if err != nil {
		handleManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

type restartBody struct {
	mng.StartRequest
	Timeout string `json:"timeout"`
}

func (r *Router) handleRestart(c *gin.Context) {
	var body restartBody
	if err := c.ShouldBindJSON(&body); err != nil {
		handleBindingError(c, err)
		return
	}
	if !requireProject(c, body.ProjectDir) || !r.validStart(c, body.StartRequest) {
		return
	}
	stop, err := stopBody{Timeout: body.Timeout}.request()
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := r.mgr.Restart(c.Request.Context(), body.StartRequest, stop)
	if err != nil {
		handleManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type stdinBody struct {
	ProjectDir string `json:"project_dir"`
	Name       string `json:"name"`
	Data       string `json:"data"`
	Base64     bool   `json:"base64"`
}

func (r *Router) handleStdin(c *gin.Context) {
	var body stdinBody
	if err := c.ShouldBindJSON(&body); err != nil {
		handleBindingError(c, err)
		return
	}
	if !requireProject(c, body.ProjectDir) || !requireNames(c, []string{body.Name}, false) {
		return
	}
	id, err := r.mgr.SendStdin(c.Request.Context(), body.ProjectDir, body.Name, body.Data, body.Base64)
	if err != nil {
		handleManagerError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

type cleanBody struct {
	ProjectDir string   `json:"project_dir"`
	Names      []string `json:"names"`
}

// handleClean forces a retention sweep. With project_dir it also clears the
// stored logs of that project (or of the named services).
func (r *Router) handleClean(c *gin.Context) {
	var body cleanBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			handleBindingError(c, err)
			return
		}
	}
	resp := gin.H{}
	if body.ProjectDir != "" {
		if !requireProject(c, body.ProjectDir) || !requireNames(c, body.Names, false) {
			return
		}
		n, err := r.mgr.ClearLogs(c.Request.Context(), body.ProjectDir, body.Names)
		if err != nil {
			handleManagerError(c, err)
			return
		}
		resp["cleared_logs"] = n
	}
	if r.sweeper != nil {
		rep, err := r.sweeper.Run(c.Request.Context())
		if err != nil {
			handleManagerError(c, err)
			return
		}
		resp["sweep"] = rep
	}
	c.JSON(http.StatusOK, resp)
}
