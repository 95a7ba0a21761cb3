package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type reserveBody struct {
	ProjectDir string `json:"project_dir"`
	Service    string `json:"service"`
}

func (r *Router) handleListPorts(c *gin.Context) {
	dir := c.Query("project_dir")
	if dir != "" && !requireProject(c, dir) {
		return
	}
	ps, err := r.mgr.Ports().List(c.Request.Context(), dir)
	if err != nil {
		handleManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

// handleReservePort answers 201 for a new reservation and 409 with the
// existing port when the service already holds one.
func (r *Router) handleReservePort(c *gin.Context) {
	var body reserveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		handleBindingError(c, err)
		return
	}
	if !requireProject(c, body.ProjectDir) {
		return
	}
	if body.Service != "" && !requireNames(c, []string{body.Service}, false) {
		return
	}
	rp, err := r.mgr.Ports().Reserve(c.Request.Context(), body.ProjectDir, body.Service)
	if err != nil {
		code, status := classify(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error(), "port": rp.Port})
		return
	}
	c.JSON(http.StatusCreated, rp)
}

// handleReleasePort releases by port number, by service, or every
// reservation of a project.
func (r *Router) handleReleasePort(c *gin.Context) {
	ctx := c.Request.Context()
	if p := c.Query("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			respondError(c, http.StatusBadRequest, "invalid_request", "port must be 1-65535")
			return
		}
		if err := r.mgr.Ports().ReleasePort(ctx, port); err != nil {
			handleManagerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"released": []int{port}})
		return
	}

	dir := c.Query("project_dir")
	if !requireProject(c, dir) {
		return
	}
	if svc := c.Query("service"); svc != "" {
		if !requireNames(c, []string{svc}, false) {
			return
		}
		rp, err := r.mgr.Ports().Release(ctx, dir, svc)
		if err != nil {
			handleManagerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"released": []int{rp.Port}})
		return
	}
	n, err := r.mgr.Ports().ReleaseProject(ctx, dir)
	if err != nil {
		handleManagerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released_count": n})
}
