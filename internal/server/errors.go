package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/devpm/internal/manager"
	"github.com/loykin/devpm/internal/ports"
	"github.com/loykin/devpm/internal/registry"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respondError sends a standardized error response
func respondError(c *gin.Context, statusCode int, errorCode, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// handleBindingError handles JSON binding errors
func handleBindingError(c *gin.Context, err error) {
	respondError(c, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
}

// handleManagerError maps usage errors to 4xx and everything else to 500.
func handleManagerError(c *gin.Context, err error) {
	code, status := classify(err)
	respondError(c, status, code, err.Error())
}

func classify(err error) (string, int) {
	var sf *mng.StartFailedError
	switch {
	case errors.As(err, &sf):
		return "start_failed", http.StatusUnprocessableEntity
	case errors.Is(err, mng.ErrBadEncoding):
		return "invalid_request", http.StatusBadRequest
	case errors.Is(err, mng.ErrAmbiguousName):
		return "ambiguous_name", http.StatusConflict
	case errors.Is(err, mng.ErrAlreadyRunning):
		return "already_running", http.StatusConflict
	case errors.Is(err, ports.ErrAlreadyReserved):
		return "already_reserved", http.StatusConflict
	case errors.Is(err, mng.ErrNotRunning):
		return "not_running", http.StatusNotFound
	case errors.Is(err, mng.ErrUnknownService):
		return "unknown_service", http.StatusNotFound
	case errors.Is(err, ports.ErrNotReserved), errors.Is(err, registry.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, ports.ErrNoPortAvailable):
		return "no_port_available", http.StatusServiceUnavailable
	case errors.Is(err, mng.ErrStartTimeout), errors.Is(err, mng.ErrWaitTimeout):
		return "timeout", http.StatusGatewayTimeout
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(c *gin.Context, key string) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative number")
	}
	return n, nil
}
