package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/connectorforge/forge/pkg/runner"
)

// abortWithError maps runner-layer errors to HTTP error responses.
func abortWithError(c *gin.Context, err error) {
	var ve *runner.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, runner.ErrUnknownThread):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown thread_id"})
	case errors.Is(err, runner.ErrTooManyPipelines):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, runner.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, runner.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("unexpected error in api handler", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
