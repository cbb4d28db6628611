// Package handlers implements the /api/v1 HTTP handlers of the orchestrator.
// Handlers depend on small service interfaces so they can be tested without a
// database; the router wires the concrete engines in.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/deploy"
	"github.com/odoo-orchestrator/orchestrator/internal/instances"
	"github.com/odoo-orchestrator/orchestrator/internal/merge"
	"github.com/odoo-orchestrator/orchestrator/internal/middleware"
)

// statusFor maps a service error onto an HTTP status code
func statusFor(err error) int {
	var versions *merge.VersionsNotFoundError
	switch {
	case apperrors.IsNotFound(err), errors.As(err, &versions):
		return http.StatusNotFound
	case apperrors.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, deploy.ErrInstanceBusy),
		errors.Is(err, deploy.ErrInvalidTransition),
		errors.Is(err, deploy.ErrNotRunning),
		errors.Is(err, instances.ErrNoBackupAvailable):
		return http.StatusConflict
	case errors.Is(err, instances.ErrBackupUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, instances.ErrMasterPasswordMissing):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are logged
// and replaced by a generic message.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", middleware.RequestIDFromContext(c.Request.Context()),
			"error", err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	body := gin.H{"error": err.Error()}
	var ve *apperrors.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	var versions *merge.VersionsNotFoundError
	if errors.As(err, &versions) {
		body["missing_version_ids"] = versions.IDs
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
}
