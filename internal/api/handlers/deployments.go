package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/deploy"
	"github.com/odoo-orchestrator/orchestrator/internal/middleware"
)

// DeploymentService is implemented by *deploy.Engine
type DeploymentService interface {
	DeployTemplate(ctx context.Context, req deploy.Request) (*models.Deployment, error)
	GetDeploymentStatus(ctx context.Context, id string) (*models.Deployment, error)
	GetDeploymentLogs(ctx context.Context, id string, filter deploy.LogFilter) ([]*models.DeploymentLog, error)
	RollbackDeployment(ctx context.Context, id string) (*models.Deployment, error)
	Cancel(ctx context.Context, id string) error
	ListDeployments(ctx context.Context, instanceID string, limit int) ([]*models.Deployment, error)
}

// DeploymentHandlers serves the deployment routes
type DeploymentHandlers struct {
	svc DeploymentService
}

// NewDeploymentHandlers creates the handlers
func NewDeploymentHandlers(svc DeploymentService) *DeploymentHandlers {
	return &DeploymentHandlers{svc: svc}
}

// @Summary      Start a deployment
// @Description  Applies a template version to an instance in the background. Without template_version_id the latest mainline version is used.
// @Tags         Deployments
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      202  {object}  map[string]interface{}  "deployment_id, status"
// @Failure      404  {object}  map[string]interface{}  "Instance or template not found"
// @Failure      409  {object}  map[string]interface{}  "Instance busy"
// @Router       /api/v1/deployments [post]
// CreateDeployment starts a deployment
// POST /api/v1/deployments
func (h *DeploymentHandlers) CreateDeployment(c *gin.Context) {
	var req deploy.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.UserID = middleware.UserID(c)

	d, err := h.svc.DeployTemplate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"deployment_id": d.ID,
		"status":        d.Status,
	})
}

// GetDeployment returns the status projection of a deployment
// GET /api/v1/deployments/:id
func (h *DeploymentHandlers) GetDeployment(c *gin.Context) {
	d, err := h.svc.GetDeploymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetDeploymentLogs lists log entries, optionally filtered by level
// GET /api/v1/deployments/:id/logs?level=&limit=
func (h *DeploymentHandlers) GetDeploymentLogs(c *gin.Context) {
	filter := deploy.LogFilter{Level: models.LogLevel(c.Query("level"))}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer", "field": "limit"})
			return
		}
		filter.Limit = n
	}

	logs, err := h.svc.GetDeploymentLogs(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []*models.DeploymentLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// RollbackDeployment restores the pre-deployment backup of a failed deployment
// POST /api/v1/deployments/:id/rollback
func (h *DeploymentHandlers) RollbackDeployment(c *gin.Context) {
	d, err := h.svc.RollbackDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// CancelDeployment asks a running deployment to stop
// POST /api/v1/deployments/:id/cancel
func (h *DeploymentHandlers) CancelDeployment(c *gin.Context) {
	if err := h.svc.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"deployment_id": c.Param("id"), "cancelling": true})
}

// ListInstanceDeployments lists the deployments of an instance
// GET /api/v1/instances/:id/deployments?limit=
func (h *DeploymentHandlers) ListInstanceDeployments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.svc.ListDeployments(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*models.Deployment{}
	}
	c.JSON(http.StatusOK, gin.H{"deployments": list})
}
