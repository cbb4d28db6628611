package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/instances"
	"github.com/odoo-orchestrator/orchestrator/internal/middleware"
)

// InstanceService is implemented by *instances.Registry
type InstanceService interface {
	RegisterInstance(ctx context.Context, req instances.RegisterRequest) (*models.OdooInstance, error)
	GetInstance(ctx context.Context, id string) (*models.OdooInstance, error)
	ListInstances(ctx context.Context, companyID string) ([]*models.OdooInstance, error)
	UpdateCredentials(ctx context.Context, id, username, password string, odooShToken *string) error
	HealthCheck(ctx context.Context, id string) (*instances.HealthResult, error)
	CreateBackup(ctx context.Context, instanceID string, backupType models.BackupType, deploymentID *string) (*models.InstanceBackup, error)
	ListBackups(ctx context.Context, instanceID string) ([]*models.InstanceBackup, error)
	BackupDownloadURL(ctx context.Context, backupID string) (string, error)
}

// InstanceHandlers serves the instance, health and backup routes
type InstanceHandlers struct {
	svc InstanceService
}

// NewInstanceHandlers creates the handlers
func NewInstanceHandlers(svc InstanceService) *InstanceHandlers {
	return &InstanceHandlers{svc: svc}
}

// RegisterInstance stores a new instance with sealed credentials
// POST /api/v1/instances
func (h *InstanceHandlers) RegisterInstance(c *gin.Context) {
	var req instances.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if company := c.GetString(middleware.CompanyIDKey); company != "" && req.CompanyID != company {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot register instances for another company"})
		return
	}
	inst, err := h.svc.RegisterInstance(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// ListInstances lists the instances of the caller's company, or of ?company_id=
// GET /api/v1/instances
func (h *InstanceHandlers) ListInstances(c *gin.Context) {
	company := c.GetString(middleware.CompanyIDKey)
	if company == "" {
		company = c.Query("company_id")
	}
	if company == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "company_id is required", "field": "company_id"})
		return
	}
	list, err := h.svc.ListInstances(c.Request.Context(), company)
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*models.OdooInstance{}
	}
	c.JSON(http.StatusOK, gin.H{"instances": list})
}

// GetInstance returns an instance without its secrets
// GET /api/v1/instances/:id
func (h *InstanceHandlers) GetInstance(c *gin.Context) {
	inst, err := h.svc.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

type credentialsBody struct {
	AdminUsername string  `json:"admin_username" binding:"required"`
	AdminPassword string  `json:"admin_password" binding:"required"`
	OdooShToken   *string `json:"odoo_sh_token"`
}

// UpdateCredentials rotates the admin credentials of an instance
// PUT /api/v1/instances/:id/credentials
func (h *InstanceHandlers) UpdateCredentials(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.UpdateCredentials(c.Request.Context(), c.Param("id"), body.AdminUsername, body.AdminPassword, body.OdooShToken); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HealthCheck probes an instance now
// POST /api/v1/instances/:id/health-check
func (h *InstanceHandlers) HealthCheck(c *gin.Context) {
	res, err := h.svc.HealthCheck(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CreateBackup takes a manual backup and blocks until it has completed or
// failed. A backup that failed on the remote side is returned with 502.
// POST /api/v1/instances/:id/backups
func (h *InstanceHandlers) CreateBackup(c *gin.Context) {
	backup, err := h.svc.CreateBackup(c.Request.Context(), c.Param("id"), models.BackupTypeManual, nil)
	if err != nil {
		if backup != nil && statusFor(err) == http.StatusInternalServerError {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "backup": backup})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, backup)
}

// ListBackups lists the backups of an instance
// GET /api/v1/instances/:id/backups
func (h *InstanceHandlers) ListBackups(c *gin.Context) {
	list, err := h.svc.ListBackups(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*models.InstanceBackup{}
	}
	c.JSON(http.StatusOK, gin.H{"backups": list})
}

// DownloadBackup redirects to a short-lived download link
// GET /api/v1/backups/:id/download
func (h *InstanceHandlers) DownloadBackup(c *gin.Context) {
	url, err := h.svc.BackupDownloadURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, url)
}
