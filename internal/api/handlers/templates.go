package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/merge"
	"github.com/odoo-orchestrator/orchestrator/internal/middleware"
	"github.com/odoo-orchestrator/orchestrator/internal/templates"
)

// TemplateCatalog is implemented by *templates.Store
type TemplateCatalog interface {
	CreateTemplate(ctx context.Context, req templates.CreateTemplateRequest) (*models.Template, error)
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListTemplates(ctx context.Context, industry string) ([]*models.Template, error)
	CreateVersion(ctx context.Context, req templates.CreateVersionRequest) (*models.TemplateVersion, error)
	GetVersion(ctx context.Context, id string) (*models.TemplateVersion, error)
	ListVersions(ctx context.Context, templateID string) ([]*models.TemplateVersion, error)
}

// VersionControl is implemented by *merge.Engine
type VersionControl interface {
	MergeVersions(ctx context.Context, req merge.Request) (*merge.Result, error)
	CreateBranch(ctx context.Context, templateID, baseVersionID, branchName string, userID *string) (*models.TemplateVersion, error)
	GetBranches(ctx context.Context, templateID string) ([]*models.TemplateVersion, error)
	CompareVersions(ctx context.Context, fromID, toID string) (*merge.Comparison, error)
}

// TemplateHandlers serves the template, version, branch and merge routes
type TemplateHandlers struct {
	catalog  TemplateCatalog
	versions VersionControl
}

// NewTemplateHandlers creates the handlers
func NewTemplateHandlers(catalog TemplateCatalog, versions VersionControl) *TemplateHandlers {
	return &TemplateHandlers{catalog: catalog, versions: versions}
}

// ListTemplates lists templates
// GET /api/v1/templates?industry=
func (h *TemplateHandlers) ListTemplates(c *gin.Context) {
	list, err := h.catalog.ListTemplates(c.Request.Context(), c.Query("industry"))
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*models.Template{}
	}
	c.JSON(http.StatusOK, gin.H{"templates": list})
}

// CreateTemplate creates a template
// POST /api/v1/templates
func (h *TemplateHandlers) CreateTemplate(c *gin.Context) {
	var req templates.CreateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.CreatedBy = middleware.UserID(c)
	tmpl, err := h.catalog.CreateTemplate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tmpl)
}

// GetTemplate returns a template
// GET /api/v1/templates/:id
func (h *TemplateHandlers) GetTemplate(c *gin.Context) {
	tmpl, err := h.catalog.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

type createVersionBody struct {
	Version     string          `json:"version"`
	Description *string         `json:"description"`
	Structure   json.RawMessage `json:"structure" binding:"required"`
}

// CreateVersion stores a new mainline version. The structure is checked against
// the JSON schema before it is decoded.
// POST /api/v1/templates/:id/versions
func (h *TemplateHandlers) CreateVersion(c *gin.Context) {
	var body createVersionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	structure, err := templates.Parse(body.Structure)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "structure"})
		return
	}
	v, err := h.catalog.CreateVersion(c.Request.Context(), templates.CreateVersionRequest{
		TemplateID:  c.Param("id"),
		Version:     body.Version,
		Description: body.Description,
		Structure:   structure,
		CreatedBy:   middleware.UserID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// ListVersions lists every version of a template
// GET /api/v1/templates/:id/versions
func (h *TemplateHandlers) ListVersions(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.catalog.GetTemplate(ctx, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	list, err := h.catalog.ListVersions(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if list == nil {
		list = []*models.TemplateVersion{}
	}
	c.JSON(http.StatusOK, gin.H{"versions": list})
}

// GetVersion returns one version including its structure
// GET /api/v1/templates/versions/:version_id
func (h *TemplateHandlers) GetVersion(c *gin.Context) {
	v, err := h.catalog.GetVersion(c.Request.Context(), c.Param("version_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// @Summary      Merge template versions
// @Description  Three-way merge of source into target relative to base. Returns 409 with the unresolved conflicts when operator input is needed.
// @Tags         Templates
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  merge.Result
// @Failure      404  {object}  map[string]interface{}  "One or more versions not found"
// @Failure      409  {object}  merge.Result  "Unresolved conflicts"
// @Router       /api/v1/templates/versions/merge [post]
// MergeVersions merges template versions
// POST /api/v1/templates/versions/merge
func (h *TemplateHandlers) MergeVersions(c *gin.Context) {
	var req merge.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.CreatedBy = middleware.UserID(c)

	result, err := h.versions.MergeVersions(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

type createBranchBody struct {
	BaseVersionID string `json:"base_version_id" binding:"required"`
	BranchName    string `json:"branch_name" binding:"required"`
}

// CreateBranch snapshots a version under a branch name
// POST /api/v1/templates/:id/branches
func (h *TemplateHandlers) CreateBranch(c *gin.Context) {
	var body createBranchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	v, err := h.versions.CreateBranch(c.Request.Context(), c.Param("id"), body.BaseVersionID, body.BranchName, middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// GetBranches lists the branches of a template
// GET /api/v1/templates/:id/branches
func (h *TemplateHandlers) GetBranches(c *gin.Context) {
	list, err := h.versions.GetBranches(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": list})
}

// CompareVersions returns the structural changelog between two versions
// GET /api/v1/templates/versions/compare?from=&to=
func (h *TemplateHandlers) CompareVersions(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	if from == "" || to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to query parameters are required"})
		return
	}
	cmp, err := h.versions.CompareVersions(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}
