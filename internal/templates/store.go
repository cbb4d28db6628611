package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/db/repositories"
)

// Repository is the persistence the store needs; *repositories.TemplateRepository implements it
type Repository interface {
	CreateTemplate(ctx context.Context, tmpl *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListTemplates(ctx context.Context, industry string) ([]*models.Template, error)
	CreateVersion(ctx context.Context, v *models.TemplateVersion) error
	CreateVersionTx(ctx context.Context, tx *sqlx.Tx, v *models.TemplateVersion) error
	GetVersion(ctx context.Context, id string) (*models.TemplateVersion, error)
	ListVersions(ctx context.Context, templateID string) ([]*models.TemplateVersion, error)
	ListBranches(ctx context.Context, templateID string) ([]*models.TemplateVersion, error)
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	LockTemplateTx(ctx context.Context, tx *sqlx.Tx, templateID string) error
	ListVersionNumbersTx(ctx context.Context, tx *sqlx.Tx, templateID string) ([]string, error)
}

// Store is the template service used by the API, the deployment engine and the merge engine
type Store struct {
	repo Repository
}

// NewStore creates a Store
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// CreateTemplateRequest holds the fields of a new template
type CreateTemplateRequest struct {
	Name         string  `json:"name" binding:"required"`
	Description  *string `json:"description"`
	Industry     *string `json:"industry"`
	TemplateType string  `json:"template_type"`
	CreatedBy    *string `json:"-"`
}

// CreateTemplate validates and stores a template
func (s *Store) CreateTemplate(ctx context.Context, req CreateTemplateRequest) (*models.Template, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, &apperrors.ValidationError{Field: "name", Message: "is required"}
	}
	tmpl := &models.Template{
		Name:         name,
		Description:  req.Description,
		Industry:     req.Industry,
		TemplateType: req.TemplateType,
		CreatedBy:    req.CreatedBy,
	}
	if tmpl.TemplateType == "" {
		tmpl.TemplateType = "standard"
	}
	if err := s.repo.CreateTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// GetTemplate returns a template or a NotFoundError
func (s *Store) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	tmpl, err := s.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, apperrors.NewNotFound("Template", id)
	}
	return tmpl, nil
}

// ListTemplates lists templates, optionally filtered by industry
func (s *Store) ListTemplates(ctx context.Context, industry string) ([]*models.Template, error) {
	return s.repo.ListTemplates(ctx, industry)
}

// CreateVersionRequest holds the fields of a new mainline version
type CreateVersionRequest struct {
	TemplateID  string
	Version     string
	Description *string
	Structure   *TemplateStructure
	CreatedBy   *string
}

// CreateVersion validates the structure and inserts a new version. An empty
// Version is numbered as the next patch after the current highest.
func (s *Store) CreateVersion(ctx context.Context, req CreateVersionRequest) (*models.TemplateVersion, error) {
	if _, err := s.GetTemplate(ctx, req.TemplateID); err != nil {
		return nil, err
	}
	structure := req.Structure
	if structure == nil {
		structure = &TemplateStructure{}
	}
	if err := structure.Validate(); err != nil {
		return nil, &apperrors.ValidationError{Field: "structure", Message: err.Error()}
	}
	raw, err := Encode(structure)
	if err != nil {
		return nil, err
	}
	if err := ValidateJSON(raw); err != nil {
		return nil, &apperrors.ValidationError{Field: "structure", Message: err.Error()}
	}

	v := &models.TemplateVersion{
		TemplateID:  req.TemplateID,
		Version:     req.Version,
		Description: req.Description,
		Structure:   raw,
		CreatedBy:   req.CreatedBy,
	}
	if v.Version == "" {
		if err := s.CreateNextVersion(ctx, v); err != nil {
			return nil, err
		}
		return v, nil
	}

	if err := ValidateVersion(v.Version); err != nil {
		return nil, &apperrors.ValidationError{Field: "version", Message: err.Error()}
	}
	existing, err := s.repo.ListVersions(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.BranchName == nil && e.Version == v.Version {
			return nil, &apperrors.ValidationError{Field: "version", Message: fmt.Sprintf("version %s already exists", v.Version)}
		}
	}
	if err := s.repo.CreateVersion(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// CreateNextVersion numbers v as the next patch after the highest existing
// version of its template and inserts it, all inside one transaction holding
// the template row lock.
func (s *Store) CreateNextVersion(ctx context.Context, v *models.TemplateVersion) error {
	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repo.LockTemplateTx(ctx, tx, v.TemplateID); err != nil {
			return err
		}
		numbers, err := s.repo.ListVersionNumbersTx(ctx, tx, v.TemplateID)
		if err != nil {
			return err
		}
		if len(numbers) == 0 {
			v.Version = InitialVersion
		} else {
			v.Version = NextPatchVersion(HighestVersion(numbers))
		}
		return s.repo.CreateVersionTx(ctx, tx, v)
	})
	if errors.Is(err, repositories.ErrNotFound) {
		return apperrors.NewNotFound("Template", v.TemplateID)
	}
	return err
}

// CreateBranchVersion inserts a branch snapshot. The caller supplies the version
// number, branch name and parent.
func (s *Store) CreateBranchVersion(ctx context.Context, v *models.TemplateVersion) error {
	if v.BranchName == nil || *v.BranchName == "" {
		return &apperrors.ValidationError{Field: "branch_name", Message: "is required"}
	}
	return s.repo.CreateVersion(ctx, v)
}

// GetVersion returns a version or a NotFoundError
func (s *Store) GetVersion(ctx context.Context, id string) (*models.TemplateVersion, error) {
	v, err := s.repo.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apperrors.NewNotFound("Template version", id)
	}
	return v, nil
}

// FindVersion is GetVersion without the NotFoundError: a missing version is (nil, nil)
func (s *Store) FindVersion(ctx context.Context, id string) (*models.TemplateVersion, error) {
	return s.repo.GetVersion(ctx, id)
}

// LoadStructure decodes the structure of a stored version
func (s *Store) LoadStructure(v *models.TemplateVersion) (*TemplateStructure, error) {
	return Decode(v.Structure)
}

// ListVersions lists all versions of a template, newest first
func (s *Store) ListVersions(ctx context.Context, templateID string) ([]*models.TemplateVersion, error) {
	return s.repo.ListVersions(ctx, templateID)
}

// ListBranches lists the branch versions of a template, newest first
func (s *Store) ListBranches(ctx context.Context, templateID string) ([]*models.TemplateVersion, error) {
	return s.repo.ListBranches(ctx, templateID)
}

// LatestVersion returns the highest mainline version of a template
func (s *Store) LatestVersion(ctx context.Context, templateID string) (*models.TemplateVersion, error) {
	versions, err := s.repo.ListVersions(ctx, templateID)
	if err != nil {
		return nil, err
	}
	latest := LatestMainline(versions)
	if latest == nil {
		return nil, apperrors.NewNotFound("Template version", templateID)
	}
	return latest, nil
}
