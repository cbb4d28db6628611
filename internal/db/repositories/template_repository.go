// template_repository.go implements TemplateRepository, providing database queries for
// templates and their insert-only version history (including branches).
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
)

const templateColumns = `id, name, description, industry, template_type, created_by, created_at, updated_at`

const versionColumns = `id, template_id, version, description, structure, branch_name,
	parent_version_id, is_merged, created_by, created_at`

// TemplateRepository handles database operations for templates and template versions.
// Versions are never updated: there is deliberately no UPDATE on template_versions.
type TemplateRepository struct {
	db *sqlx.DB
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *sqlx.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// CreateTemplate inserts a new template
func (r *TemplateRepository) CreateTemplate(ctx context.Context, tmpl *models.Template) error {
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	now := time.Now()
	tmpl.CreatedAt, tmpl.UpdatedAt = now, now

	query := `
		INSERT INTO templates (id, name, description, industry, template_type, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query,
		tmpl.ID, tmpl.Name, tmpl.Description, tmpl.Industry, tmpl.TemplateType,
		tmpl.CreatedBy, tmpl.CreatedAt, tmpl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID
func (r *TemplateRepository) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var tmpl models.Template
	err := r.db.GetContext(ctx, &tmpl, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &tmpl, nil
}

// ListTemplates lists templates, optionally filtered by industry
func (r *TemplateRepository) ListTemplates(ctx context.Context, industry string) ([]*models.Template, error) {
	var templates []*models.Template
	var err error
	if industry == "" {
		err = r.db.SelectContext(ctx, &templates, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	} else {
		err = r.db.SelectContext(ctx, &templates,
			`SELECT `+templateColumns+` FROM templates WHERE industry = $1 ORDER BY name`, industry)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

// CreateVersion inserts a new template version
func (r *TemplateRepository) CreateVersion(ctx context.Context, v *models.TemplateVersion) error {
	return insertVersion(ctx, r.db, v)
}

// CreateVersionTx inserts a new template version inside tx
func (r *TemplateRepository) CreateVersionTx(ctx context.Context, tx *sqlx.Tx, v *models.TemplateVersion) error {
	return insertVersion(ctx, tx, v)
}

// WithTx runs fn inside a transaction, committing only when fn returns nil
func (r *TemplateRepository) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertVersion(ctx context.Context, exec sqlx.ExecerContext, v *models.TemplateVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.CreatedAt = time.Now()

	query := `
		INSERT INTO template_versions (
			id, template_id, version, description, structure, branch_name,
			parent_version_id, is_merged, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := exec.ExecContext(ctx, query,
		v.ID, v.TemplateID, v.Version, v.Description, string(v.Structure), v.BranchName,
		v.ParentVersionID, v.IsMerged, v.CreatedBy, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template version: %w", err)
	}
	return nil
}

// GetVersion retrieves a template version by ID
func (r *TemplateRepository) GetVersion(ctx context.Context, id string) (*models.TemplateVersion, error) {
	var v models.TemplateVersion
	err := r.db.GetContext(ctx, &v, `SELECT `+versionColumns+` FROM template_versions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template version: %w", err)
	}
	return &v, nil
}

// ListVersions lists every version of a template, newest first
func (r *TemplateRepository) ListVersions(ctx context.Context, templateID string) ([]*models.TemplateVersion, error) {
	var versions []*models.TemplateVersion
	query := `SELECT ` + versionColumns + ` FROM template_versions
		WHERE template_id = $1 ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &versions, query, templateID); err != nil {
		return nil, fmt.Errorf("failed to list template versions: %w", err)
	}
	return versions, nil
}

// ListBranches lists the versions of a template that carry a branch name, newest first
func (r *TemplateRepository) ListBranches(ctx context.Context, templateID string) ([]*models.TemplateVersion, error) {
	var versions []*models.TemplateVersion
	query := `SELECT ` + versionColumns + ` FROM template_versions
		WHERE template_id = $1 AND branch_name IS NOT NULL
		ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &versions, query, templateID); err != nil {
		return nil, fmt.Errorf("failed to list template branches: %w", err)
	}
	return versions, nil
}

// LockTemplateTx takes a row lock on the template so concurrent version
// numbering for it serialises. Returns ErrNotFound when the template is absent.
func (r *TemplateRepository) LockTemplateTx(ctx context.Context, tx *sqlx.Tx, templateID string) error {
	var id string
	err := tx.GetContext(ctx, &id, `SELECT id FROM templates WHERE id = $1 FOR UPDATE`, templateID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("template %s: %w", templateID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock template: %w", err)
	}
	return nil
}

// ListVersionNumbersTx returns every version string of a template
func (r *TemplateRepository) ListVersionNumbersTx(ctx context.Context, tx *sqlx.Tx, templateID string) ([]string, error) {
	var numbers []string
	if err := tx.SelectContext(ctx, &numbers, `SELECT version FROM template_versions WHERE template_id = $1`, templateID); err != nil {
		return nil, fmt.Errorf("failed to list version numbers: %w", err)
	}
	return numbers, nil
}
