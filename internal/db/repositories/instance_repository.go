// instance_repository.go implements InstanceRepository, providing database queries for
// Odoo instances, their encrypted credentials and health-check bookkeeping.
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

const instanceColumns = `id, company_id, name, instance_url, database_name, deployment_method,
	admin_username, admin_password_encrypted, odoo_sh_project, odoo_sh_branch,
	odoo_sh_token_encrypted, status, health_check_interval, last_health_check_at,
	last_health_status, odoo_version, created_at, updated_at`

// InstanceRepository handles database operations for Odoo instances
type InstanceRepository struct {
	db *sqlx.DB
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sqlx.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// CreateInstance inserts a new instance. Credentials must already be encrypted.
func (r *InstanceRepository) CreateInstance(ctx context.Context, inst *models.OdooInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Status == "" {
		inst.Status = models.InstanceStatusActive
	}
	if inst.HealthCheckInterval <= 0 {
		inst.HealthCheckInterval = 300
	}
	now := time.Now()
	inst.CreatedAt, inst.UpdatedAt = now, now

	query := `
		INSERT INTO odoo_instances (
			id, company_id, name, instance_url, database_name, deployment_method,
			admin_username, admin_password_encrypted, odoo_sh_project, odoo_sh_branch,
			odoo_sh_token_encrypted, status, health_check_interval, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.db.ExecContext(ctx, query,
		inst.ID, inst.CompanyID, inst.Name, inst.InstanceURL, inst.DatabaseName, inst.DeploymentMethod,
		inst.AdminUsername, inst.AdminPasswordEncrypted, inst.OdooShProject, inst.OdooShBranch,
		inst.OdooShTokenEncrypted, inst.Status, inst.HealthCheckInterval, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID
func (r *InstanceRepository) GetInstance(ctx context.Context, id string) (*models.OdooInstance, error) {
	var inst models.OdooInstance
	query := `SELECT ` + instanceColumns + ` FROM odoo_instances WHERE id = $1`
	err := r.db.GetContext(ctx, &inst, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &inst, nil
}

// ListInstances lists instances for a company, or every instance when companyID is empty
func (r *InstanceRepository) ListInstances(ctx context.Context, companyID string) ([]*models.OdooInstance, error) {
	var instances []*models.OdooInstance
	var err error
	if companyID == "" {
		err = r.db.SelectContext(ctx, &instances,
			`SELECT `+instanceColumns+` FROM odoo_instances ORDER BY created_at DESC`)
	} else {
		err = r.db.SelectContext(ctx, &instances,
			`SELECT `+instanceColumns+` FROM odoo_instances WHERE company_id = $1 ORDER BY created_at DESC`, companyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return instances, nil
}

// ListMonitored returns instances that are eligible for periodic health checks
func (r *InstanceRepository) ListMonitored(ctx context.Context) ([]*models.OdooInstance, error) {
	var instances []*models.OdooInstance
	query := `SELECT ` + instanceColumns + ` FROM odoo_instances
		WHERE status NOT IN ('suspended', 'inactive')
		ORDER BY last_health_check_at ASC NULLS FIRST`
	if err := r.db.SelectContext(ctx, &instances, query); err != nil {
		return nil, fmt.Errorf("failed to list monitored instances: %w", err)
	}
	return instances, nil
}

// UpdateCredentials replaces the encrypted admin credentials. A nil token leaves
// the stored Odoo.sh token untouched.
func (r *InstanceRepository) UpdateCredentials(ctx context.Context, id, username, passwordEncrypted string, tokenEncrypted *string) error {
	query := `
		UPDATE odoo_instances SET
			admin_username = $2, admin_password_encrypted = $3,
			odoo_sh_token_encrypted = COALESCE($4, odoo_sh_token_encrypted),
			updated_at = $5
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, username, passwordEncrypted, tokenEncrypted, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update instance credentials: %w", err)
	}
	return requireOneRow(res, "instance", id)
}

// UpdateStatus sets the lifecycle status of an instance
func (r *InstanceRepository) UpdateStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	query := `UPDATE odoo_instances SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	return requireOneRow(res, "instance", id)
}

// RecordHealthCheck stores the outcome of a health check
func (r *InstanceRepository) RecordHealthCheck(ctx context.Context, id string, status models.InstanceStatus, healthStatus string, odooVersion *string, checkedAt time.Time) error {
	query := `
		UPDATE odoo_instances SET
			status = $2, last_health_status = $3,
			odoo_version = COALESCE($4, odoo_version),
			last_health_check_at = $5, updated_at = $5
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, healthStatus, odooVersion, checkedAt); err != nil {
		return fmt.Errorf("failed to record health check: %w", err)
	}
	return nil
}

// requireOneRow converts a zero-row UPDATE into ErrNotFound
func requireOneRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", resource, id, ErrNotFound)
	}
	return nil
}
