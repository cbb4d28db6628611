// deployment_repository.go implements DeploymentRepository, providing database queries for
// deployment rows, guarded status transitions and the append-only deployment log.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
)

var (
	// ErrNotFound is returned by updates that matched no row
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned when a guarded status update finds the row in another state
	ErrStatusConflict = errors.New("deployment status changed concurrently")
)

const deploymentColumns = `id, instance_id, template_id, template_version_id, template_type, status,
	progress, current_step, error_message, backup_id, backup_skipped, started_by,
	started_at, completed_at, duration_seconds, created_at, updated_at`

const deploymentLogColumns = `id, deployment_id, level, step, message, COALESCE(details, '{}') AS details, created_at`

// DeploymentRepository handles database operations for deployments and their logs
type DeploymentRepository struct {
	db *sqlx.DB
}

// NewDeploymentRepository creates a new deployment repository
func NewDeploymentRepository(db *sqlx.DB) *DeploymentRepository {
	return &DeploymentRepository{db: db}
}

// StatusUpdate describes a guarded transition From -> To plus optional columns
// written in the same statement. Nil fields keep their stored value.
type StatusUpdate struct {
	From            models.DeploymentStatus
	To              models.DeploymentStatus
	Progress        *int
	ErrorMessage    *string
	CompletedAt     *time.Time
	DurationSeconds *int
}

// CreateDeployment inserts a new deployment row
func (r *DeploymentRepository) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now()
	if d.StartedAt.IsZero() {
		d.StartedAt = now
	}
	d.CreatedAt, d.UpdatedAt = now, now

	query := `
		INSERT INTO deployments (
			id, instance_id, template_id, template_version_id, template_type, status,
			progress, started_by, started_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.InstanceID, d.TemplateID, d.TemplateVersionID, d.TemplateType, d.Status,
		d.Progress, d.StartedBy, d.StartedAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID
func (r *DeploymentRepository) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	var d models.Deployment
	err := r.db.GetContext(ctx, &d, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return &d, nil
}

// ListByInstance lists the most recent deployments of an instance, newest first
func (r *DeploymentRepository) ListByInstance(ctx context.Context, instanceID string, limit int) ([]*models.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	var deployments []*models.Deployment
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE instance_id = $1 ORDER BY started_at DESC LIMIT $2`
	if err := r.db.SelectContext(ctx, &deployments, query, instanceID, limit); err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	return deployments, nil
}

// ListStale returns pending or in-progress deployments started before cutoff
func (r *DeploymentRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Deployment, error) {
	var deployments []*models.Deployment
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status IN ('pending', 'in_progress') AND started_at < $1
		ORDER BY started_at`
	if err := r.db.SelectContext(ctx, &deployments, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list stale deployments: %w", err)
	}
	return deployments, nil
}

// UpdateStatus applies a guarded status transition. The row is only changed when
// its current status still equals u.From; otherwise ErrStatusConflict is returned.
func (r *DeploymentRepository) UpdateStatus(ctx context.Context, id string, u StatusUpdate) error {
	query := `
		UPDATE deployments SET
			status = $3,
			progress = COALESCE($4, progress),
			error_message = COALESCE($5, error_message),
			completed_at = COALESCE($6, completed_at),
			duration_seconds = COALESCE($7, duration_seconds),
			updated_at = $8
		WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query,
		id, u.From, u.To, u.Progress, u.ErrorMessage, u.CompletedAt, u.DurationSeconds, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deployment %s %s -> %s: %w", id, u.From, u.To, ErrStatusConflict)
	}
	return nil
}

// UpdateProgress records the current step and progress percentage
func (r *DeploymentRepository) UpdateProgress(ctx context.Context, id string, progress int, step string) error {
	query := `UPDATE deployments SET progress = $2, current_step = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, progress, step, time.Now()); err != nil {
		return fmt.Errorf("failed to update deployment progress: %w", err)
	}
	return nil
}

// SetBackup records the pre-flight backup, or that it was skipped
func (r *DeploymentRepository) SetBackup(ctx context.Context, id string, backupID *string, skipped bool) error {
	query := `UPDATE deployments SET backup_id = $2, backup_skipped = $3, updated_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, backupID, skipped, time.Now()); err != nil {
		return fmt.Errorf("failed to set deployment backup: %w", err)
	}
	return nil
}

// AppendLog inserts one log entry. Entries are never updated or deleted.
func (r *DeploymentRepository) AppendLog(ctx context.Context, entry *models.DeploymentLog) error {
	query := `
		INSERT INTO deployment_logs (deployment_id, level, step, message, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	// lib/pq sends []byte as bytea, so jsonb goes over the wire as text
	details := "{}"
	if len(entry.Details) > 0 {
		details = string(entry.Details)
	}
	err := r.db.QueryRowxContext(ctx, query,
		entry.DeploymentID, entry.Level, entry.Step, entry.Message, details,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append deployment log: %w", err)
	}
	return nil
}

// ListLogs returns log entries of a deployment in the order they were written.
// An empty level returns every level; a positive limit keeps the most recent entries.
func (r *DeploymentRepository) ListLogs(ctx context.Context, deploymentID string, level models.LogLevel, limit int) ([]*models.DeploymentLog, error) {
	args := []interface{}{deploymentID}
	inner := `SELECT ` + deploymentLogColumns + ` FROM deployment_logs WHERE deployment_id = $1`
	if level != "" {
		args = append(args, level)
		inner += fmt.Sprintf(" AND level = $%d", len(args))
	}

	var query string
	if limit > 0 {
		args = append(args, limit)
		query = fmt.Sprintf(`SELECT * FROM (%s ORDER BY id DESC LIMIT $%d) recent ORDER BY id ASC`, inner, len(args))
	} else {
		query = inner + ` ORDER BY id ASC`
	}

	var logs []*models.DeploymentLog
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list deployment logs: %w", err)
	}
	return logs, nil
}
