// backup_repository.go implements BackupRepository, providing database queries for
// instance backups used as deployment rollback targets.
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

const backupColumns = `id, instance_id, deployment_id, backup_type, status, size_bytes, storage_path,
	download_url, external_ref, checksum, error_message, created_at, completed_at`

// BackupRepository handles database operations for instance backups
type BackupRepository struct {
	db *sqlx.DB
}

// NewBackupRepository creates a new backup repository
func NewBackupRepository(db *sqlx.DB) *BackupRepository {
	return &BackupRepository{db: db}
}

// CreateBackup inserts a backup row in the creating state
func (r *BackupRepository) CreateBackup(ctx context.Context, b *models.InstanceBackup) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.Status = models.BackupStatusCreating
	b.CreatedAt = time.Now()

	query := `
		INSERT INTO instance_backups (id, instance_id, deployment_id, backup_type, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, b.ID, b.InstanceID, b.DeploymentID, b.BackupType, b.Status, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	return nil
}

// MarkCompleted stores the artifact location and flips the backup to completed
func (r *BackupRepository) MarkCompleted(ctx context.Context, b *models.InstanceBackup) error {
	now := time.Now()
	query := `
		UPDATE instance_backups SET
			status = 'completed', size_bytes = $2, storage_path = $3, download_url = $4,
			external_ref = $5, checksum = $6, completed_at = $7
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, b.ID, b.SizeBytes, b.StoragePath, b.DownloadURL, b.ExternalRef, b.Checksum, now)
	if err != nil {
		return fmt.Errorf("failed to complete backup: %w", err)
	}
	b.Status = models.BackupStatusCompleted
	b.CompletedAt = &now
	return nil
}

// MarkFailed flips the backup to failed with a reason
func (r *BackupRepository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `UPDATE instance_backups SET status = 'failed', error_message = $2, completed_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, reason, time.Now()); err != nil {
		return fmt.Errorf("failed to mark backup failed: %w", err)
	}
	return nil
}

// GetBackup retrieves a backup by ID
func (r *BackupRepository) GetBackup(ctx context.Context, id string) (*models.InstanceBackup, error) {
	var b models.InstanceBackup
	err := r.db.GetContext(ctx, &b, `SELECT `+backupColumns+` FROM instance_backups WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}
	return &b, nil
}

// ListBackups lists backups of an instance, newest first
func (r *BackupRepository) ListBackups(ctx context.Context, instanceID string) ([]*models.InstanceBackup, error) {
	var backups []*models.InstanceBackup
	query := `SELECT ` + backupColumns + ` FROM instance_backups WHERE instance_id = $1 ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &backups, query, instanceID); err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	return backups, nil
}

