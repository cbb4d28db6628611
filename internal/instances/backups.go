package instances

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo"
	"github.com/odoo-orchestrator/orchestrator/internal/storage"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Backup creation
// ---------------------------------------------------------------------------

// CreateBackup snapshots an instance. The row is inserted as creating and is
// always left completed or failed, even when ctx is cancelled mid-way.
func (r *Registry) CreateBackup(ctx context.Context, instanceID string, backupType models.BackupType, deploymentID *string) (*models.InstanceBackup, error) {
	inst, err := r.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return r.createBackup(ctx, inst, nil, backupType, deploymentID)
}

// CreateBackupWith snapshots inst using credentials the caller already
// decrypted, so one operation opens the secrets once.
func (r *Registry) CreateBackupWith(ctx context.Context, inst *models.OdooInstance, creds *Credentials, backupType models.BackupType, deploymentID *string) (*models.InstanceBackup, error) {
	return r.createBackup(ctx, inst, creds, backupType, deploymentID)
}

func (r *Registry) createBackup(ctx context.Context, inst *models.OdooInstance, creds *Credentials, backupType models.BackupType, deploymentID *string) (*models.InstanceBackup, error) {
	if backupType == "" {
		backupType = models.BackupTypeManual
	}

	backup := &models.InstanceBackup{
		InstanceID:   inst.ID,
		DeploymentID: deploymentID,
		BackupType:   backupType,
	}
	if err := r.backups.CreateBackup(ctx, backup); err != nil {
		return nil, err
	}

	logger := slog.With("instance_id", inst.ID, "backup_id", backup.ID, "method", inst.DeploymentMethod)

	var err error
	switch inst.DeploymentMethod {
	case models.DeploymentMethodOdooSh:
		err = r.backupOdooSh(ctx, inst, creds, backup)
	case models.DeploymentMethodSelfHosted:
		err = r.backupSelfHosted(ctx, inst, creds, backup)
	default:
		err = fmt.Errorf("%w: %s", ErrBackupUnsupported, inst.DeploymentMethod)
	}

	if err != nil {
		telemetry.BackupsTotal.WithLabelValues(string(inst.DeploymentMethod), "failed").Inc()
		if markErr := r.backups.MarkFailed(context.WithoutCancel(ctx), backup.ID, err.Error()); markErr != nil {
			logger.Error("failed to record backup failure", "error", markErr)
		}
		backup.Status = models.BackupStatusFailed
		reason := err.Error()
		backup.ErrorMessage = &reason
		logger.Warn("backup failed", "error", err)
		return backup, err
	}

	if err := r.backups.MarkCompleted(context.WithoutCancel(ctx), backup); err != nil {
		telemetry.BackupsTotal.WithLabelValues(string(inst.DeploymentMethod), "failed").Inc()
		return backup, err
	}
	telemetry.BackupsTotal.WithLabelValues(string(inst.DeploymentMethod), "completed").Inc()
	logger.Info("backup completed", "size_bytes", backup.SizeBytes)
	return backup, nil
}

// ensureCredentials decrypts the instance secrets unless the caller passed them
func (r *Registry) ensureCredentials(ctx context.Context, inst *models.OdooInstance, creds *Credentials) (*Credentials, error) {
	if creds != nil {
		return creds, nil
	}
	return r.Credentials(ctx, inst)
}

func (r *Registry) backupOdooSh(ctx context.Context, inst *models.OdooInstance, creds *Credentials, backup *models.InstanceBackup) error {
	if r.odooSh == nil {
		return fmt.Errorf("%w: odoo.sh client is not configured", ErrBackupUnsupported)
	}
	creds, err := r.ensureCredentials(ctx, inst, creds)
	if err != nil {
		return err
	}
	project, branch := deref(inst.OdooShProject), deref(inst.OdooShBranch)

	started, err := r.odooSh.CreateBackup(ctx, creds.OdooShToken(), project, branch)
	if err != nil {
		return err
	}
	done, err := r.odooSh.WaitForBackup(ctx, creds.OdooShToken(), project, branch, started.ID)
	if err != nil {
		return err
	}

	ref := done.ID
	backup.ExternalRef = &ref
	backup.SizeBytes = done.Size
	if done.DownloadURL != "" {
		url := done.DownloadURL
		backup.DownloadURL = &url
	}
	return nil
}

// backupSelfHosted streams db.dump straight into the storage backend
func (r *Registry) backupSelfHosted(ctx context.Context, inst *models.OdooInstance, creds *Credentials, backup *models.InstanceBackup) error {
	if r.cfg.MasterPassword == "" {
		return ErrMasterPasswordMissing
	}
	if r.store == nil {
		return errors.New("no backup storage backend is configured")
	}
	creds, err := r.ensureCredentials(ctx, inst, creds)
	if err != nil {
		return err
	}
	client := r.Dial(creds)
	defer client.Close()

	dump, err := client.DumpDatabase(ctx, r.cfg.MasterPassword, odoo.DumpFormatZip)
	if err != nil {
		return err
	}
	defer dump.Close()

	key := storage.BackupKey(inst.ID, backup.ID, backup.CreatedAt, odoo.DumpFormatZip)
	obj, err := r.store.Put(ctx, key, dump)
	if err != nil {
		return fmt.Errorf("failed to upload dump: %w", err)
	}

	backup.StoragePath = &obj.Key
	backup.SizeBytes = obj.Size
	backup.Checksum = &obj.Checksum
	return nil
}

// ---------------------------------------------------------------------------
// Restore
// ---------------------------------------------------------------------------

// RestoreBackup puts a completed backup back onto its instance
func (r *Registry) RestoreBackup(ctx context.Context, backupID string) error {
	backup, err := r.getBackup(ctx, backupID)
	if err != nil {
		return err
	}
	if !backup.Usable() {
		return &BackupUnavailableError{InstanceID: backup.InstanceID, BackupID: backup.ID, Reason: "backup status is " + string(backup.Status)}
	}
	inst, err := r.GetInstance(ctx, backup.InstanceID)
	if err != nil {
		return err
	}

	slog.Info("restoring backup", "instance_id", inst.ID, "backup_id", backup.ID, "method", inst.DeploymentMethod)

	switch inst.DeploymentMethod {
	case models.DeploymentMethodOdooSh:
		return r.restoreOdooSh(ctx, inst, backup)
	case models.DeploymentMethodSelfHosted:
		return r.restoreSelfHosted(ctx, inst, backup)
	default:
		return fmt.Errorf("%w: %s", ErrBackupUnsupported, inst.DeploymentMethod)
	}
}

func (r *Registry) restoreOdooSh(ctx context.Context, inst *models.OdooInstance, backup *models.InstanceBackup) error {
	if r.odooSh == nil {
		return fmt.Errorf("%w: odoo.sh client is not configured", ErrBackupUnsupported)
	}
	if backup.ExternalRef == nil {
		return &BackupUnavailableError{InstanceID: inst.ID, BackupID: backup.ID, Reason: "missing odoo.sh backup reference"}
	}
	creds, err := r.Credentials(ctx, inst)
	if err != nil {
		return err
	}
	return r.odooSh.RestoreBackup(ctx, creds.OdooShToken(), deref(inst.OdooShProject), deref(inst.OdooShBranch), *backup.ExternalRef)
}

func (r *Registry) restoreSelfHosted(ctx context.Context, inst *models.OdooInstance, backup *models.InstanceBackup) error {
	if r.cfg.MasterPassword == "" {
		return ErrMasterPasswordMissing
	}
	if r.store == nil || backup.StoragePath == nil {
		return &BackupUnavailableError{InstanceID: inst.ID, BackupID: backup.ID, Reason: "artifact is not stored"}
	}

	rc, err := r.store.Open(ctx, *backup.StoragePath)
	if errors.Is(err, storage.ErrNotFound) {
		return &BackupUnavailableError{InstanceID: inst.ID, BackupID: backup.ID, Reason: "artifact is missing from storage"}
	}
	if err != nil {
		return fmt.Errorf("failed to open backup artifact: %w", err)
	}
	defer rc.Close()

	hr := storage.NewHashingReader(rc)
	data, err := io.ReadAll(hr)
	if err != nil {
		return fmt.Errorf("failed to read backup artifact: %w", err)
	}
	if backup.Checksum != nil && *backup.Checksum != hr.Checksum() {
		return &BackupUnavailableError{InstanceID: inst.ID, BackupID: backup.ID, Reason: "artifact checksum mismatch"}
	}

	client, err := r.Connect(ctx, inst)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.RestoreDatabase(ctx, r.cfg.MasterPassword, data)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetBackup returns a backup or a NotFoundError
func (r *Registry) GetBackup(ctx context.Context, id string) (*models.InstanceBackup, error) {
	return r.getBackup(ctx, id)
}

// ListBackups lists the backups of an instance, newest first
func (r *Registry) ListBackups(ctx context.Context, instanceID string) ([]*models.InstanceBackup, error) {
	if _, err := r.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return r.backups.ListBackups(ctx, instanceID)
}

// BackupDownloadURL returns a link to the backup artifact
func (r *Registry) BackupDownloadURL(ctx context.Context, backupID string) (string, error) {
	backup, err := r.getBackup(ctx, backupID)
	if err != nil {
		return "", err
	}
	if !backup.Usable() {
		return "", &BackupUnavailableError{InstanceID: backup.InstanceID, BackupID: backup.ID, Reason: "backup status is " + string(backup.Status)}
	}
	if backup.StoragePath != nil && r.store != nil {
		return r.store.SignedURL(ctx, *backup.StoragePath, r.cfg.DownloadURLTTL)
	}
	if backup.DownloadURL != nil {
		return *backup.DownloadURL, nil
	}
	return "", &BackupUnavailableError{InstanceID: backup.InstanceID, BackupID: backup.ID, Reason: "no downloadable artifact"}
}

func (r *Registry) getBackup(ctx context.Context, id string) (*models.InstanceBackup, error) {
	backup, err := r.backups.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	if backup == nil {
		return nil, apperrors.NewNotFound("Backup", id)
	}
	return backup, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
