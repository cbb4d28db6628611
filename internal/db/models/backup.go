// Package models - backup.go defines InstanceBackup, the point-in-time snapshot
// reference used as a rollback target.
package models

import "time"

// BackupType distinguishes operator-requested from pre-flight backups
type BackupType string

const (
	BackupTypeManual    BackupType = "manual"
	BackupTypeAutomatic BackupType = "automatic"
)

// BackupStatus is the lifecycle state of a backup
type BackupStatus string

const (
	BackupStatusCreating  BackupStatus = "creating"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

// InstanceBackup references a snapshot kept either in Odoo.sh (ExternalRef)
// or in the configured blob store (StoragePath).
type InstanceBackup struct {
	ID           string       `db:"id" json:"id"`
	InstanceID   string       `db:"instance_id" json:"instance_id"`
	DeploymentID *string      `db:"deployment_id" json:"deployment_id,omitempty"`
	BackupType   BackupType   `db:"backup_type" json:"type"`
	Status       BackupStatus `db:"status" json:"status"`
	SizeBytes    int64        `db:"size_bytes" json:"size"`
	StoragePath  *string      `db:"storage_path" json:"-"`
	DownloadURL  *string      `db:"download_url" json:"download_url,omitempty"`
	ExternalRef  *string      `db:"external_ref" json:"external_ref,omitempty"`
	Checksum     *string      `db:"checksum" json:"checksum,omitempty"`
	ErrorMessage *string      `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	CompletedAt  *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
}

// Usable reports whether the backup can serve as a restore source
func (b *InstanceBackup) Usable() bool {
	return b != nil && b.Status == BackupStatusCompleted
}
