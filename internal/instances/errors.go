package instances

import (
	"errors"
	"fmt"
)

var (
	// ErrBackupUnsupported is returned for hosting methods the orchestrator cannot snapshot
	ErrBackupUnsupported = errors.New("backups are not supported for this deployment method")
	// ErrNoBackupAvailable is the sentinel behind BackupUnavailableError
	ErrNoBackupAvailable = errors.New("no completed backup available")
	// ErrMasterPasswordMissing is returned when a self-hosted dump is requested without odoo.master_password
	ErrMasterPasswordMissing = errors.New("odoo master password is not configured")
)

// BackupUnavailableError explains why a restore cannot proceed
type BackupUnavailableError struct {
	InstanceID string
	BackupID   string
	Reason     string
}

func (e *BackupUnavailableError) Error() string {
	if e.BackupID != "" {
		return fmt.Sprintf("backup %s unavailable: %s", e.BackupID, e.Reason)
	}
	return fmt.Sprintf("no backup available for instance %s: %s", e.InstanceID, e.Reason)
}

func (e *BackupUnavailableError) Unwrap() error { return ErrNoBackupAvailable }
