// Package models - deployment.go defines the Deployment state machine and its
// append-only DeploymentLog entries.
package models

import (
	"encoding/json"
	"time"
)

// DeploymentStatus is the state of one deployment attempt
type DeploymentStatus string

const (
	DeploymentStatusPending    DeploymentStatus = "pending"
	DeploymentStatusInProgress DeploymentStatus = "in_progress"
	DeploymentStatusSuccess    DeploymentStatus = "success"
	DeploymentStatusFailed     DeploymentStatus = "failed"
	DeploymentStatusRolledBack DeploymentStatus = "rolled_back"
)

// deploymentTransitions lists the only legal edges of the state machine
var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentStatusPending:    {DeploymentStatusInProgress},
	DeploymentStatusInProgress: {DeploymentStatusSuccess, DeploymentStatusFailed},
	DeploymentStatusFailed:     {DeploymentStatusRolledBack},
}

// CanTransitionTo reports whether s -> next is a legal transition
func (s DeploymentStatus) CanTransitionTo(next DeploymentStatus) bool {
	for _, allowed := range deploymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further engine-driven transition is possible.
// failed is terminal for the engine; only an explicit rollback moves it on.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusSuccess || s == DeploymentStatusFailed || s == DeploymentStatusRolledBack
}

// Deployment is one attempt to apply a template version to an instance
type Deployment struct {
	ID                string           `db:"id" json:"id"`
	InstanceID        string           `db:"instance_id" json:"instance_id"`
	TemplateID        string           `db:"template_id" json:"template_id"`
	TemplateVersionID string           `db:"template_version_id" json:"template_version_id"`
	TemplateType      string           `db:"template_type" json:"template_type"`
	Status            DeploymentStatus `db:"status" json:"status"`
	Progress          int              `db:"progress" json:"progress"`
	CurrentStep       *string          `db:"current_step" json:"current_step,omitempty"`
	ErrorMessage      *string          `db:"error_message" json:"error_message,omitempty"`
	BackupID          *string          `db:"backup_id" json:"backup_id,omitempty"`
	BackupSkipped     bool             `db:"backup_skipped" json:"backup_skipped"`
	StartedBy         *string          `db:"started_by" json:"started_by,omitempty"`
	StartedAt         time.Time        `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	DurationSeconds   *int             `db:"duration_seconds" json:"duration_seconds,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// LogLevel is the severity of a deployment log entry
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Valid reports whether l is a known level
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	}
	return false
}

// DeploymentLog is one append-only entry produced by the engine
type DeploymentLog struct {
	ID           int64           `db:"id" json:"id"`
	DeploymentID string          `db:"deployment_id" json:"deployment_id"`
	Level        LogLevel        `db:"level" json:"level"`
	Step         *string         `db:"step" json:"step,omitempty"`
	Message      string          `db:"message" json:"message"`
	Details      json.RawMessage `db:"details" json:"details,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}
