package deploy

import (
	"errors"
	"fmt"

	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
)

var (
	// ErrInstanceBusy is returned when another deployment or rollback holds the instance lock
	ErrInstanceBusy = errors.New("instance has a deployment in progress")
	// ErrInvalidTransition is the sentinel behind TransitionError
	ErrInvalidTransition = errors.New("invalid deployment status transition")
	// ErrNotRunning is returned by Cancel for deployments this process is not executing
	ErrNotRunning = errors.New("deployment is not running")
	// ErrLockLost is returned when a lease expired or was taken over
	ErrLockLost = errors.New("instance lock is no longer held")
)

// TransitionError reports a status change the state machine does not allow
type TransitionError struct {
	ID   string
	From models.DeploymentStatus
	To   models.DeploymentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("deployment %s cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
