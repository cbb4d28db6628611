package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/db/repositories"
	"github.com/odoo-orchestrator/orchestrator/internal/instances"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
)

// RollbackDeployment restores the instance from the backup taken before a
// failed deployment. It holds the same per-instance lock as deployments.
func (e *Engine) RollbackDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	d, err := e.GetDeploymentStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Status.CanTransitionTo(models.DeploymentStatusRolledBack) {
		return nil, &TransitionError{ID: d.ID, From: d.Status, To: models.DeploymentStatusRolledBack}
	}

	token, err := e.deps.Locker.Acquire(ctx, d.InstanceID, e.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	defer e.releaseLock(d.InstanceID, token)

	backup, err := e.rollbackSource(ctx, d)
	if err != nil {
		return nil, err
	}

	log := newRunLog(e.deps.Deployments, d.ID, d.InstanceID)
	log.write(ctx, models.LogLevelInfo, "rollback", "Restoring pre-deployment backup", map[string]interface{}{"backup_id": backup.ID})
	e.setInstanceStatus(ctx, d.InstanceID, models.InstanceStatusMaintenance)

	if err := e.deps.Instances.RestoreBackup(ctx, backup.ID); err != nil {
		log.write(ctx, models.LogLevelError, "rollback", "Rollback failed: "+err.Error(), map[string]interface{}{"backup_id": backup.ID})
		e.setInstanceStatus(context.WithoutCancel(ctx), d.InstanceID, models.InstanceStatusError)
		return nil, fmt.Errorf("failed to restore backup %s: %w", backup.ID, err)
	}

	if err := e.transition(context.WithoutCancel(ctx), d, models.DeploymentStatusRolledBack, repositories.StatusUpdate{}); err != nil {
		return nil, err
	}
	e.setInstanceStatus(context.WithoutCancel(ctx), d.InstanceID, models.InstanceStatusActive)
	log.write(ctx, models.LogLevelInfo, "rollback", "Deployment rolled back", map[string]interface{}{"backup_id": backup.ID})
	telemetry.DeploymentsTotal.WithLabelValues(string(models.DeploymentStatusRolledBack)).Inc()
	return d, nil
}

// rollbackSource returns the deployment's own pre-flight backup. Older
// snapshots are never substituted for it.
func (e *Engine) rollbackSource(ctx context.Context, d *models.Deployment) (*models.InstanceBackup, error) {
	if d.BackupID == nil {
		return nil, &instances.BackupUnavailableError{
			InstanceID: d.InstanceID,
			Reason:     "the deployment ran without a pre-flight backup",
		}
	}
	backup, err := e.deps.Instances.GetBackup(ctx, *d.BackupID)
	if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}
	if !backup.Usable() {
		return nil, &instances.BackupUnavailableError{
			InstanceID: d.InstanceID,
			BackupID:   *d.BackupID,
			Reason:     "the pre-flight backup is not restorable",
		}
	}
	return backup, nil
}

// ReapStale fails pending and in-progress deployments that have outlived
// StaleAfter and are not running in this process, then frees their instance.
func (e *Engine) ReapStale(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.opts.StaleAfter)
	stale, err := e.deps.Deployments.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, d := range stale {
		if e.isRunning(d.ID) {
			continue
		}
		msg := "deployment abandoned: no progress before the stale deadline"
		now := e.now()
		duration := int(now.Sub(d.StartedAt).Seconds())
		err := e.failDeployment(ctx, d, repositories.StatusUpdate{
			ErrorMessage:    &msg,
			CompletedAt:     &now,
			DurationSeconds: &duration,
		})
		if err != nil {
			slog.Warn("failed to reap stale deployment", "deployment_id", d.ID, "error", err)
			continue
		}
		if err := e.deps.Locker.ForceRelease(ctx, d.InstanceID); err != nil {
			slog.Error("failed to release lock of stale deployment", "deployment_id", d.ID, "instance_id", d.InstanceID, "error", err)
		}
		e.setInstanceStatus(ctx, d.InstanceID, models.InstanceStatusError)
		newRunLog(e.deps.Deployments, d.ID, d.InstanceID).write(ctx, models.LogLevelError, "", msg, nil)
		telemetry.StaleDeploymentsReapedTotal.Inc()
		telemetry.DeploymentsTotal.WithLabelValues(string(models.DeploymentStatusFailed)).Inc()
		reaped++
	}
	return reaped, nil
}
