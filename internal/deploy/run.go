package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/db/repositories"
	"github.com/odoo-orchestrator/orchestrator/internal/instances"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
	"github.com/odoo-orchestrator/orchestrator/internal/templates"
)

var errCancelled = errors.New("deployment cancelled")

// run is the state of one executing deployment
type run struct {
	engine    *Engine
	d         *models.Deployment
	inst      *models.OdooInstance
	version   *models.TemplateVersion
	structure *templates.TemplateStructure
	token     string
	log       *runLog

	step     string
	modelIDs map[string]int64
}

func (r *run) execute(ctx context.Context) {
	e := r.engine
	bg := context.WithoutCancel(ctx)

	stop := r.keepalive(ctx)
	defer stop()

	r.log.write(bg, models.LogLevelInfo, "", fmt.Sprintf("Deploying template version %s to %s", r.version.Label(), r.inst.Name), map[string]interface{}{
		"template_version_id": r.version.ID,
		"items":               r.structure.ItemCount(),
	})

	// decrypted once; the backup and the deployment share them
	creds, err := e.deps.Instances.Credentials(bg, r.inst)
	if err != nil {
		r.fail(err)
		return
	}
	if !e.opts.SkipBackup {
		r.preflightBackup(ctx, creds)
	}
	if ctx.Err() != nil {
		r.fail(errCancelled)
		return
	}

	if err := e.transition(bg, r.d, models.DeploymentStatusInProgress, repositories.StatusUpdate{}); err != nil {
		slog.Error("deployment could not start", "deployment_id", r.d.ID, "error", err)
		return
	}
	e.setInstanceStatus(bg, r.inst.ID, models.InstanceStatusDeploying)

	// Remote calls run to completion once sent; cancellation is only observed
	// between sections and items.
	client := e.deps.Instances.Dial(creds)
	defer client.Close()

	if _, err := client.Authenticate(bg); err != nil {
		r.fail(r.cancelledOr(ctx, fmt.Errorf("authentication failed: %w", err)))
		return
	}

	total := len(templates.Sections)
	collections := r.structure.Collections()
	for i, section := range templates.Sections {
		if ctx.Err() != nil {
			r.fail(errCancelled)
			return
		}
		r.step = section
		r.progress(bg, i, total)

		err := r.applySection(ctx, client, section, collections[section])
		r.progress(bg, i+1, total)
		if err != nil {
			r.fail(err)
			return
		}
	}
	r.succeed(bg)
}

func (r *run) preflightBackup(ctx context.Context, creds *instances.Credentials) {
	bg := context.WithoutCancel(ctx)
	backup, err := r.engine.deps.Instances.CreateBackupWith(bg, r.inst, creds, models.BackupTypeAutomatic, &r.d.ID)
	if err != nil {
		r.log.write(bg, models.LogLevelWarning, "backup", "Pre-deployment backup failed; continuing without a rollback point", map[string]interface{}{"error": err.Error()})
		if err := r.engine.deps.Deployments.SetBackup(bg, r.d.ID, nil, true); err != nil {
			slog.Error("failed to record skipped backup", "deployment_id", r.d.ID, "error", err)
		}
		r.d.BackupSkipped = true
		return
	}
	r.d.BackupID = &backup.ID
	if err := r.engine.deps.Deployments.SetBackup(bg, r.d.ID, &backup.ID, false); err != nil {
		slog.Error("failed to record backup", "deployment_id", r.d.ID, "error", err)
	}
	r.log.write(bg, models.LogLevelInfo, "backup", "Pre-deployment backup created", map[string]interface{}{"backup_id": backup.ID})
}

// progress records completed sections as a rounded percentage
func (r *run) progress(ctx context.Context, completed, total int) {
	pct := 100
	if total > 0 {
		pct = int(math.Round(float64(completed) / float64(total) * 100))
	}
	r.d.Progress = pct
	if err := r.engine.deps.Deployments.UpdateProgress(ctx, r.d.ID, pct, r.step); err != nil {
		slog.Warn("failed to update deployment progress", "deployment_id", r.d.ID, "error", err)
	}
}

func (r *run) succeed(ctx context.Context) {
	e := r.engine
	now := e.now()
	duration := int(now.Sub(r.d.StartedAt).Seconds())
	err := e.transition(ctx, r.d, models.DeploymentStatusSuccess, repositories.StatusUpdate{
		Progress:        ptr(100),
		CompletedAt:     &now,
		DurationSeconds: &duration,
	})
	if err != nil {
		slog.Error("failed to mark deployment successful", "deployment_id", r.d.ID, "error", err)
		return
	}
	e.setInstanceStatus(ctx, r.inst.ID, models.InstanceStatusActive)
	r.log.write(ctx, models.LogLevelInfo, "", "Deployment completed", map[string]interface{}{"duration_seconds": duration})
	telemetry.DeploymentsTotal.WithLabelValues(string(models.DeploymentStatusSuccess)).Inc()
	telemetry.DeploymentDuration.Observe(now.Sub(r.d.StartedAt).Seconds())
}

// fail records a fatal error. Safe to call from the panic handler.
func (r *run) fail(cause error) {
	e := r.engine
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg := cause.Error()
	now := e.now()
	duration := int(now.Sub(r.d.StartedAt).Seconds())

	r.log.write(ctx, models.LogLevelError, r.step, "Deployment failed: "+msg, nil)
	err := e.failDeployment(ctx, r.d, repositories.StatusUpdate{
		ErrorMessage:    &msg,
		CompletedAt:     &now,
		DurationSeconds: &duration,
	})
	if err != nil {
		slog.Error("failed to mark deployment failed", "deployment_id", r.d.ID, "error", err)
		return
	}
	e.setInstanceStatus(ctx, r.inst.ID, models.InstanceStatusError)
	telemetry.DeploymentsTotal.WithLabelValues(string(models.DeploymentStatusFailed)).Inc()
	telemetry.DeploymentDuration.Observe(now.Sub(r.d.StartedAt).Seconds())
}

func (r *run) cancelledOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	return err
}

// keepalive refreshes the instance lease until the returned func is called
func (r *run) keepalive(ctx context.Context) func() {
	ttl := r.engine.opts.LockTTL
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				err := r.engine.deps.Locker.Refresh(context.WithoutCancel(ctx), r.inst.ID, r.token, ttl)
				if err != nil {
					slog.Warn("failed to refresh instance lock", "deployment_id", r.d.ID, "instance_id", r.inst.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-finished
	}
}

// modelID resolves and caches ir.model ids
func (r *run) modelID(ctx context.Context, client odoo.Transport, model string) (int64, error) {
	if id, ok := r.modelIDs[model]; ok {
		return id, nil
	}
	ids, err := client.Search(ctx, "ir.model", odoo.Domain{odoo.Cond("model", "=", model)}, &odoo.SearchOptions{Limit: 1})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("model %s does not exist on the instance", model)
	}
	if r.modelIDs == nil {
		r.modelIDs = make(map[string]int64)
	}
	r.modelIDs[model] = ids[0]
	return ids[0], nil
}

// ---------------------------------------------------------------------------
// Deployment log
// ---------------------------------------------------------------------------

// runLog appends to the deployment log and mirrors each entry to slog
type runLog struct {
	store  DeploymentStore
	id     string
	logger *slog.Logger
}

func newRunLog(store DeploymentStore, deploymentID, instanceID string) *runLog {
	return &runLog{
		store:  store,
		id:     deploymentID,
		logger: slog.With("deployment_id", deploymentID, "instance_id", instanceID),
	}
}

func (l *runLog) write(ctx context.Context, level models.LogLevel, step, msg string, details map[string]interface{}) {
	entry := &models.DeploymentLog{DeploymentID: l.id, Level: level, Message: msg}
	if step != "" {
		entry.Step = &step
	}
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			entry.Details = raw
		}
	}

	attrs := []any{"step", step}
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	switch level {
	case models.LogLevelError:
		l.logger.Error(msg, attrs...)
	case models.LogLevelWarning:
		l.logger.Warn(msg, attrs...)
	case models.LogLevelDebug:
		l.logger.Debug(msg, attrs...)
	default:
		l.logger.Info(msg, attrs...)
	}

	if err := l.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		l.logger.Error("failed to append deployment log", "error", err)
	}
}
