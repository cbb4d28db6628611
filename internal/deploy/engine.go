// Package deploy applies template versions to Odoo instances. A deployment runs
// in the background, one per instance at a time, and records its progress and
// an append-only log as it walks the template sections in a fixed order.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/db/repositories"
	"github.com/odoo-orchestrator/orchestrator/internal/instances"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo"
	"github.com/odoo-orchestrator/orchestrator/internal/safego"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
	"github.com/odoo-orchestrator/orchestrator/internal/templates"
)

// InstanceRegistry is the part of *instances.Registry the engine needs
type InstanceRegistry interface {
	GetInstance(ctx context.Context, id string) (*models.OdooInstance, error)
	Credentials(ctx context.Context, inst *models.OdooInstance) (*instances.Credentials, error)
	Dial(creds *instances.Credentials) odoo.Transport
	SetStatus(ctx context.Context, id string, status models.InstanceStatus) error
	CreateBackupWith(ctx context.Context, inst *models.OdooInstance, creds *instances.Credentials, backupType models.BackupType, deploymentID *string) (*models.InstanceBackup, error)
	GetBackup(ctx context.Context, id string) (*models.InstanceBackup, error)
	RestoreBackup(ctx context.Context, backupID string) error
}

// TemplateSource is the part of *templates.Store the engine needs
type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetVersion(ctx context.Context, id string) (*models.TemplateVersion, error)
	LatestVersion(ctx context.Context, templateID string) (*models.TemplateVersion, error)
}

// DeploymentStore persists deployments and their logs; *repositories.DeploymentRepository implements it
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *models.Deployment) error
	GetDeployment(ctx context.Context, id string) (*models.Deployment, error)
	ListByInstance(ctx context.Context, instanceID string, limit int) ([]*models.Deployment, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.Deployment, error)
	UpdateStatus(ctx context.Context, id string, u repositories.StatusUpdate) error
	UpdateProgress(ctx context.Context, id string, progress int, step string) error
	SetBackup(ctx context.Context, id string, backupID *string, skipped bool) error
	AppendLog(ctx context.Context, entry *models.DeploymentLog) error
	ListLogs(ctx context.Context, deploymentID string, level models.LogLevel, limit int) ([]*models.DeploymentLog, error)
}

// Deps are the collaborators of the engine
type Deps struct {
	Instances   InstanceRegistry
	Templates   TemplateSource
	Deployments DeploymentStore
	Locker      Locker
}

// Options tune the engine
type Options struct {
	// LockTTL is the lease length; running deployments refresh it at a third of that
	LockTTL time.Duration
	// StaleAfter is how long a pending or in-progress deployment may run before the reaper fails it
	StaleAfter time.Duration
	// AutomationModel is the model workflows are written to
	AutomationModel string
	// SkipBackup disables the pre-flight backup
	SkipBackup bool
}

func (o *Options) setDefaults() {
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Hour
	}
	if o.AutomationModel == "" {
		o.AutomationModel = "base.automation"
	}
}

// Request starts a deployment. An empty TemplateVersionID deploys the latest mainline version.
type Request struct {
	InstanceID        string  `json:"instance_id" binding:"required"`
	TemplateID        string  `json:"template_id" binding:"required"`
	TemplateVersionID *string `json:"template_version_id"`
	TemplateType      string  `json:"template_type"`
	UserID            *string `json:"-"`
}

// LogFilter narrows GetDeploymentLogs
type LogFilter struct {
	Level models.LogLevel
	Limit int
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine runs deployments and rollbacks
type Engine struct {
	deps Deps
	opts Options
	now  func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[string]*activeRun
}

// NewEngine creates an Engine. Call Shutdown to stop in-flight runs.
func NewEngine(deps Deps, opts Options) *Engine {
	opts.setDefaults()
	if deps.Locker == nil {
		deps.Locker = NewMemoryLocker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:       deps,
		opts:       opts,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		running:    make(map[string]*activeRun),
	}
}

// ---------------------------------------------------------------------------
// Starting a deployment
// ---------------------------------------------------------------------------

// DeployTemplate validates the request, takes the instance lock and starts the
// deployment in the background. The returned row is pending.
func (e *Engine) DeployTemplate(ctx context.Context, req Request) (*models.Deployment, error) {
	inst, err := e.deps.Instances.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.deps.Templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	version, err := e.resolveVersion(ctx, req)
	if err != nil {
		return nil, err
	}
	structure, err := templates.Decode(version.Structure)
	if err != nil {
		return nil, fmt.Errorf("failed to load template version %s: %w", version.ID, err)
	}

	token, err := e.deps.Locker.Acquire(ctx, inst.ID, e.opts.LockTTL)
	if err != nil {
		return nil, err
	}

	templateType := req.TemplateType
	if templateType == "" {
		templateType = tmpl.TemplateType
	}
	d := &models.Deployment{
		InstanceID:        inst.ID,
		TemplateID:        tmpl.ID,
		TemplateVersionID: version.ID,
		TemplateType:      templateType,
		Status:            models.DeploymentStatusPending,
		StartedBy:         req.UserID,
		StartedAt:         e.now(),
	}
	if err := e.deps.Deployments.CreateDeployment(ctx, d); err != nil {
		e.releaseLock(inst.ID, token)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.running[d.ID] = ar
	e.mu.Unlock()

	job := &run{
		engine:    e,
		d:         snapshot(d),
		inst:      inst,
		version:   version,
		structure: structure,
		token:     token,
		log:       newRunLog(e.deps.Deployments, d.ID, inst.ID),
	}

	e.wg.Add(1)
	telemetry.DeploymentsInFlight.Inc()
	slog.Info("deployment queued", "deployment_id", d.ID, "instance_id", inst.ID, "template_version", version.Label())

	safego.GoRecover("deployment "+d.ID, func() {
		job.execute(runCtx)
		e.finishRun(d.ID, inst.ID, token, ar)
	}, func(recovered interface{}) {
		job.fail(fmt.Errorf("internal error: %v", recovered))
		e.finishRun(d.ID, inst.ID, token, ar)
	})

	return d, nil
}

func (e *Engine) resolveVersion(ctx context.Context, req Request) (*models.TemplateVersion, error) {
	if req.TemplateVersionID == nil || *req.TemplateVersionID == "" {
		return e.deps.Templates.LatestVersion(ctx, req.TemplateID)
	}
	v, err := e.deps.Templates.GetVersion(ctx, *req.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	if v.TemplateID != req.TemplateID {
		return nil, apperrors.NewNotFound("Template version", *req.TemplateVersionID)
	}
	return v, nil
}

// finishRun is called exactly once per run, from the run goroutine
func (e *Engine) finishRun(deploymentID, instanceID, token string, ar *activeRun) {
	e.releaseLock(instanceID, token)
	e.mu.Lock()
	delete(e.running, deploymentID)
	e.mu.Unlock()
	ar.cancel()
	close(ar.done)
	telemetry.DeploymentsInFlight.Dec()
	e.wg.Done()
}

func (e *Engine) releaseLock(instanceID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.deps.Locker.Release(ctx, instanceID, token); err != nil {
		slog.Error("failed to release instance lock", "instance_id", instanceID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

// Cancel asks a running deployment to stop. The run notices between items and
// ends failed with "deployment cancelled".
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	ar, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		ar.cancel()
		return nil
	}

	d, err := e.GetDeploymentStatus(ctx, id)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return &TransitionError{ID: id, From: d.Status, To: models.DeploymentStatusFailed}
	}
	return ErrNotRunning
}

// Wait blocks until the deployment finishes in this process, or ctx ends
func (e *Engine) Wait(ctx context.Context, id string) error {
	e.mu.Lock()
	ar, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every in-flight run and waits for them to record their
// final status, or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.baseCancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetDeploymentStatus returns a deployment or a NotFoundError
func (e *Engine) GetDeploymentStatus(ctx context.Context, id string) (*models.Deployment, error) {
	d, err := e.deps.Deployments.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperrors.NewNotFound("Deployment", id)
	}
	return d, nil
}

// GetDeploymentLogs returns log entries in the order they were written
func (e *Engine) GetDeploymentLogs(ctx context.Context, id string, filter LogFilter) ([]*models.DeploymentLog, error) {
	if filter.Level != "" && !filter.Level.Valid() {
		return nil, &apperrors.ValidationError{Field: "level", Message: "must be debug, info, warning or error"}
	}
	if filter.Limit < 0 {
		return nil, &apperrors.ValidationError{Field: "limit", Message: "must not be negative"}
	}
	if _, err := e.GetDeploymentStatus(ctx, id); err != nil {
		return nil, err
	}
	return e.deps.Deployments.ListLogs(ctx, id, filter.Level, filter.Limit)
}

// ListDeployments lists the deployments of an instance, newest first
func (e *Engine) ListDeployments(ctx context.Context, instanceID string, limit int) ([]*models.Deployment, error) {
	if _, err := e.deps.Instances.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return e.deps.Deployments.ListByInstance(ctx, instanceID, limit)
}

// ---------------------------------------------------------------------------
// Status transitions
// ---------------------------------------------------------------------------

// transition moves d to next through the guarded store update and mirrors the
// change on d.
func (e *Engine) transition(ctx context.Context, d *models.Deployment, next models.DeploymentStatus, u repositories.StatusUpdate) error {
	if !d.Status.CanTransitionTo(next) {
		return &TransitionError{ID: d.ID, From: d.Status, To: next}
	}
	u.From, u.To = d.Status, next
	if err := e.deps.Deployments.UpdateStatus(ctx, d.ID, u); err != nil {
		if errors.Is(err, repositories.ErrStatusConflict) {
			return fmt.Errorf("%w: %w", &TransitionError{ID: d.ID, From: d.Status, To: next}, err)
		}
		return err
	}
	d.Status = next
	if u.Progress != nil {
		d.Progress = *u.Progress
	}
	if u.ErrorMessage != nil {
		d.ErrorMessage = u.ErrorMessage
	}
	if u.CompletedAt != nil {
		d.CompletedAt = u.CompletedAt
	}
	if u.DurationSeconds != nil {
		d.DurationSeconds = u.DurationSeconds
	}
	return nil
}

// failDeployment ends d as failed. A deployment that never started is moved
// through in_progress first so every failure follows the same edges.
func (e *Engine) failDeployment(ctx context.Context, d *models.Deployment, u repositories.StatusUpdate) error {
	if d.Status == models.DeploymentStatusPending {
		if err := e.transition(ctx, d, models.DeploymentStatusInProgress, repositories.StatusUpdate{}); err != nil {
			return err
		}
	}
	return e.transition(ctx, d, models.DeploymentStatusFailed, u)
}

func (e *Engine) setInstanceStatus(ctx context.Context, instanceID string, status models.InstanceStatus) {
	if err := e.deps.Instances.SetStatus(ctx, instanceID, status); err != nil {
		slog.Error("failed to update instance status", "instance_id", instanceID, "status", status, "error", err)
	}
}

func snapshot(d *models.Deployment) *models.Deployment {
	cp := *d
	return &cp
}

func ptr[T any](v T) *T { return &v }
