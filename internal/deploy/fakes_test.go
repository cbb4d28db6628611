package deploy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/db/repositories"
	"github.com/odoo-orchestrator/orchestrator/internal/instances"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo/odootest"
	"github.com/odoo-orchestrator/orchestrator/internal/templates"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Deployment store
// ---------------------------------------------------------------------------

type memDeployments struct {
	mu          sync.Mutex
	deployments map[string]*models.Deployment
	logs        []*models.DeploymentLog
	nextLogID   int64
	progress    []progressUpdate
}

type progressUpdate struct {
	step    string
	percent int
}

func newMemDeployments() *memDeployments {
	return &memDeployments{deployments: make(map[string]*models.Deployment)}
}

func (m *memDeployments) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt, d.UpdatedAt = time.Now(), time.Now()
	cp := *d
	m.deployments[d.ID] = &cp
	return nil
}

func (m *memDeployments) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *memDeployments) ListByInstance(ctx context.Context, instanceID string, limit int) ([]*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Deployment
	for _, d := range m.deployments {
		if d.InstanceID == instanceID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memDeployments) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Deployment
	for _, d := range m.deployments {
		if (d.Status == models.DeploymentStatusPending || d.Status == models.DeploymentStatusInProgress) && d.StartedAt.Before(cutoff) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDeployments) UpdateStatus(ctx context.Context, id string, u repositories.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if d.Status != u.From {
		return fmt.Errorf("deployment %s: %w", id, repositories.ErrStatusConflict)
	}
	d.Status = u.To
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

func (m *memDeployments) UpdateProgress(ctx context.Context, id string, progress int, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deployments[id]
	d.Progress = progress
	d.CurrentStep = &step
	m.progress = append(m.progress, progressUpdate{step: step, percent: progress})
	return nil
}

func (m *memDeployments) SetBackup(ctx context.Context, id string, backupID *string, skipped bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deployments[id]
	d.BackupID = backupID
	d.BackupSkipped = skipped
	return nil
}

func (m *memDeployments) AppendLog(ctx context.Context, entry *models.DeploymentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	entry.ID = m.nextLogID
	entry.CreatedAt = time.Now()
	cp := *entry
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *memDeployments) ListLogs(ctx context.Context, deploymentID string, level models.LogLevel, limit int) ([]*models.DeploymentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DeploymentLog
	for _, l := range m.logs {
		if l.DeploymentID == deploymentID && (level == "" || l.Level == level) {
			cp := *l
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memDeployments) put(d *models.Deployment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deployments[d.ID] = &cp
}

// ---------------------------------------------------------------------------
// Instance registry
// ---------------------------------------------------------------------------

type fakeRegistry struct {
	mu         sync.Mutex
	instances  map[string]*models.OdooInstance
	statuses   map[string][]models.InstanceStatus
	backups    map[string]*models.InstanceBackup
	client     *odootest.Transport
	backupErr  error
	restoreErr error
	restored   []string
	credsErr   error
	decrypted  int
	// credentials handed to the backup and the transport
	backupCreds, dialCreds *instances.Credentials
}

func newFakeRegistry(client *odootest.Transport) *fakeRegistry {
	return &fakeRegistry{
		instances: map[string]*models.OdooInstance{
			"inst-1": {ID: "inst-1", Name: "acme", Status: models.InstanceStatusActive, DeploymentMethod: models.DeploymentMethodOdooSh},
		},
		statuses: make(map[string][]models.InstanceStatus),
		backups:  make(map[string]*models.InstanceBackup),
		client:   client,
	}
}

func (f *fakeRegistry) GetInstance(ctx context.Context, id string) (*models.OdooInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, apperrors.NewNotFound("Instance", id)
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeRegistry) Credentials(ctx context.Context, inst *models.OdooInstance) (*instances.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decrypted++
	if f.credsErr != nil {
		return nil, f.credsErr
	}
	return &instances.Credentials{InstanceID: inst.ID, Username: "admin"}, nil
}

func (f *fakeRegistry) Dial(creds *instances.Credentials) odoo.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialCreds = creds
	return f.client
}

func (f *fakeRegistry) SetStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], status)
	f.instances[id].Status = status
	return nil
}

func (f *fakeRegistry) CreateBackupWith(ctx context.Context, inst *models.OdooInstance, creds *instances.Credentials, backupType models.BackupType, deploymentID *string) (*models.InstanceBackup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backupCreds = creds
	b := &models.InstanceBackup{
		ID: uuid.New().String(), InstanceID: inst.ID, DeploymentID: deploymentID,
		BackupType: backupType, Status: models.BackupStatusCompleted, CreatedAt: time.Now(),
	}
	if f.backupErr != nil {
		b.Status = models.BackupStatusFailed
		f.backups[b.ID] = b
		return b, f.backupErr
	}
	f.backups[b.ID] = b
	return b, nil
}

func (f *fakeRegistry) GetBackup(ctx context.Context, id string) (*models.InstanceBackup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backups[id]
	if !ok {
		return nil, apperrors.NewNotFound("Backup", id)
	}
	return b, nil
}

func (f *fakeRegistry) RestoreBackup(ctx context.Context, backupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, backupID)
	return f.restoreErr
}

func (f *fakeRegistry) statusHistory(id string) []models.InstanceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.InstanceStatus(nil), f.statuses[id]...)
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type fakeTemplates struct {
	templates map[string]*models.Template
	versions  map[string]*models.TemplateVersion
}

func newFakeTemplates() *fakeTemplates {
	return &fakeTemplates{
		templates: map[string]*models.Template{"tmpl-1": {ID: "tmpl-1", Name: "Retail", TemplateType: "standard"}},
		versions:  make(map[string]*models.TemplateVersion),
	}
}

func (f *fakeTemplates) addVersion(t *testing.T, id, version string, s *templates.TemplateStructure) {
	t.Helper()
	raw, err := templates.Encode(s)
	require.NoError(t, err)
	f.versions[id] = &models.TemplateVersion{ID: id, TemplateID: "tmpl-1", Version: version, Structure: raw, CreatedAt: time.Now()}
}

func (f *fakeTemplates) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	tmpl, ok := f.templates[id]
	if !ok {
		return nil, apperrors.NewNotFound("Template", id)
	}
	return tmpl, nil
}

func (f *fakeTemplates) GetVersion(ctx context.Context, id string) (*models.TemplateVersion, error) {
	v, ok := f.versions[id]
	if !ok {
		return nil, apperrors.NewNotFound("Template version", id)
	}
	return v, nil
}

func (f *fakeTemplates) LatestVersion(ctx context.Context, templateID string) (*models.TemplateVersion, error) {
	var all []*models.TemplateVersion
	for _, v := range f.versions {
		if v.TemplateID == templateID {
			all = append(all, v)
		}
	}
	latest := templates.LatestMainline(all)
	if latest == nil {
		return nil, apperrors.NewNotFound("Template version", templateID)
	}
	return latest, nil
}
