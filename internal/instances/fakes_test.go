package instances

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo/odootest"
	"github.com/odoo-orchestrator/orchestrator/internal/odoosh"
)

type memInstances struct {
	mu    sync.Mutex
	items map[string]*models.OdooInstance
}

func newMemInstances() *memInstances {
	return &memInstances{items: make(map[string]*models.OdooInstance)}
}

func (m *memInstances) CreateInstance(ctx context.Context, inst *models.OdooInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	cp := *inst
	m.items[inst.ID] = &cp
	return nil
}

func (m *memInstances) GetInstance(ctx context.Context, id string) (*models.OdooInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (m *memInstances) ListInstances(ctx context.Context, companyID string) ([]*models.OdooInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.OdooInstance
	for _, inst := range m.items {
		if companyID == "" || inst.CompanyID == companyID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memInstances) ListMonitored(ctx context.Context) ([]*models.OdooInstance, error) {
	return m.ListInstances(ctx, "")
}

func (m *memInstances) UpdateCredentials(ctx context.Context, id, username, pwd string, token *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.items[id]
	inst.AdminUsername, inst.AdminPasswordEncrypted = username, pwd
	if token != nil {
		inst.OdooShTokenEncrypted = token
	}
	return nil
}

func (m *memInstances) UpdateStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id].Status = status
	return nil
}

func (m *memInstances) RecordHealthCheck(ctx context.Context, id string, status models.InstanceStatus, health string, version *string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.items[id]
	inst.Status = status
	inst.LastHealthStatus = &health
	inst.OdooVersion = version
	inst.LastHealthCheckAt = &at
	return nil
}

type memBackups struct {
	mu    sync.Mutex
	items map[string]*models.InstanceBackup
	clock time.Time
}

func newMemBackups() *memBackups {
	return &memBackups{items: make(map[string]*models.InstanceBackup), clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (m *memBackups) CreateBackup(ctx context.Context, b *models.InstanceBackup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	m.clock = m.clock.Add(time.Minute)
	b.Status = models.BackupStatusCreating
	b.CreatedAt = m.clock
	cp := *b
	m.items[b.ID] = &cp
	return nil
}

func (m *memBackups) MarkCompleted(ctx context.Context, b *models.InstanceBackup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Status = models.BackupStatusCompleted
	cp := *b
	m.items[b.ID] = &cp
	return nil
}

func (m *memBackups) MarkFailed(ctx context.Context, id, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.items[id]
	b.Status = models.BackupStatusFailed
	b.ErrorMessage = &reason
	return nil
}

func (m *memBackups) GetBackup(ctx context.Context, id string) (*models.InstanceBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *memBackups) ListBackups(ctx context.Context, instanceID string) ([]*models.InstanceBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.InstanceBackup
	for _, b := range m.items {
		if b.InstanceID == instanceID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// prefixCipher marks sealed values so tests can tell them apart from plaintext
// and counts decryptions
type prefixCipher struct {
	opens atomic.Int32
}

func (*prefixCipher) Seal(s string) (string, error) { return "sealed:" + s, nil }

func (c *prefixCipher) Open(s string) (string, error) {
	c.opens.Add(1)
	if !strings.HasPrefix(s, "sealed:") {
		return "", errors.New("ciphertext is corrupt")
	}
	return strings.TrimPrefix(s, "sealed:"), nil
}

type fakeOdooSh struct {
	mu         sync.Mutex
	token      string
	restored   string
	createErr  error
	restoreErr error
}

func (f *fakeOdooSh) CreateBackup(ctx context.Context, token, project, branch string) (*odoosh.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &odoosh.Backup{ID: "sh-" + project + "-" + branch, State: odoosh.BackupStatePending}, nil
}

func (f *fakeOdooSh) WaitForBackup(ctx context.Context, token, project, branch, id string) (*odoosh.Backup, error) {
	return &odoosh.Backup{ID: id, State: odoosh.BackupStateDone, Size: 4096, DownloadURL: "https://sh.example/" + id}, nil
}

func (f *fakeOdooSh) RestoreBackup(ctx context.Context, token, project, branch, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = id
	return f.restoreErr
}

// dialRecorder hands out one shared fake and remembers the configs it was asked for
type dialRecorder struct {
	mu      sync.Mutex
	fake    *odootest.Transport
	configs []odoo.Config
}

func (d *dialRecorder) dial(cfg odoo.Config) odoo.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs = append(d.configs, cfg)
	return d.fake
}
