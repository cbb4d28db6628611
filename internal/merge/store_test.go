package merge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/templates"
	"github.com/stretchr/testify/require"
)

type memVersions struct {
	mu        sync.Mutex
	templates map[string]*models.Template
	versions  map[string]*models.TemplateVersion
	seq       int
	createErr error
	created   int
}

func newMemVersions(templateIDs ...string) *memVersions {
	m := &memVersions{
		templates: make(map[string]*models.Template),
		versions:  make(map[string]*models.TemplateVersion),
	}
	for _, id := range templateIDs {
		m.templates[id] = &models.Template{ID: id, Name: id, TemplateType: "standard"}
	}
	return m
}

func (m *memVersions) add(t *testing.T, templateID, version string, s *templates.TemplateStructure) *models.TemplateVersion {
	t.Helper()
	raw, err := templates.Encode(s)
	require.NoError(t, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	v := &models.TemplateVersion{
		ID:         fmt.Sprintf("v-%d", m.seq),
		TemplateID: templateID,
		Version:    version,
		Structure:  raw,
		CreatedAt:  time.Unix(int64(m.seq), 0),
	}
	m.versions[v.ID] = v
	return v
}

func (m *memVersions) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, apperrors.NewNotFound("Template", id)
	}
	return t, nil
}

func (m *memVersions) GetVersion(ctx context.Context, id string) (*models.TemplateVersion, error) {
	v, err := m.FindVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apperrors.NewNotFound("Template version", id)
	}
	return v, nil
}

func (m *memVersions) FindVersion(ctx context.Context, id string) (*models.TemplateVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (m *memVersions) ListBranches(ctx context.Context, templateID string) ([]*models.TemplateVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TemplateVersion
	for _, v := range m.versions {
		if v.TemplateID == templateID && v.BranchName != nil {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memVersions) CreateNextVersion(ctx context.Context, v *models.TemplateVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	var numbers []string
	for _, existing := range m.versions {
		if existing.TemplateID == v.TemplateID {
			numbers = append(numbers, existing.Version)
		}
	}
	if len(numbers) == 0 {
		v.Version = templates.InitialVersion
	} else {
		v.Version = templates.NextPatchVersion(templates.HighestVersion(numbers))
	}
	m.insert(v)
	return nil
}

func (m *memVersions) CreateBranchVersion(ctx context.Context, v *models.TemplateVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.insert(v)
	return nil
}

func (m *memVersions) insert(v *models.TemplateVersion) {
	m.seq++
	m.created++
	v.ID = fmt.Sprintf("v-%d", m.seq)
	v.CreatedAt = time.Unix(int64(m.seq), 0)
	cp := *v
	m.versions[v.ID] = &cp
}
