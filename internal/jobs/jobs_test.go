package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/instances"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealthRegistry struct {
	mu      sync.Mutex
	due     []*models.OdooInstance
	listErr error
	failFor map[string]bool
	checked []string
	asOf    time.Time
}

func (f *fakeHealthRegistry) DueForHealthCheck(_ context.Context, now time.Time) ([]*models.OdooInstance, error) {
	f.asOf = now
	return f.due, f.listErr
}

func (f *fakeHealthRegistry) HealthCheck(_ context.Context, id string) (*instances.HealthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, id)
	if f.failFor[id] {
		return nil, errors.New("boom")
	}
	return &instances.HealthResult{InstanceID: id, Healthy: id != "sick"}, nil
}

func TestHealthChecker_RunOnce(t *testing.T) {
	reg := &fakeHealthRegistry{
		due:     []*models.OdooInstance{{ID: "a"}, {ID: "sick"}, {ID: "broken"}},
		failFor: map[string]bool{"broken": true},
	}
	h := NewHealthChecker(reg, time.Minute, 2)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	n := h.RunOnce(context.Background())
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"a", "sick", "broken"}, reg.checked)
	assert.Equal(t, fixed, reg.asOf)
}

func TestHealthChecker_ListFailure(t *testing.T) {
	reg := &fakeHealthRegistry{listErr: errors.New("db down")}
	assert.Zero(t, NewHealthChecker(reg, 0, 0).RunOnce(context.Background()))
	assert.Empty(t, reg.checked)
}

func TestHealthChecker_StartStop(t *testing.T) {
	reg := &fakeHealthRegistry{due: []*models.OdooInstance{{ID: "a"}}}
	h := NewHealthChecker(reg, time.Hour, 1)

	done := make(chan struct{})
	go func() {
		h.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.checked) == 1
	}, time.Second, 10*time.Millisecond, "first pass runs immediately")

	h.Stop()
	h.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checker did not stop")
	}
}

type countingReaper struct {
	calls atomic.Int32
	err   error
}

func (c *countingReaper) ReapStale(context.Context) (int, error) {
	c.calls.Add(1)
	return 2, c.err
}

func TestStaleDeploymentReaper_RunsOnStartAndStopsOnCancel(t *testing.T) {
	r := &countingReaper{}
	job := NewStaleDeploymentReaper(r, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestStaleDeploymentReaper_ErrorIsLogged(t *testing.T) {
	r := &countingReaper{err: errors.New("db down")}
	job := NewStaleDeploymentReaper(r, 0)
	job.run(context.Background())
	assert.EqualValues(t, 1, r.calls.Load())
}
