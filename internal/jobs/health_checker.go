// health_checker.go implements the HealthChecker background job. Every tick it
// asks the registry which instances are due according to their own
// health_check_interval and probes them with bounded concurrency.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/instances"
)

// HealthRegistry is the part of the instance registry the job needs
type HealthRegistry interface {
	DueForHealthCheck(ctx context.Context, now time.Time) ([]*models.OdooInstance, error)
	HealthCheck(ctx context.Context, id string) (*instances.HealthResult, error)
}

// HealthChecker periodically probes monitored instances
type HealthChecker struct {
	registry    HealthRegistry
	interval    time.Duration
	concurrency int
	now         func() time.Time
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewHealthChecker creates a HealthChecker. interval is how often the due list
// is evaluated, not the per-instance check interval.
func NewHealthChecker(registry HealthRegistry, interval time.Duration, concurrency int) *HealthChecker {
	if interval <= 0 {
		interval = time.Minute
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &HealthChecker{
		registry:    registry,
		interval:    interval,
		concurrency: concurrency,
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
}

// Start runs a first pass immediately, then one per interval, until ctx is
// cancelled or Stop is called.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	slog.Info("instance health checker started", "interval", h.interval)
	h.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			h.RunOnce(ctx)
		case <-h.stopChan:
			slog.Info("instance health checker stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit
func (h *HealthChecker) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// RunOnce checks every instance that is due and returns how many were probed
func (h *HealthChecker) RunOnce(ctx context.Context) int {
	due, err := h.registry.DueForHealthCheck(ctx, h.now())
	if err != nil {
		slog.Error("health checker: failed to list instances", "error", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for _, inst := range due {
		id := inst.ID
		g.Go(func() error {
			res, err := h.registry.HealthCheck(gctx, id)
			if err != nil {
				slog.Warn("health checker: check failed", "instance_id", id, "error", err)
				return nil
			}
			if !res.Healthy {
				slog.Warn("instance unhealthy", "instance_id", id, "error", res.Error)
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Debug("health checker pass complete", "checked", len(due))
	return len(due)
}
