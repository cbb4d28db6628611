package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reaper fails deployments that stopped making progress
type Reaper interface {
	ReapStale(ctx context.Context) (int, error)
}

// StaleDeploymentReaper runs Reaper.ReapStale on start and then periodically,
// recovering deployments orphaned by a crashed process.
type StaleDeploymentReaper struct {
	reaper   Reaper
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewStaleDeploymentReaper creates the job
func NewStaleDeploymentReaper(reaper Reaper, interval time.Duration) *StaleDeploymentReaper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &StaleDeploymentReaper{reaper: reaper, interval: interval, stopChan: make(chan struct{})}
}

// Start blocks until ctx is cancelled or Stop is called
func (j *StaleDeploymentReaper) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.run(ctx)
	for {
		select {
		case <-ticker.C:
			j.run(ctx)
		case <-j.stopChan:
			slog.Info("stale deployment reaper stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit
func (j *StaleDeploymentReaper) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

func (j *StaleDeploymentReaper) run(ctx context.Context) {
	n, err := j.reaper.ReapStale(ctx)
	if err != nil {
		slog.Error("stale deployment reaper failed", "error", err)
		return
	}
	if n > 0 {
		slog.Warn("reaped stale deployments", "count", n)
	}
}
