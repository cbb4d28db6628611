package instances

import (
	"context"
	"log/slog"
	"time"

	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
)

// Health statuses recorded in last_health_status
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// HealthResult is the outcome of one health probe
type HealthResult struct {
	InstanceID  string                `json:"instance_id"`
	Healthy     bool                  `json:"healthy"`
	Status      models.InstanceStatus `json:"status"`
	OdooVersion string                `json:"odoo_version,omitempty"`
	Error       string                `json:"error,omitempty"`
	CheckedAt   time.Time             `json:"checked_at"`
	LatencyMS   int64                 `json:"latency_ms"`
}

// HealthCheck probes common.version and authenticates. The instance goes to
// active or error; operator-held and in-flight statuses are left untouched and
// only the probe result is recorded.
func (r *Registry) HealthCheck(ctx context.Context, id string) (*HealthResult, error) {
	inst, err := r.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	start := r.now()
	result := &HealthResult{InstanceID: inst.ID, CheckedAt: start}

	probeErr := r.probe(ctx, inst, result)
	result.LatencyMS = r.now().Sub(start).Milliseconds()

	health := HealthHealthy
	status := models.InstanceStatusActive
	if probeErr != nil {
		health = HealthUnhealthy
		status = models.InstanceStatusError
		result.Error = probeErr.Error()
	}
	result.Healthy = probeErr == nil
	if preservesStatus(inst.Status) {
		status = inst.Status
	}
	result.Status = status
	telemetry.InstanceHealthChecksTotal.WithLabelValues(health).Inc()

	var version *string
	if result.OdooVersion != "" {
		version = &result.OdooVersion
	}
	if err := r.instances.RecordHealthCheck(ctx, inst.ID, status, health, version, result.CheckedAt); err != nil {
		return result, err
	}

	if probeErr != nil {
		slog.Warn("instance health check failed", "instance_id", inst.ID, "error", probeErr)
	} else {
		slog.Debug("instance healthy", "instance_id", inst.ID, "odoo_version", result.OdooVersion)
	}
	return result, nil
}

func (r *Registry) probe(ctx context.Context, inst *models.OdooInstance, result *HealthResult) error {
	client, err := r.Connect(ctx, inst)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.ServerVersion(ctx)
	if err != nil {
		return err
	}
	result.OdooVersion = info.ServerVersion
	_, err = client.Authenticate(ctx)
	return err
}

func preservesStatus(s models.InstanceStatus) bool {
	switch s {
	case models.InstanceStatusDeploying, models.InstanceStatusMaintenance,
		models.InstanceStatusSuspended, models.InstanceStatusInactive:
		return true
	}
	return false
}

// DueForHealthCheck lists monitored instances whose own interval has elapsed
func (r *Registry) DueForHealthCheck(ctx context.Context, now time.Time) ([]*models.OdooInstance, error) {
	all, err := r.instances.ListMonitored(ctx)
	if err != nil {
		return nil, err
	}
	var due []*models.OdooInstance
	for _, inst := range all {
		if inst.HealthCheckDue(now) {
			due = append(due, inst)
		}
	}
	return due, nil
}
