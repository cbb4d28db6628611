// Package telemetry provides application-level observability for the orchestrator.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<ORCH_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Odoo XML-RPC call counters, latencies and retries
//   - Deployment outcomes, durations and per-item results
//   - Template merge outcomes and conflict counts
//   - Backup and health-check outcomes
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// RPC metrics are labelled by XML-RPC service and Odoo method name (create, write,
// button_immediate_install, ...), never by model or record id. Deployment metrics
// never carry instance or deployment ids.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics: labelled by method, route template, and status code.
//
// HTTPRequestsTotal holds the Gin route template (e.g. /api/v1/deployments/:id/logs)
// in its path label.
//
// Example PromQL queries:
//   - Error rate (%):  sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency:     histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Odoo RPC metrics: recorded by the XML-RPC client for every HTTP round-trip.
//
// OdooRPCCallsTotal has labels {service, method, outcome}. service is "common",
// "object" or "db"; outcome is one of ok, fault, auth, timeout, transport.
//
// OdooRPCRetriesTotal counts attempts that were retried after a transient failure.
// A sustained non-zero rate usually means a flapping customer instance.
//
// Example PromQL queries:
//   - Fault ratio:        sum(rate(odoo_rpc_calls_total{outcome!="ok"}[15m])) / sum(rate(odoo_rpc_calls_total[15m]))
//   - Slowest methods:    topk(5, histogram_quantile(0.95, sum by (method, le) (rate(odoo_rpc_duration_seconds_bucket[1h]))))
var (
	OdooRPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "odoo_rpc_calls_total",
			Help: "Total number of Odoo XML-RPC round-trips, by service, method and outcome.",
		},
		[]string{"service", "method", "outcome"},
	)

	OdooRPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "odoo_rpc_duration_seconds",
			Help:    "Latency of single Odoo XML-RPC round-trips, by service and method.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
		},
		[]string{"service", "method"},
	)

	OdooRPCRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "odoo_rpc_retries_total",
			Help: "Total number of retried Odoo XML-RPC attempts, by service and method.",
		},
		[]string{"service", "method"},
	)
)

// Deployment metrics: recorded by the deployment engine.
//
// DeploymentsTotal has label {status} and is incremented once per deployment when it
// reaches success, failed or rolled_back.
// DeploymentItemsTotal has labels {section, outcome} where outcome is applied, skipped,
// failed or pending.
//
// Example PromQL queries:
//   - Failure ratio:        sum(rate(deployments_total{status="failed"}[1d])) / sum(rate(deployments_total[1d]))
//   - Items stuck pending:  sum by (section) (increase(deployment_items_total{outcome="pending"}[1d]))
var (
	DeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployments_total",
			Help: "Total number of deployments that reached a terminal status, by status.",
		},
		[]string{"status"},
	)

	DeploymentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deployment_duration_seconds",
			Help:    "Wall-clock duration of finished deployments.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)

	DeploymentsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deployments_in_flight",
			Help: "Number of deployments currently executing in this process.",
		},
	)

	DeploymentItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployment_items_total",
			Help: "Total number of template items processed by deployments, by section and outcome.",
		},
		[]string{"section", "outcome"},
	)

	StaleDeploymentsReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_deployments_reaped_total",
			Help: "Total number of abandoned deployments marked failed by the reaper job.",
		},
	)
)

// Merge metrics: MergeOperationsTotal has label {outcome}: merged, conflicts or error.
var (
	MergeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "template_merges_total",
			Help: "Total number of template version merges, by outcome.",
		},
		[]string{"outcome"},
	)

	MergeConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "template_merge_conflicts_total",
			Help: "Total number of unresolved conflicts reported by template merges.",
		},
	)
)

// Instance metrics: BackupsTotal has labels {method, outcome}; InstanceHealthChecksTotal
// has label {outcome} (healthy or unhealthy).
var (
	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instance_backups_total",
			Help: "Total number of instance backups attempted, by deployment method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	InstanceHealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instance_health_checks_total",
			Help: "Total number of instance health checks, by outcome.",
		},
		[]string{"outcome"},
	)
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds.
// The goroutine exits once the database stops answering pings, which happens
// when main closes the pool on shutdown.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
