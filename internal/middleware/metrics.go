// Package middleware provides the Gin HTTP middleware of the orchestrator API.
//
// Ordering is fixed in api.NewRouter:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → RateLimit → Auth → RBAC → Handler
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds.
// The path label is the matched route template, or "<no-route>" for 404/405,
// so raw ids never become label values.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
