package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streaming-proxy-go/internal/metrics"
)

// RegisterRoutes sends every path and method on the proxy listener to the matcher.
func RegisterRoutes(e *echo.Echo, m *Matcher) {
	e.Any("/", m.Match)
	e.Any("/*", m.Match)
	e.RouteNotFound("/*", m.Match)
}

// RegisterAdminRoutes wires health, status and, when m is non-nil, the
// Prometheus endpoint onto the admin listener.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, m *metrics.Metrics, metricsPath string) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if m != nil {
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
