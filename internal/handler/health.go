package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"streaming-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version, the active resolver and the proxy listener.
func (h *HealthHandler) Status(c echo.Context) error {
	body := map[string]any{
		"status":   "ok",
		"version":  string(h.version),
		"resolver": h.cfg.Resolver.Kind,
		"listen":   h.cfg.Server.Addr(),
	}
	if h.cfg.Resolver.Kind == config.ResolverChain {
		body["chain"] = h.cfg.Resolver.Chain
	}
	return c.JSON(http.StatusOK, body)
}
