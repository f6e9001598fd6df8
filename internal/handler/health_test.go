package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"streaming-proxy-go/internal/config"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test")
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name      string
		resolver  config.ResolverConfig
		wantChain bool
	}{
		{"static", config.ResolverConfig{Kind: config.ResolverStatic}, false},
		{"chain", config.ResolverConfig{Kind: config.ResolverChain, Chain: []string{"table", "registry"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			cfg := &config.Config{
				Server:   config.ServerConfig{Host: "0.0.0.0", Port: 8000},
				Resolver: tt.resolver,
			}
			h := NewHealthHandler(cfg, "1.2.3")
			if err := h.Status(c); err != nil {
				t.Fatalf("Status() error = %v", err)
			}

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}

			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["version"] != "1.2.3" {
				t.Errorf("body.version = %v, want %q", body["version"], "1.2.3")
			}
			if body["resolver"] != tt.resolver.Kind {
				t.Errorf("body.resolver = %v, want %q", body["resolver"], tt.resolver.Kind)
			}
			if body["listen"] != "0.0.0.0:8000" {
				t.Errorf("body.listen = %v, want %q", body["listen"], "0.0.0.0:8000")
			}
			if _, ok := body["chain"]; ok != tt.wantChain {
				t.Errorf("chain present = %v, want %v", ok, tt.wantChain)
			}
		})
	}
}
