package service

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"streaming-proxy-go/internal/client"
	"streaming-proxy-go/internal/config"
	"streaming-proxy-go/internal/model"
)

func boolPtr(b bool) *bool { return &b }

func newTestForwarder(t *testing.T, fwd config.ForwardingConfig, chunk int) *Forwarder {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			ChunkSizeBytes:  chunk,
		},
		Forwarding: fwd,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewForwarder(client.NewUpstream(cfg, logger, nil), cfg, logger)
}

func destinationOf(t *testing.T, srv *httptest.Server) model.Destination {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return model.Destination{Host: u.Hostname(), Port: port}
}

func TestRemoveHopByHop(t *testing.T) {
	h := http.Header{
		"Connection":          {"keep-alive, X-Session-Hint"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authorization": {"Basic abc"},
		"Te":                  {"trailers"},
		"Upgrade":             {"h2c"},
		"X-Session-Hint":      {"1"},
		"Accept":              {"*/*"},
		"Cookie":              {"a=b"},
		"Trailer":             {"X-Checksum"},
	}

	RemoveHopByHop(h)

	tests := []struct {
		key  string
		want int
	}{
		{"Connection", 0},
		{"Keep-Alive", 0},
		{"Proxy-Authorization", 0},
		{"Te", 0},
		{"Upgrade", 0},
		{"X-Session-Hint", 0},
		{"Accept", 1},
		{"Cookie", 1},
		{"Trailer", 1},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := len(h.Values(tt.key)); got != tt.want {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.want)
			}
		})
	}
}

func TestBuildRequest_URLAndHost(t *testing.T) {
	tests := []struct {
		name     string
		policy   config.ForwardingConfig
		target   string
		wantURL  string
		wantHost string
	}{
		{
			name:     "path and query kept, host preserved",
			target:   "http://app.example.com/v1/items?id=7&sort=asc",
			wantURL:  "http://10.0.0.1:9001/v1/items?id=7&sort=asc",
			wantHost: "app.example.com",
		},
		{
			name:     "escaped path kept",
			target:   "http://app.example.com/a%2Fb",
			wantURL:  "http://10.0.0.1:9001/a%2Fb",
			wantHost: "app.example.com",
		},
		{
			name:     "host rewritten to backend",
			policy:   config.ForwardingConfig{PreserveHost: boolPtr(false)},
			target:   "http://app.example.com/",
			wantURL:  "http://10.0.0.1:9001/",
			wantHost: "10.0.0.1:9001",
		},
	}

	dst := model.Destination{Host: "10.0.0.1", Port: 9001}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestForwarder(t, tt.policy, 0)
			in := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)

			out, err := f.buildRequest(in, dst)
			if err != nil {
				t.Fatalf("buildRequest() error = %v", err)
			}
			if got := out.URL.String(); got != tt.wantURL {
				t.Errorf("URL = %q, want %q", got, tt.wantURL)
			}
			if out.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", out.Host, tt.wantHost)
			}
			if out.Method != http.MethodGet {
				t.Errorf("Method = %q, want GET", out.Method)
			}
		})
	}
}

func TestBuildHeaders(t *testing.T) {
	in := httptest.NewRequest(http.MethodGet, "http://app.example.com/", http.NoBody)
	in.RemoteAddr = "192.0.2.10:51000"
	in.Header.Set("Accept-Encoding", "gzip")
	in.Header.Set("Authorization", "Bearer token")
	in.Header.Set("Connection", "close")
	in.Header.Set("X-Forwarded-For", "203.0.113.5")

	t.Run("pass-through by default", func(t *testing.T) {
		h := newTestForwarder(t, config.ForwardingConfig{}, 0).buildHeaders(in)
		if h.Get("Accept-Encoding") != "gzip" {
			t.Errorf("Accept-Encoding = %q, want gzip", h.Get("Accept-Encoding"))
		}
		if h.Get("Authorization") != "Bearer token" {
			t.Errorf("Authorization = %q, want it forwarded", h.Get("Authorization"))
		}
		if h.Get("Connection") != "" {
			t.Errorf("Connection = %q, want stripped", h.Get("Connection"))
		}
		if h.Get("X-Forwarded-For") != "203.0.113.5" {
			t.Errorf("X-Forwarded-For = %q, want untouched", h.Get("X-Forwarded-For"))
		}
		if h.Get("X-Forwarded-Proto") != "" {
			t.Errorf("X-Forwarded-Proto = %q, want absent", h.Get("X-Forwarded-Proto"))
		}
		if vals, ok := h["User-Agent"]; !ok || vals[0] != "" {
			t.Errorf("User-Agent = %v, want explicitly empty", vals)
		}
	})

	t.Run("forwarded headers", func(t *testing.T) {
		h := newTestForwarder(t, config.ForwardingConfig{ForwardedHeaders: true}, 0).buildHeaders(in)
		if got := h.Get("X-Forwarded-For"); got != "203.0.113.5, 192.0.2.10" {
			t.Errorf("X-Forwarded-For = %q, want appended chain", got)
		}
		if got := h.Get("X-Forwarded-Host"); got != "app.example.com" {
			t.Errorf("X-Forwarded-Host = %q, want app.example.com", got)
		}
		if got := h.Get("X-Forwarded-Proto"); got != "http" {
			t.Errorf("X-Forwarded-Proto = %q, want http", got)
		}
	})

	t.Run("hop-by-hop kept when stripping disabled", func(t *testing.T) {
		h := newTestForwarder(t, config.ForwardingConfig{StripHopByHop: boolPtr(false)}, 0).buildHeaders(in)
		if h.Get("Connection") != "close" {
			t.Errorf("Connection = %q, want close", h.Get("Connection"))
		}
	})

	if in.Header.Get("Connection") != "close" {
		t.Error("inbound request headers must not be mutated")
	}
}

// sizeRecorder records the length of every slice it is asked to fill.
type sizeRecorder struct {
	r     io.Reader
	sizes []int
}

func (s *sizeRecorder) Read(p []byte) (int, error) {
	s.sizes = append(s.sizes, len(p))
	return s.r.Read(p)
}

func TestChunkReader_BoundsReads(t *testing.T) {
	src := &sizeRecorder{r: bytes.NewReader(bytes.Repeat([]byte("x"), 10_000))}
	cr := &chunkReader{r: src, size: 1024}

	n, err := io.CopyBuffer(io.Discard, cr, make([]byte, 64*1024))
	if err != nil {
		t.Fatalf("copy error = %v", err)
	}
	if n != 10_000 {
		t.Errorf("copied %d bytes, want 10000", n)
	}
	for i, size := range src.sizes {
		if size > 1024 {
			t.Fatalf("read %d asked for %d bytes, want at most 1024", i, size)
		}
	}
}

func TestForward_StreamsBodyAndHeaders(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 8*1024) // 128 KiB

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host != "app.example.com" {
			t.Errorf("Host = %q, want app.example.com", r.Host)
		}
		if r.URL.RequestURI() != "/upload?name=blob" {
			t.Errorf("RequestURI = %q, want /upload?name=blob", r.URL.RequestURI())
		}
		if ua := r.Header.Get("User-Agent"); ua != "" {
			t.Errorf("User-Agent = %q, want none", ua)
		}
		got, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("body length = %d, want %d", len(got), len(payload))
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, config.ForwardingConfig{}, 4096)
	in := httptest.NewRequest(http.MethodPost, "http://app.example.com/upload?name=blob", bytes.NewReader(payload))

	resp, err := f.Forward(in, destinationOf(t, upstream))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Errorf("X-Upstream = %q, want yes", resp.Header.Get("X-Upstream"))
	}
}

func TestForward_ChunkedUpload(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != -1 {
			t.Errorf("ContentLength = %d, want -1 (chunked)", r.ContentLength)
		}
		got, _ := io.ReadAll(r.Body)
		_, _ = w.Write(got)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, config.ForwardingConfig{}, 0)
	in := httptest.NewRequest(http.MethodPut, "http://app.example.com/echo", io.NopCloser(strings.NewReader("streamed")))
	in.ContentLength = -1

	resp, err := f.Forward(in, destinationOf(t, upstream))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "streamed" {
		t.Errorf("body = %q, want %q", body, "streamed")
	}
}

func TestForward_UpstreamDown(t *testing.T) {
	f := newTestForwarder(t, config.ForwardingConfig{}, 0)
	in := httptest.NewRequest(http.MethodGet, "http://app.example.com/", http.NoBody)

	_, err := f.Forward(in, model.Destination{Host: "127.0.0.1", Port: 1})
	if err == nil {
		t.Fatal("Forward() expected error for unreachable backend, got nil")
	}
	if !strings.Contains(err.Error(), "forward to 127.0.0.1:1") {
		t.Errorf("error = %q, want destination in message", err)
	}
}

func TestNewForwarder_DefaultChunkSize(t *testing.T) {
	f := newTestForwarder(t, config.ForwardingConfig{}, 0)
	if f.ChunkSize() != config.DefaultChunkSize {
		t.Errorf("ChunkSize() = %d, want %d", f.ChunkSize(), config.DefaultChunkSize)
	}
}
