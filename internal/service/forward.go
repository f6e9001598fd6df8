// Package service builds upstream requests from inbound ones and sends them.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"streaming-proxy-go/internal/client"
	"streaming-proxy-go/internal/config"
	"streaming-proxy-go/internal/model"
)

// Forwarder turns an inbound request into an upstream request for a
// resolved destination and returns the response preamble.
type Forwarder struct {
	upstream  *client.Upstream
	policy    config.ForwardingConfig
	chunkSize int
	logger    *slog.Logger
}

// NewForwarder creates a Forwarder using the forwarding policy and chunk size from cfg.
func NewForwarder(u *client.Upstream, cfg *config.Config, logger *slog.Logger) *Forwarder {
	chunk := cfg.Upstream.ChunkSizeBytes
	if chunk <= 0 {
		chunk = config.DefaultChunkSize
	}
	return &Forwarder{
		upstream:  u,
		policy:    cfg.Forwarding,
		chunkSize: chunk,
		logger:    logger.With("component", "forwarder"),
	}
}

// ChunkSize is the upper bound on a single body read, in both directions.
func (f *Forwarder) ChunkSize() int {
	return f.chunkSize
}

// StripHopByHop reports whether hop-by-hop headers are removed on both legs.
func (f *Forwarder) StripHopByHop() bool {
	return f.policy.StripHop()
}

// Forward sends req to dst. The caller owns the returned body and must close it.
// The inbound context governs the upstream exchange, so a client that goes
// away aborts the upstream request too.
func (f *Forwarder) Forward(req *http.Request, dst model.Destination) (*model.ProxyResponse, error) {
	out, err := f.buildRequest(req, dst)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("forwarding request",
		"method", req.Method,
		"backend", dst.Addr(),
		"path", req.URL.Path,
	)

	resp, err := f.upstream.Do(out, dst)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", dst.Addr(), err)
	}
	return resp, nil
}

func (f *Forwarder) buildRequest(req *http.Request, dst model.Destination) (*http.Request, error) {
	target := "http://" + dst.Addr() + req.URL.RequestURI()

	body := io.Reader(http.NoBody)
	if req.Body != nil && req.Body != http.NoBody && req.ContentLength != 0 {
		body = &chunkReader{r: req.Body, size: f.chunkSize}
	}

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != http.NoBody {
		// -1 keeps chunked uploads chunked.
		out.ContentLength = req.ContentLength
	}

	out.Header = f.buildHeaders(req)
	if f.policy.KeepHost() {
		out.Host = req.Host
	}
	return out, nil
}

func (f *Forwarder) buildHeaders(req *http.Request) http.Header {
	h := req.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if f.policy.StripHop() {
		RemoveHopByHop(h)
	}
	if f.policy.ForwardedHeaders {
		addForwardedHeaders(h, req)
	}
	// An absent User-Agent stays absent instead of becoming Go's default.
	if _, ok := h["User-Agent"]; !ok {
		h.Set("User-Agent", "")
	}
	return h
}

// chunkReader caps every Read at size bytes so uploads move through the
// proxy one bounded chunk at a time.
type chunkReader struct {
	r    io.Reader
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.size {
		p = p[:c.size]
	}
	return c.r.Read(p)
}
