// Package proxy runs the per-request pipeline: resolve the destination,
// forward the request, and relay the upstream response in bounded chunks,
// or render an outcome instead.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"streaming-proxy-go/internal/metrics"
	"streaming-proxy-go/internal/outcome"
	"streaming-proxy-go/internal/resolver"
	"streaming-proxy-go/internal/service"
)

// Handler executes the forwarding pipeline for requests bound to a resolver.
type Handler struct {
	forwarder *service.Forwarder
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewHandler creates a Handler. The metrics parameter is optional.
func NewHandler(f *service.Forwarder, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		forwarder: f,
		logger:    logger.With("component", "proxy_handler"),
		metrics:   m,
	}
}

// Bind returns an http.Handler that resolves every request through r.
func (h *Handler) Bind(r resolver.Resolver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h.serve(w, req, r)
	})
}

func (h *Handler) serve(w http.ResponseWriter, req *http.Request, r resolver.Resolver) {
	start := time.Now()
	tw := &trackingWriter{ResponseWriter: w}

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if p == http.ErrAbortHandler {
			panic(p)
		}
		h.logger.Error("panic in proxy pipeline",
			"panic", fmt.Sprint(p),
			"path", req.URL.Path,
		)
		if !tw.wroteHeader {
			h.render(tw, req, outcome.JSONError(http.StatusInternalServerError, "internal proxy error"))
		}
	}()

	res, err := r.FindDestination(req.Context(), req)
	if err != nil {
		if !errors.Is(err, resolver.ErrUnavailable) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %w", ErrResolver, err)
		}
		h.fail(tw, req, fmt.Errorf("resolve destination: %w", err))
		return
	}

	dst, ok := res.Destination()
	if !ok {
		h.render(tw, req, res.Outcome())
		return
	}
	if err := dst.Validate(); err != nil {
		h.fail(tw, req, err)
		return
	}

	resp, err := h.forwarder.Forward(req, dst)
	if err != nil {
		h.fail(tw, req, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	h.logger.Info("upstream connected",
		"method", req.Method,
		"path", req.URL.Path,
		"addr", dst.Addr(),
		"status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	h.copyHeaders(tw.Header(), resp.Header)
	announceTrailers(tw.Header(), resp.Trailer)
	tw.WriteHeader(resp.StatusCode)

	n, chunks, err := h.relay(tw, req, resp.Body)
	if h.metrics != nil {
		h.metrics.RelayedBytes.Add(float64(n))
	}
	if err != nil {
		level := slog.LevelWarn
		if req.Context().Err() != nil {
			level = slog.LevelDebug
		}
		h.logger.Log(req.Context(), level, "relay aborted",
			"addr", dst.Addr(),
			"path", req.URL.Path,
			"bytes", n,
			"chunks", chunks,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"err", err,
		)
		return
	}

	writeTrailers(tw.Header(), resp.Trailer)

	h.logger.Info("relay complete",
		"addr", dst.Addr(),
		"path", req.URL.Path,
		"bytes", n,
		"chunks", chunks,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

func (h *Handler) copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
	if h.forwarder.StripHopByHop() {
		service.RemoveHopByHop(dst)
	}
}

// announceTrailers declares the upstream trailer names before the header is
// written.
func announceTrailers(dst, trailer http.Header) {
	if len(trailer) == 0 {
		return
	}
	names := make([]string, 0, len(trailer))
	for key := range trailer {
		names = append(names, key)
	}
	sort.Strings(names)
	dst.Set("Trailer", strings.Join(names, ", "))
}

// writeTrailers copies the upstream trailer values once the body is done.
// TrailerPrefix lets the server send them even if a name was not announced.
func writeTrailers(dst, trailer http.Header) {
	for key, vals := range trailer {
		for _, v := range vals {
			dst.Add(http.TrailerPrefix+key, v)
		}
	}
}

// relay copies body to w one chunk at a time, flushing after every write so
// each chunk reaches the client before the next is read. It stops at the
// first read or write error, or when the client goes away.
func (h *Handler) relay(w *trackingWriter, req *http.Request, body io.Reader) (int64, int, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, h.forwarder.ChunkSize())

	var (
		total  int64
		chunks int
	)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, chunks, fmt.Errorf("write downstream: %w", err)
			}
			total += int64(n)
			chunks++
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return total, chunks, fmt.Errorf("flush downstream: %w", err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, chunks, nil
		}
		if rerr != nil {
			return total, chunks, fmt.Errorf("read upstream: %w", rerr)
		}
		if err := req.Context().Err(); err != nil {
			return total, chunks, err
		}
	}
}

// fail maps err to an outcome and renders it. Nothing is written when the
// client has already gone away.
func (h *Handler) fail(w *trackingWriter, req *http.Request, err error) {
	o := mapError(err)
	if o == nil {
		h.logger.Debug("client went away",
			"path", req.URL.Path,
			"err", err,
		)
		return
	}

	level := slog.LevelError
	if o.StatusCode() < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(req.Context(), level, "proxy error",
		"err", err,
		"method", req.Method,
		"path", req.URL.Path,
		"status", o.StatusCode(),
	)
	h.render(w, req, o)
}

func (h *Handler) render(w http.ResponseWriter, req *http.Request, o outcome.Outcome) {
	if h.metrics != nil {
		h.metrics.OutcomesRendered.WithLabelValues(metrics.NormalizeStatus(o.StatusCode())).Inc()
	}
	outcome.Render(w, req, o)
}

// trackingWriter records whether the response preamble has been sent.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wroteHeader = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.wroteHeader = true
	return t.ResponseWriter.Write(p)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}
