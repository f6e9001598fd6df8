// Package client provides the upstream HTTP client used to reach backends.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"streaming-proxy-go/internal/config"
	"streaming-proxy-go/internal/metrics"
	"streaming-proxy-go/internal/model"
)

// ErrCircuitOpen is returned when the breaker for a backend rejects the request.
var ErrCircuitOpen = errors.New("upstream circuit open")

// errServerStatus marks 5xx responses as failures for the breaker while the
// response itself is still relayed.
var errServerStatus = errors.New("upstream server error status")

// Upstream sends requests to backends and returns their responses unmodified.
type Upstream struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	breakers   *breakerSet
}

// NewUpstream creates an Upstream client with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// Response bodies are never decoded: the transport does not request
// compression, so Content-Encoding and the body bytes pass through as sent.
// Redirects from the backend are returned to the caller, not followed.
func NewUpstream(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DisableCompression:    true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	u := &Upstream{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}

	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		u.breakers = newBreakerSet(cb, u.logger, m)
	}

	return u
}

// Do sends req to backend and returns once the response preamble has arrived.
// The caller is responsible for closing the response body.
func (c *Upstream) Do(req *http.Request, backend model.Destination) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"backend", backend.Addr(),
		"path", req.URL.Path,
	)

	var (
		resp *http.Response
		err  error
	)
	start := time.Now()
	if c.breakers == nil {
		resp, err = c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	} else {
		resp, err = c.doWithBreaker(req, backend)
	}
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	c.checkCookies(resp.Header, backend)

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Trailer:    resp.Trailer,
		Body:       resp.Body,
	}, nil
}

func (c *Upstream) doWithBreaker(req *http.Request, backend model.Destination) (*http.Response, error) {
	cb := c.breakers.get(backend.Addr())
	result, err := cb.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req) //nolint:bodyclose // returned to caller
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServerStatus
		}
		return resp, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, backend.Addr())
	case errors.Is(err, errServerStatus):
		return result.(*http.Response), nil
	case err != nil:
		return nil, err
	}
	return result.(*http.Response), nil
}

// checkCookies logs Set-Cookie values that do not parse. The headers are
// relayed untouched either way.
func (c *Upstream) checkCookies(h http.Header, backend model.Destination) {
	for _, v := range h.Values("Set-Cookie") {
		if _, err := http.ParseSetCookie(v); err != nil {
			c.logger.Warn("can not load response cookie",
				"backend", backend.Addr(),
				"err", err,
			)
		}
	}
}

// breakerSet holds one circuit breaker per backend address.
type breakerSet struct {
	settings config.CircuitBreakerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(cfg config.CircuitBreakerConfig, logger *slog.Logger, m *metrics.Metrics) *breakerSet {
	return &breakerSet{
		settings: cfg,
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *breakerSet) get(addr string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[addr]; ok {
		return cb
	}

	threshold := uint32(max(s.settings.FailureThreshold, 1)) //nolint:gosec // bounded by config validation
	open := time.Duration(s.settings.OpenSeconds) * time.Second

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A client that went away or sent too much says nothing about the backend.
			var tooLarge *http.MaxBytesError
			return err == nil || errors.Is(err, context.Canceled) || errors.As(err, &tooLarge)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"backend", name,
				"from", from.String(),
				"to", to.String(),
			)
			if s.metrics != nil {
				s.metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			}
		},
	})
	s.breakers[addr] = cb
	return cb
}
