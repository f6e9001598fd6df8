// Package resolver selects the backend for each inbound request.
//
// A Resolver returns a Resolution: either Forward(destination) or
// Render(outcome). Errors are reserved for faults of the resolver itself
// (an unreachable registry, a cancelled context); "no backend applies" is a
// NotFound outcome, not an error.
package resolver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"streaming-proxy-go/internal/model"
	"streaming-proxy-go/internal/outcome"
)

// ErrUnavailable is returned when a resolver's own backing store cannot be reached.
var ErrUnavailable = errors.New("resolver unavailable")

// Resolver is the destination selection capability the proxy depends on.
type Resolver interface {
	// FindDestination resolves req to a backend or to an outcome that is
	// rendered instead of forwarding. It must honour ctx.
	FindDestination(ctx context.Context, req *http.Request) (Resolution, error)

	// Cleanup releases resources owned by the resolver. It is idempotent and
	// safe on a resolver that never served a request.
	Cleanup() error
}

// Resolution is exactly one of a destination to forward to or an outcome to render.
type Resolution struct {
	dst     model.Destination
	outcome outcome.Outcome
}

// Forward returns a Resolution that sends the request to dst.
func Forward(dst model.Destination) Resolution {
	return Resolution{dst: dst}
}

// Render returns a Resolution that short-circuits with o.
func Render(o outcome.Outcome) Resolution {
	return Resolution{outcome: o}
}

// Destination returns the backend and true when the request is to be forwarded.
func (r Resolution) Destination() (model.Destination, bool) {
	if r.outcome != nil {
		return model.Destination{}, false
	}
	return r.dst, true
}

// Outcome returns the outcome to render, or nil when forwarding.
func (r Resolution) Outcome() outcome.Outcome {
	return r.outcome
}

// IsNotFound reports whether r renders a NotFound outcome.
func (r Resolution) IsNotFound() bool {
	_, ok := r.outcome.(*outcome.NotFound)
	return ok
}

// requestHost returns the lower-cased request host without its port.
func requestHost(req *http.Request) string {
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
