package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"streaming-proxy-go/internal/client"
	"streaming-proxy-go/internal/model"
	"streaming-proxy-go/internal/outcome"
	"streaming-proxy-go/internal/resolver"
)

// ErrResolver marks a resolver failure other than resolver.ErrUnavailable.
var ErrResolver = errors.New("resolver failed")

// mapError converts a pipeline error into the outcome the client receives.
// It returns nil when the client cancelled the request and nothing should
// be written.
func mapError(err error) outcome.Outcome {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return outcome.JSONError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	if errors.Is(err, ErrResolver) {
		return outcome.JSONError(http.StatusInternalServerError, "resolver error")
	}

	if errors.Is(err, client.ErrCircuitOpen) {
		return outcome.JSONError(http.StatusServiceUnavailable, "upstream unavailable")
	}

	if errors.Is(err, resolver.ErrUnavailable) {
		return outcome.JSONError(http.StatusServiceUnavailable, "resolver unavailable")
	}

	if errors.Is(err, model.ErrInvalidDestination) {
		return outcome.JSONError(http.StatusBadGateway, "invalid upstream destination")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return outcome.JSONError(http.StatusGatewayTimeout, "upstream request timed out")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return outcome.JSONError(http.StatusBadGateway, "upstream host unreachable")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return outcome.JSONError(http.StatusGatewayTimeout, "upstream request timed out")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return outcome.JSONError(http.StatusBadGateway, "upstream connection failed")
	}

	return outcome.JSONError(http.StatusBadGateway, "upstream request failed")
}
