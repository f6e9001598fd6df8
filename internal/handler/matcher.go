// Package handler adapts the proxy pipeline and the admin endpoints to Echo.
package handler

import (
	"github.com/labstack/echo/v4"

	"streaming-proxy-go/internal/proxy"
	"streaming-proxy-go/internal/resolver"
)

// Matcher dispatches inbound requests to the proxy pipeline, binding the
// configured resolver at match time. It is the only proxy-path type that
// sees Echo.
type Matcher struct {
	proxy    *proxy.Handler
	resolver resolver.Resolver
}

// NewMatcher creates a Matcher for r.
func NewMatcher(p *proxy.Handler, r resolver.Resolver) *Matcher {
	return &Matcher{proxy: p, resolver: r}
}

// Match runs the pipeline for the request in c. The pipeline writes its own
// response, so Match never returns an error to Echo.
func (m *Matcher) Match(c echo.Context) error {
	m.proxy.Bind(m.resolver).ServeHTTP(c.Response(), c.Request())
	return nil
}
