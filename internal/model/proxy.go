// Package model defines shared types for the proxy.
package model

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
)

// ErrInvalidDestination is returned when a Destination fails validation.
var ErrInvalidDestination = errors.New("invalid destination")

// Destination is the backend a single request is forwarded to.
type Destination struct {
	Host string
	Port int
}

// Validate checks the host is non-empty and the port is in [1, 65535].
func (d Destination) Validate() error {
	if d.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidDestination)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidDestination, d.Port)
	}
	return nil
}

// Addr returns host:port, bracketing IPv6 literals.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Destination) String() string {
	return d.Addr()
}

// ParseDestination parses a "host:port" string.
func ParseDestination(s string) (Destination, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %q: %v", ErrInvalidDestination, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %q: bad port", ErrInvalidDestination, s)
	}
	d := Destination{Host: host, Port: port}
	if err := d.Validate(); err != nil {
		return Destination{}, err
	}
	return d, nil
}

// ProxyResponse represents the upstream response to be streamed back.
// Trailer holds the announced trailer names until Body reaches EOF, after
// which it carries their values.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Trailer    http.Header
	Body       io.ReadCloser
}
