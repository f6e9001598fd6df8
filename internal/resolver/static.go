package resolver

import (
	"context"
	"fmt"
	"net/http"

	"streaming-proxy-go/internal/model"
)

// Static forwards every request to one fixed backend.
type Static struct {
	dst model.Destination
}

// NewStatic creates a Static resolver for dst.
func NewStatic(dst model.Destination) (*Static, error) {
	if err := dst.Validate(); err != nil {
		return nil, fmt.Errorf("static resolver: %w", err)
	}
	return &Static{dst: dst}, nil
}

// FindDestination always returns the configured backend.
func (s *Static) FindDestination(_ context.Context, _ *http.Request) (Resolution, error) {
	return Forward(s.dst), nil
}

// Cleanup is a no-op; Static owns no resources.
func (s *Static) Cleanup() error {
	return nil
}
