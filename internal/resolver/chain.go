package resolver

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/multierr"

	"streaming-proxy-go/internal/outcome"
)

// Chain consults its members in order. The first member that does not
// answer NotFound wins; if all do, the last NotFound is returned.
type Chain struct {
	members []Resolver

	cleanupOnce sync.Once
	cleanupErr  error
}

// NewChain creates a Chain over members.
func NewChain(members ...Resolver) *Chain {
	return &Chain{members: members}
}

// FindDestination returns the first non-NotFound resolution. A member error
// stops the chain.
func (c *Chain) FindDestination(ctx context.Context, req *http.Request) (Resolution, error) {
	last := Render(outcome.NewNotFound(nil, ""))
	for _, m := range c.members {
		res, err := m.FindDestination(ctx, req)
		if err != nil {
			return Resolution{}, err
		}
		if !res.IsNotFound() {
			return res, nil
		}
		last = res
	}
	return last, nil
}

// Cleanup cleans up every member once and combines their errors.
func (c *Chain) Cleanup() error {
	c.cleanupOnce.Do(func() {
		for _, m := range c.members {
			c.cleanupErr = multierr.Append(c.cleanupErr, m.Cleanup())
		}
	})
	return c.cleanupErr
}
