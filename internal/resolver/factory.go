package resolver

import (
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"streaming-proxy-go/internal/config"
	"streaming-proxy-go/internal/model"
)

// New builds the resolver selected by cfg.Resolver.Kind.
func New(cfg *config.Config, logger *slog.Logger) (Resolver, error) {
	rc := cfg.Resolver
	if rc.Kind != config.ResolverChain {
		return newKind(rc.Kind, rc, logger)
	}

	members := make([]Resolver, 0, len(rc.Chain))
	for _, kind := range rc.Chain {
		m, err := newKind(kind, rc, logger)
		if err != nil {
			for _, built := range members {
				err = multierr.Append(err, built.Cleanup())
			}
			return nil, err
		}
		members = append(members, m)
	}
	return NewChain(members...), nil
}

func newKind(kind string, rc config.ResolverConfig, logger *slog.Logger) (Resolver, error) {
	switch kind {
	case "", config.ResolverStatic:
		s, err := NewStatic(model.Destination{Host: rc.Static.Host, Port: rc.Static.Port})
		if err != nil {
			return nil, err
		}
		return s, nil

	case config.ResolverTable:
		t, err := NewTable(rc.Table.Path, rc.Table.NotFoundBody, logger)
		if err != nil {
			return nil, err
		}
		if rc.Table.Watch {
			if err := t.Watch(); err != nil {
				return nil, multierr.Append(err, t.Cleanup())
			}
		}
		return t, nil

	case config.ResolverRegistry:
		return NewRegistry(RegistryOptions{
			Addr:      rc.Registry.Addr,
			Password:  rc.Registry.Password,
			DB:        rc.Registry.DB,
			KeyPrefix: rc.Registry.KeyPrefix,
			Timeout:   time.Duration(rc.Registry.TimeoutSeconds) * time.Second,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unknown resolver kind %q", kind)
	}
}
