package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"streaming-proxy-go/internal/model"
	"streaming-proxy-go/internal/outcome"
)

// wildcardKey is looked up when no entry exists for the request host.
const wildcardKey = "*"

// Registry resolves request hosts through a Redis service registry.
//
// Each key <prefix><host> holds one of:
//
//	host:port
//	redirect:301:<url>   (or 302)
//	static:<status>:<body>
type Registry struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// NewRegistry creates a Registry. No connection is made until the first lookup.
func NewRegistry(opts RegistryOptions, logger *slog.Logger) *Registry {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Registry{
		client:  client,
		prefix:  opts.KeyPrefix,
		timeout: timeout,
		logger:  logger.With("component", "registry_resolver"),
	}
}

// FindDestination looks up the request host, then the wildcard entry.
func (r *Registry) FindDestination(ctx context.Context, req *http.Request) (Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	host := requestHost(req)
	for _, name := range []string{host, wildcardKey} {
		val, err := r.client.Get(ctx, r.prefix+name).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Resolution{}, fmt.Errorf("registry lookup %q: %w", name, err)
			}
			return Resolution{}, fmt.Errorf("%w: registry lookup %q: %v", ErrUnavailable, name, err)
		}

		res, err := parseEntry(val)
		if err != nil {
			r.logger.Warn("ignoring malformed registry entry", "key", r.prefix+name, "err", err)
			continue
		}
		r.logger.Debug("registry hit", "host", host, "key", r.prefix+name)
		return res, nil
	}

	return Render(outcome.NewNotFound(nil, "")), nil
}

// Cleanup closes the Redis connection pool.
func (r *Registry) Cleanup() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.client.Close()
	})
	return r.closeErr
}

func parseEntry(val string) (Resolution, error) {
	val = strings.TrimSpace(val)

	if rest, ok := strings.CutPrefix(val, "redirect:"); ok {
		code, target, found := strings.Cut(rest, ":")
		if !found || target == "" {
			return Resolution{}, fmt.Errorf("redirect entry %q: want redirect:<301|302>:<url>", val)
		}
		switch code {
		case "301":
			return Render(outcome.NewRedirect(target, false)), nil
		case "302":
			return Render(outcome.NewRedirect(target, true)), nil
		default:
			return Resolution{}, fmt.Errorf("redirect entry %q: status must be 301 or 302", val)
		}
	}

	if rest, ok := strings.CutPrefix(val, "static:"); ok {
		codeStr, body, _ := strings.Cut(rest, ":")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			return Resolution{}, fmt.Errorf("static entry %q: bad status", val)
		}
		return Render(outcome.NewStatic(code, []byte(body), "")), nil
	}

	dst, err := model.ParseDestination(val)
	if err != nil {
		return Resolution{}, err
	}
	return Forward(dst), nil
}
