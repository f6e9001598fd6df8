// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/streaming-proxy/config.toml",
	"configs/config.toml",
}

// Resolver kinds.
const (
	ResolverStatic   = "static"
	ResolverTable    = "table"
	ResolverRegistry = "registry"
	ResolverChain    = "chain"
)

// DefaultChunkSize is the relay chunk size used when upstream.chunk_size_bytes is unset.
const DefaultChunkSize = 32 * 1024

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Resolver      string `kong:"help='Resolver kind: static|table|registry|chain (overrides config).',env='RESOLVER'"`
	StaticBackend string `kong:"help='Backend host:port for the static resolver (overrides config).',env='STATIC_BACKEND'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Forwarding ForwardingConfig `toml:"forwarding"`
	Resolver   ResolverConfig   `toml:"resolver"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Admin      AdminConfig      `toml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the proxy listener settings.
type ServerConfig struct {
	Host               string          `toml:"host"`
	Port               int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes       int64           `toml:"body_max_bytes"`
	ReadTimeoutSeconds int             `toml:"read_timeout_seconds"`
	IdleTimeoutSeconds int             `toml:"idle_timeout_seconds"`
	RateLimit          RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int                  `toml:"timeout_seconds"`
	IdleConnections int                  `toml:"idle_connections"`
	ChunkSizeBytes  int                  `toml:"chunk_size_bytes"`
	CircuitBreaker  CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the per-backend circuit breakers.
type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds"`
}

// ForwardingConfig is the header rewriting policy applied to upstream requests.
// Pointers distinguish "unset" from an explicit false.
type ForwardingConfig struct {
	PreserveHost     *bool `toml:"preserve_host"`
	ForwardedHeaders bool  `toml:"forwarded_headers"`
	StripHopByHop    *bool `toml:"strip_hop_by_hop"`
}

// KeepHost reports whether the inbound Host header is sent upstream.
func (f ForwardingConfig) KeepHost() bool {
	return f.PreserveHost == nil || *f.PreserveHost
}

// StripHop reports whether hop-by-hop headers are removed on both legs.
func (f ForwardingConfig) StripHop() bool {
	return f.StripHopByHop == nil || *f.StripHopByHop
}

// ResolverConfig selects and configures the destination resolver.
type ResolverConfig struct {
	Kind     string         `toml:"kind"`
	Chain    []string       `toml:"chain"`
	Static   StaticConfig   `toml:"static"`
	Table    TableConfig    `toml:"table"`
	Registry RegistryConfig `toml:"registry"`
}

// StaticConfig is the single fixed backend of the static resolver.
type StaticConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// TableConfig points at the route table file.
type TableConfig struct {
	Path         string `toml:"path"`
	Watch        bool   `toml:"watch"`
	NotFoundBody string `toml:"not_found_body"`
}

// RegistryConfig holds the Redis service registry connection.
type RegistryConfig struct {
	Addr           string `toml:"addr"`
	Password       string `toml:"password"`
	DB             int    `toml:"db"`
	KeyPrefix      string `toml:"key_prefix"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// AdminConfig holds the health/status/metrics listener settings.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/streaming-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: cli: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Resolver != "" {
		c.Resolver.Kind = cli.Resolver
	}
	if cli.StaticBackend != "" {
		host, portStr, err := net.SplitHostPort(cli.StaticBackend)
		if err != nil {
			return fmt.Errorf("static backend %q: %w", cli.StaticBackend, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("static backend %q: bad port", cli.StaticBackend)
		}
		c.Resolver.Static = StaticConfig{Host: host, Port: port}
		if c.Resolver.Kind == "" {
			c.Resolver.Kind = ResolverStatic
		}
	}
	return nil
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ReadTimeoutSeconds < 0 || c.Server.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.ChunkSizeBytes < 0 {
		return fmt.Errorf("upstream.chunk_size_bytes must be non-negative; got %d", c.Upstream.ChunkSizeBytes)
	}
	if cb := c.Upstream.CircuitBreaker; cb.FailureThreshold < 0 || cb.OpenSeconds < 0 {
		return fmt.Errorf("upstream.circuit_breaker values must be non-negative")
	}

	if err := c.validateResolver(); err != nil {
		return err
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Admin.Enabled && c.Server.Port != 0 && c.Admin.Port == c.Server.Port && c.Admin.Host == c.Server.Host {
		return fmt.Errorf("admin listener conflicts with server listener on port %d", c.Admin.Port)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateResolver() error {
	r := c.Resolver
	kinds := []string{r.Kind}
	switch r.Kind {
	case "", ResolverStatic, ResolverTable, ResolverRegistry:
	case ResolverChain:
		if len(r.Chain) == 0 {
			return fmt.Errorf("resolver.chain must list at least one resolver kind")
		}
		kinds = r.Chain
	default:
		return fmt.Errorf("resolver.kind must be one of: static, table, registry, chain; got %q", r.Kind)
	}

	for _, kind := range kinds {
		switch kind {
		case "", ResolverStatic:
			if r.Static.Host == "" {
				return fmt.Errorf("resolver.static.host is required")
			}
			if r.Static.Port < 1 || r.Static.Port > 65535 {
				return fmt.Errorf("resolver.static.port must be 1–65535; got %d", r.Static.Port)
			}
		case ResolverTable:
			if r.Table.Path == "" {
				return fmt.Errorf("resolver.table.path is required")
			}
		case ResolverRegistry:
			if r.Registry.Addr == "" {
				return fmt.Errorf("resolver.registry.addr is required")
			}
			if r.Registry.TimeoutSeconds < 0 {
				return fmt.Errorf("resolver.registry.timeout_seconds must be non-negative")
			}
		case ResolverChain:
			return fmt.Errorf("resolver.chain cannot contain %q", ResolverChain)
		default:
			return fmt.Errorf("resolver.chain entry must be one of: static, table, registry; got %q", kind)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 100 * 1024 * 1024 // 100 MB
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 120
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.ChunkSizeBytes == 0 {
		c.Upstream.ChunkSizeBytes = DefaultChunkSize
	}
	if c.Upstream.CircuitBreaker.FailureThreshold == 0 {
		c.Upstream.CircuitBreaker.FailureThreshold = 5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 30
	}
	if c.Resolver.Kind == "" {
		c.Resolver.Kind = ResolverStatic
	}
	if c.Resolver.Registry.KeyPrefix == "" {
		c.Resolver.Registry.KeyPrefix = "streaming-proxy:route:"
	}
	if c.Resolver.Registry.TimeoutSeconds == 0 {
		c.Resolver.Registry.TimeoutSeconds = 2
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The registry password may live in this file.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" || c.Resolver.Registry.Password == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
