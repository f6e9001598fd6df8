package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	toml "github.com/pelletier/go-toml/v2"

	"streaming-proxy-go/internal/model"
	"streaming-proxy-go/internal/outcome"
)

// reloadDebounce collapses bursts of write events from editors and config managers.
const reloadDebounce = 100 * time.Millisecond

// tableFile is the on-disk route table format. path_prefix matches whole
// path segments, so "/api" does not match "/apiary".
//
//	[[route]]
//	host = "*.example.com"
//	path_prefix = "/api"
//	backend = "10.0.0.5:9001"
//
//	[[route]]
//	path_prefix = "/old"
//	redirect = "https://example.com/new"
//	temporary = false
type tableFile struct {
	Routes []routeConfig `toml:"route"`
}

type routeConfig struct {
	Host       string        `toml:"host"`
	PathPrefix string        `toml:"path_prefix"`
	Backend    string        `toml:"backend"`
	Redirect   string        `toml:"redirect"`
	Temporary  bool          `toml:"temporary"`
	Static     *staticConfig `toml:"static"`
}

type staticConfig struct {
	Status      int               `toml:"status"`
	Body        string            `toml:"body"`
	ContentType string            `toml:"content_type"`
	Headers     map[string]string `toml:"headers"`
}

// route is a compiled table entry.
type route struct {
	host       string // exact host, "*.suffix" wildcard, or "" for any
	pathPrefix string
	resolution Resolution
}

func (r *route) matches(host, path string) bool {
	if r.host != "" {
		if suffix, ok := strings.CutPrefix(r.host, "*."); ok {
			if !strings.HasSuffix(host, "."+suffix) {
				return false
			}
		} else if host != r.host {
			return false
		}
	}
	return hasPathPrefix(path, r.pathPrefix)
}

// hasPathPrefix reports whether prefix matches path on a segment boundary:
// "/api" matches "/api" and "/api/users" but not "/apiary".
func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// Table resolves requests against an ordered route table loaded from a
// TOML file. The first matching route wins. The table can be watched and
// swapped in place when the file changes.
type Table struct {
	path     string
	notFound outcome.Outcome
	logger   *slog.Logger

	routes atomic.Pointer[[]route]

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stoppedCh chan struct{}
	closed    bool
}

// NewTable loads the route table at path. notFoundBody is rendered with the
// 404 returned when no route matches.
func NewTable(path, notFoundBody string, logger *slog.Logger) (*Table, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("route table %s: %w", path, err)
	}

	t := &Table{
		path:     absPath,
		notFound: outcome.NewNotFound([]byte(notFoundBody), ""),
		logger:   logger.With("component", "table_resolver"),
	}

	routes, err := loadRoutes(absPath)
	if err != nil {
		return nil, err
	}
	t.routes.Store(&routes)
	t.logger.Info("route table loaded", "path", absPath, "routes", len(routes))

	return t, nil
}

// FindDestination returns the action of the first route matching the request
// host and path, or NotFound.
func (t *Table) FindDestination(_ context.Context, req *http.Request) (Resolution, error) {
	host := requestHost(req)
	routes := *t.routes.Load()
	for i := range routes {
		if routes[i].matches(host, req.URL.Path) {
			return routes[i].resolution, nil
		}
	}
	return Render(t.notFound), nil
}

// Len returns the number of routes currently loaded.
func (t *Table) Len() int {
	return len(*t.routes.Load())
}

// Watch starts reloading the table when its file is written. A file that
// fails to parse is logged and the previous table stays active.
func (t *Table) Watch() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("route table %s: watch after cleanup", t.path)
	}
	if t.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("route table watcher: %w", err)
	}
	// Watch the directory so atomic renames (write tmp + mv) are seen.
	if err := w.Add(filepath.Dir(t.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("route table watcher: add %s: %w", filepath.Dir(t.path), err)
	}

	t.watcher = w
	t.stopCh = make(chan struct{})
	t.stoppedCh = make(chan struct{})
	go t.watch()

	t.logger.Info("watching route table", "path", t.path)
	return nil
}

func (t *Table) watch() {
	defer close(t.stoppedCh)

	var debounceCh <-chan time.Time

	for {
		select {
		case <-t.stopCh:
			return

		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounceCh = time.After(reloadDebounce)

		case <-debounceCh:
			debounceCh = nil
			t.reload()

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("route table watcher error", "err", err)
		}
	}
}

func (t *Table) reload() {
	routes, err := loadRoutes(t.path)
	if err != nil {
		t.logger.Error("route table reload failed; keeping previous table", "path", t.path, "err", err)
		return
	}
	t.routes.Store(&routes)
	t.logger.Info("route table reloaded", "path", t.path, "routes", len(routes))
}

// Cleanup stops the file watcher, if any.
func (t *Table) Cleanup() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.watcher == nil {
		return nil
	}
	close(t.stopCh)
	<-t.stoppedCh
	return t.watcher.Close()
}

func loadRoutes(path string) ([]route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("route table: read %s: %w", path, err)
	}

	var file tableFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("route table: parse %s: %w", path, err)
	}

	routes := make([]route, 0, len(file.Routes))
	for i, rc := range file.Routes {
		r, err := compileRoute(rc)
		if err != nil {
			return nil, fmt.Errorf("route table: %s: route %d: %w", path, i, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func compileRoute(rc routeConfig) (route, error) {
	r := route{
		host:       strings.ToLower(rc.Host),
		pathPrefix: rc.PathPrefix,
	}
	if r.pathPrefix == "" {
		r.pathPrefix = "/"
	}
	if r.pathPrefix[0] != '/' {
		return route{}, fmt.Errorf("path_prefix %q must start with '/'", rc.PathPrefix)
	}

	actions := 0
	if rc.Backend != "" {
		actions++
		dst, err := model.ParseDestination(rc.Backend)
		if err != nil {
			return route{}, err
		}
		r.resolution = Forward(dst)
	}
	if rc.Redirect != "" {
		actions++
		r.resolution = Render(outcome.NewRedirect(rc.Redirect, rc.Temporary))
	}
	if rc.Static != nil {
		actions++
		if rc.Static.Status < 100 || rc.Static.Status > 599 {
			return route{}, fmt.Errorf("static status %d out of range", rc.Static.Status)
		}
		o := outcome.NewStatic(rc.Static.Status, []byte(rc.Static.Body), rc.Static.ContentType)
		if len(rc.Static.Headers) > 0 {
			o.Headers = make(http.Header, len(rc.Static.Headers))
			for k, v := range rc.Static.Headers {
				o.Headers.Set(k, v)
			}
		}
		r.resolution = Render(o)
	}
	if actions != 1 {
		return route{}, fmt.Errorf("exactly one of backend, redirect or static is required; got %d", actions)
	}

	return r, nil
}
