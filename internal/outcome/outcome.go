// Package outcome defines fully-formed responses that end a request before
// (or instead of) forwarding it upstream.
package outcome

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// DefaultContentType is used by Static and NotFound when none is given.
const DefaultContentType = "text/plain; charset=utf-8"

// Outcome is a ready-to-render response. ContentType returns "" when the
// Content-Type header must be omitted.
type Outcome interface {
	StatusCode() int
	Header() http.Header
	Body() []byte
	ContentType() string
}

// Static is an arbitrary status, body and content type.
type Static struct {
	Status  int
	Content []byte
	Type    string
	Headers http.Header
}

// NewStatic creates a Static outcome. An empty contentType selects
// DefaultContentType. Status codes below 100 are clamped to 500.
func NewStatic(status int, body []byte, contentType string) *Static {
	if status < 100 {
		status = http.StatusInternalServerError
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &Static{Status: status, Content: body, Type: contentType}
}

// JSONError builds a Static outcome carrying {"error": msg}.
func JSONError(status int, msg string) *Static {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return NewStatic(status, body, "application/json")
}

func (s *Static) StatusCode() int { return s.Status }

func (s *Static) Header() http.Header {
	if s.Headers == nil {
		return http.Header{}
	}
	return s.Headers
}

func (s *Static) Body() []byte { return s.Content }

func (s *Static) ContentType() string { return s.Type }

// NotFound reports that no backend applies to the request.
type NotFound struct {
	Content []byte
	Type    string
}

// NewNotFound creates a 404 outcome with an optional body.
func NewNotFound(body []byte, contentType string) *NotFound {
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &NotFound{Content: body, Type: contentType}
}

func (n *NotFound) StatusCode() int { return http.StatusNotFound }

func (n *NotFound) Header() http.Header { return http.Header{} }

func (n *NotFound) Body() []byte { return n.Content }

func (n *NotFound) ContentType() string { return n.Type }

// Redirect sends the client to URL with 302 when Temporary, 301 otherwise.
// It never carries a body or a Content-Type.
type Redirect struct {
	URL       string
	Temporary bool
}

// NewRedirect creates a Redirect outcome.
func NewRedirect(url string, temporary bool) *Redirect {
	return &Redirect{URL: url, Temporary: temporary}
}

func (r *Redirect) StatusCode() int {
	if r.Temporary {
		return http.StatusFound
	}
	return http.StatusMovedPermanently
}

func (r *Redirect) Header() http.Header {
	return http.Header{"Location": {r.URL}}
}

func (r *Redirect) Body() []byte { return nil }

func (r *Redirect) ContentType() string { return "" }

// Render writes o as the complete response. The body is skipped for HEAD.
func Render(w http.ResponseWriter, req *http.Request, o Outcome) {
	h := w.Header()
	for key, vals := range o.Header() {
		h[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
	}
	if ct := o.ContentType(); ct != "" {
		h.Set("Content-Type", ct)
	} else {
		h.Del("Content-Type")
	}

	body := o.Body()
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(o.StatusCode())

	if req != nil && req.Method == http.MethodHead {
		return
	}
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}
