package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestBodyLimit(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		contentLength int64
		limit         int64
		wantStatus    int
		wantTooLarge  bool
	}{
		{"under limit", "0123456789", 10, 10, http.StatusOK, false},
		{"declared length over limit", "0123456789abc", 13, 10, http.StatusRequestEntityTooLarge, false},
		{"chunked upload over limit", strings.Repeat("x", 1000), -1, 10, http.StatusOK, true},
		{"chunked upload under limit", "small", -1, 10, http.StatusOK, false},
		{"disabled", strings.Repeat("x", 1000), 1000, 0, http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				reached bool
				readErr error
			)
			e := echo.New()
			e.Use(BodyLimit(tt.limit))
			e.POST("/upload", func(c echo.Context) error {
				reached = true
				_, readErr = io.ReadAll(c.Request().Body)
				return c.NoContent(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(tt.body))
			req.ContentLength = tt.contentLength
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusRequestEntityTooLarge {
				if reached {
					t.Error("handler reached for a declared oversize body")
				}
				if got := rec.Body.String(); !strings.Contains(got, "request body too large") {
					t.Errorf("body = %q, want JSON 413 message", got)
				}
				return
			}

			var maxErr *http.MaxBytesError
			if got := errors.As(readErr, &maxErr); got != tt.wantTooLarge {
				t.Errorf("read error = %v, want MaxBytesError: %v", readErr, tt.wantTooLarge)
			}
		})
	}
}
