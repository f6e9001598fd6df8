package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// BodyLimit caps request bodies at limit bytes. A declared Content-Length
// over the limit is rejected with a JSON 413 before anything is forwarded.
// Other bodies are wrapped in http.MaxBytesReader, so a chunked upload that
// runs over fails its read with *http.MaxBytesError mid-stream. A limit of
// zero or less disables the check.
func BodyLimit(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limit <= 0 {
				return next(c)
			}

			req := c.Request()
			if req.ContentLength > limit {
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			}
			if req.Body != nil && req.Body != http.NoBody {
				req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			}

			return next(c)
		}
	}
}
