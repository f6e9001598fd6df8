package middleware

import (
	"math"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"streaming-proxy-go/internal/config"
)

// RateLimiter returns a per-client-IP token bucket limiter. Rejected
// requests get a JSON 429 and are never forwarded upstream.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	rps := rate.Limit(cfg.RequestsPerSecond)
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:  rps,
		Burst: max(1, int(math.Ceil(cfg.RequestsPerSecond))),
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "client identity unavailable"})
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
	})
}
