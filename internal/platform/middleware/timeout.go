package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// ErrGatewayTimeout is returned when a request outlives its deadline.
var ErrGatewayTimeout = echo.NewHTTPError(http.StatusGatewayTimeout,
	"request processing exceeded the allowed time limit")

// RequestTimeout puts a deadline on the request context. The handler runs
// on the request goroutine, so a store transaction still in flight sees the
// cancelled context and rolls back. Failures caused by the deadline become
// 504. A non-positive timeout disables the deadline.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) || c.Response().Committed {
				return err
			}
			if err == nil || causedByDeadline(err) {
				return ErrGatewayTimeout
			}
			return err
		}
	}
}

// causedByDeadline also treats 503 as a timeout: stores report a
// cancelled acquire as "database unavailable".
func causedByDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var he *echo.HTTPError
	return errors.As(err, &he) && he.Code == http.StatusServiceUnavailable
}
