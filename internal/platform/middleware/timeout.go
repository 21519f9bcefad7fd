package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context and runs the handler
// on the calling goroutine, so nothing writes to the response after the
// middleware returns. Repository calls observe the deadline and fail with a
// retryable error; a handler that returns the bare deadline error gets a 504
// with a JSON body.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				var he *echo.HTTPError
				if !errors.As(err, &he) {
					return gatewayTimeoutError(c)
				}
			}
			return err
		}
	}
}

func gatewayTimeoutError(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(http.StatusGatewayTimeout, map[string]string{
		"error":   "timeout",
		"kind":    "unavailable",
		"message": "request processing exceeded the allowed time limit",
	})
}
