package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/metrics"
)

// Metrics records request count, latency and in-flight gauge, labelled by
// the registered route so ids do not explode cardinality.
func Metrics(reg *metrics.Registry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}
			start := time.Now()
			reg.RequestStarted()
			defer reg.RequestFinished()

			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			reg.ObserveRequest(c.Request().Method, route, responseStatus(c, err), time.Since(start))
			return err
		}
	}
}
