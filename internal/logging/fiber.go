package logging

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/alarmd/internal/metrics"
)

// FiberMiddleware is HTTPMiddleware for fiber. It expects the requestid
// middleware to run first.
func FiberMiddleware() fiber.Handler {
	m := metrics.GetMetrics()

	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID, _ := c.Locals("requestid").(string)

		logger := log.With().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("remote_addr", c.IP()).
			Str("request_id", requestID).
			Logger()
		c.SetUserContext(logger.WithContext(c.UserContext()))

		m.APIActiveConnections.Inc()
		err := c.Next()
		m.APIActiveConnections.Dec()

		// A returned error is rendered by fiber's error handler later
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}

		route := c.Route().Path
		duration := time.Since(start)
		m.APIRequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		m.APIRequestDuration.WithLabelValues(c.Method(), route).Observe(duration.Seconds())

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Info()
		}
		event.
			Str("route", route).
			Int("status", status).
			Dur("duration", duration).
			Msg("Request completed")

		return err
	}
}
