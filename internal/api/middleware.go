package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"sms-dispatch-core/internal/apperr"
	"sms-dispatch-core/internal/observability"
	"sms-dispatch-core/internal/ratelimit"
)

// SetupMiddleware installs the process-wide middleware chain, grounded on
// the teacher's internal/api/middleware.go ordering: recover, request id,
// CORS, then a structured access log that also feeds Prometheus.
func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics) {
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-API-Key",
	}))

	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get(fiber.HeaderXRequestID)))

		if metrics != nil {
			statusClass := fmt.Sprintf("%dxx", status/100)
			metrics.HTTPRequestsTotal.WithLabelValues(c.Route().Path, c.Method(), statusClass).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(c.Route().Path, c.Method()).Observe(duration.Seconds())
		}

		return err
	})
}

// rateLimited wraps a handler with a per-route token-bucket check, keyed on
// the caller's API key so limits don't collapse across distinct operator
// tools sharing one process (spec §8's "mutating endpoints are
// rate-limited").
func rateLimited(limiter *ratelimit.Limiter, routeKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if limiter == nil {
			return c.Next()
		}
		key := routeKey + ":" + c.Get("X-API-Key")
		allowed, retryAfter, err := limiter.Allow(c.Context(), key)
		if err != nil {
			return c.Next() // fail open: see ratelimit.Limiter
		}
		if !allowed {
			c.Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":               "rate limit exceeded",
				"retry_after_seconds": int(retryAfter.Seconds()),
			})
		}
		return c.Next()
	}
}

// writeError maps a business error to the HTTP status/body pair of spec
// §7, using apperr.As so the edge never string-matches error text.
func writeError(c *fiber.Ctx, logger *zap.Logger, err error) error {
	switch apperr.As(err) {
	case apperr.KindValidation:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case apperr.KindNotFound:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case apperr.KindNotCancellable, apperr.KindNotRetryable:
		// spec §6/§7: state-violation cancel/retry attempts report 404,
		// not 409 — the item is treated as "not found in that state".
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	default:
		logger.Error("unhandled internal error", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
}
