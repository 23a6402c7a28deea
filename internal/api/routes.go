package api

import (
	"github.com/gofiber/fiber/v2"

	"sms-dispatch-core/internal/auth"
	"sms-dispatch-core/internal/ratelimit"
)

// SetupRoutes wires the spec §6 HTTP surface onto app. Grounded on the
// teacher's internal/api/routes.go grouping: unauthenticated health +
// webhooks first, then the queue group guarded by auth + rate limiting on
// its mutating members only.
func SetupRoutes(app *fiber.App, handlers *Handlers, authService *auth.Service, limiter *ratelimit.Limiter) {
	app.Get("/queue/health", handlers.Health)

	app.Post("/webhooks/sms/delivery", handlers.WebhookDelivery)
	app.Post("/webhooks/sms/status/:message_id", handlers.WebhookStatus)

	queueGroup := app.Group("/queue")
	queueGroup.Get("/stats", handlers.GetStats)
	queueGroup.Get("/items", handlers.ListItems)
	queueGroup.Get("/messages/:id/timeline", handlers.MessageTimeline)
	queueGroup.Get("/campaigns/:id/stats", handlers.CampaignStats)
	queueGroup.Get("/failed-messages", handlers.FailedMessages)

	queueGroup.Post("/items/:id/cancel", authService.RequireAPIKey(), rateLimited(limiter, "cancel"), handlers.CancelItem)
	queueGroup.Post("/items/:id/retry", authService.RequireAPIKey(), rateLimited(limiter, "retry"), handlers.RetryItem)
	queueGroup.Post("/cleanup", authService.RequireAPIKey(), rateLimited(limiter, "cleanup"), handlers.Cleanup)
}
