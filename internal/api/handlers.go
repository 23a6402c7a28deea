package api

import (
	"context"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"sms-dispatch-core/internal/messagelog"
	"sms-dispatch-core/internal/queue"
	"sms-dispatch-core/internal/receipt"
)

// Pinger is the narrow health-check surface of *db.Postgres; declared here
// so Handlers can be constructed against a fake in tests.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handlers holds the services the HTTP surface delegates to, grounded on
// the teacher's internal/api/handlers.go constructor shape (one struct of
// dependencies, one method per route).
type Handlers struct {
	queue   *queue.Service
	logging *messagelog.Service
	receipt *receipt.Service
	db      Pinger
	logger  *zap.Logger
}

func NewHandlers(queueSvc *queue.Service, logging *messagelog.Service, receiptSvc *receipt.Service, db Pinger, logger *zap.Logger) *Handlers {
	return &Handlers{queue: queueSvc, logging: logging, receipt: receiptSvc, db: db, logger: logger}
}

// GetStats handles GET /queue/stats.
func (h *Handlers) GetStats(c *fiber.Ctx) error {
	stats, err := h.queue.Stats(c.Context())
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(newStatsDTO(stats))
}

// ListItems handles GET /queue/items?status=&campaign_id=&limit=&offset=.
func (h *Handlers) ListItems(c *fiber.Ctx) error {
	filter := queue.ListFilter{
		Limit:  parseIntDefault(c.Query("limit"), 50),
		Offset: parseIntDefault(c.Query("offset"), 0),
	}
	if raw := c.Query("status"); raw != "" {
		status := queue.Status(raw)
		filter.Status = &status
	}
	if raw := c.Query("campaign_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.CampaignID = &id
		}
	}

	items, err := h.queue.List(c.Context(), filter)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"items": newQueueItemDTOs(items)})
}

// CancelItem handles POST /queue/items/{id}/cancel.
func (h *Handlers) CancelItem(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid item id"})
	}
	reason := c.Query("reason", "cancelled via api")
	if _, err := h.queue.Cancel(c.Context(), int64(id), reason); err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"id": id, "status": "cancelled"})
}

// RetryItem handles POST /queue/items/{id}/retry.
func (h *Handlers) RetryItem(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid item id"})
	}
	if _, err := h.queue.ResetForRetry(c.Context(), int64(id)); err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"id": id, "status": "pending"})
}

// MessageTimeline handles GET /queue/messages/{id}/timeline.
func (h *Handlers) MessageTimeline(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid message id"})
	}
	logs, err := h.logging.Timeline(c.Context(), int64(id))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"message_id": id, "events": newMessageLogDTOs(logs)})
}

// CampaignStats handles GET /queue/campaigns/{id}/stats.
func (h *Handlers) CampaignStats(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid campaign id"})
	}
	stats, err := h.logging.CampaignStats(c.Context(), int64(id))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(newCampaignStatsDTO(stats))
}

// FailedMessages handles GET /queue/failed-messages?campaign_id=&limit=.
func (h *Handlers) FailedMessages(c *fiber.Ctx) error {
	limit := parseIntDefault(c.Query("limit"), 50)
	var campaignID *int64
	if raw := c.Query("campaign_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			campaignID = &id
		}
	}
	messages, err := h.logging.FailedForRetry(c.Context(), campaignID, limit)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"messages": newMessageDTOs(messages)})
}

// Cleanup handles POST /queue/cleanup?days=&dry_run=. dry_run defaults to
// true so an operator calling this without query params gets a preview,
// never an accidental delete.
func (h *Handlers) Cleanup(c *fiber.Ctx) error {
	days := parseIntDefault(c.Query("days"), 30)
	dryRun := c.Query("dry_run", "true") != "false"

	if dryRun {
		preview, err := h.queue.CleanupPreview(c.Context(), days)
		if err != nil {
			return writeError(c, h.logger, err)
		}
		return c.JSON(fiber.Map{
			"dry_run":           true,
			"retention_days":    days,
			"sent_records":      preview.SentRecords,
			"failed_records":    preview.FailedRecords,
			"cancelled_records": preview.CancelledRecords,
			"total":             preview.Total,
		})
	}

	deleted, err := h.queue.Cleanup(c.Context(), days)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"dry_run": false, "retention_days": days, "deleted": deleted})
}

const (
	healthPendingWarnThreshold    = 10000
	healthProcessingWarnThreshold = 1000
	healthSuccessRateWarnPct      = 90.0
)

// Health handles GET /queue/health. Unauthenticated, per spec §6: DB
// unreachability, or a failure to compute queue stats, downgrades to 503;
// queue backlog thresholds only ever report a 200 "warning" status.
func (h *Handlers) Health(c *fiber.Ctx) error {
	ctx := c.Context()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			h.logger.Error("health check: database unreachable", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unhealthy",
				"reason": "database unreachable",
			})
		}
	}

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"reason": "failed to compute queue stats",
		})
	}

	pending := stats.CountsByStatus[queue.StatusPending]
	processing := stats.CountsByStatus[queue.StatusProcessing]
	sent := stats.CountsByStatus[queue.StatusSent]
	failed := stats.CountsByStatus[queue.StatusFailed]

	successRate := 100.0
	if total := sent + failed; total > 0 {
		successRate = float64(sent) / float64(total) * 100
	}

	status := "healthy"
	var reasons []string
	if pending > healthPendingWarnThreshold {
		status = "warning"
		reasons = append(reasons, "pending backlog above threshold")
	}
	if processing > healthProcessingWarnThreshold {
		status = "warning"
		reasons = append(reasons, "processing count above threshold")
	}
	if successRate < healthSuccessRateWarnPct {
		status = "warning"
		reasons = append(reasons, "success rate below threshold")
	}

	return c.JSON(fiber.Map{
		"status":       status,
		"reasons":      reasons,
		"pending":      pending,
		"processing":   processing,
		"sent":         sent,
		"failed":       failed,
		"success_rate": successRate,
	})
}

// WebhookDelivery handles POST /webhooks/sms/delivery: the carrier-signed
// route. Grounded on the teacher's internal/dlr/ingest.go response
// contract (plain text OK/400/500, never JSON — carriers don't parse it).
func (h *Handlers) WebhookDelivery(c *fiber.Ctx) error {
	body := c.Body()
	signature := c.Get("X-Signature")
	if !h.receipt.VerifySignature(body, signature) {
		h.logger.Warn("webhook delivery rejected: bad signature")
		return c.Status(fiber.StatusBadRequest).SendString("invalid signature")
	}

	values, payload, err := parseWebhookBody(body)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("malformed webhook body")
	}

	if _, err := h.receipt.ProcessSigned(c.Context(), body, values, payload); err != nil {
		if err == receipt.ErrMissingFields {
			return c.Status(fiber.StatusBadRequest).SendString(err.Error())
		}
		h.logger.Error("webhook delivery processing failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).SendString("internal error")
	}
	return c.SendString("OK")
}

// WebhookStatus handles POST /webhooks/sms/status/{message_id}: the
// internal unsigned route keyed by our own message id.
func (h *Handlers) WebhookStatus(c *fiber.Ctx) error {
	messageID, err := c.ParamsInt("message_id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("invalid message id")
	}

	body := c.Body()
	values, payload, err := parseWebhookBody(body)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("malformed webhook body")
	}

	if _, err := h.receipt.ProcessInternal(c.Context(), int64(messageID), values, payload); err != nil {
		if err == receipt.ErrMissingFields {
			return c.Status(fiber.StatusBadRequest).SendString(err.Error())
		}
		h.logger.Error("webhook status processing failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).SendString("internal error")
	}
	return c.SendString("OK")
}

// parseWebhookBody decodes a form-encoded carrier webhook body into both
// url.Values (for ExtractStatus) and a generic JSON-ish map (to thread
// through as the logged provider_response).
func parseWebhookBody(body []byte) (url.Values, map[string]any, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, nil, err
	}
	payload := make(map[string]any, len(values))
	for key := range values {
		payload[key] = values.Get(key)
	}
	return values, payload, nil
}

// MetricsHandler exposes gatherer in the Prometheus text exposition
// format. The teacher hand-rolls this loop field-by-field; expfmt gives
// the same "no adaptor package" shape while actually honoring the wire
// format (histogram buckets, label pairs) that hand-rolling drops.
func MetricsHandler(gatherer prometheus.Gatherer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		families, err := gatherer.Gather()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).SendString("error gathering metrics")
		}
		c.Set(fiber.HeaderContentType, string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		encoder := expfmt.NewEncoder(c, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, family := range families {
			if err := encoder.Encode(family); err != nil {
				return c.Status(fiber.StatusInternalServerError).SendString("error encoding metrics")
			}
		}
		return nil
	}
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
