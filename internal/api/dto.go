package api

import (
	"time"

	"github.com/shopspring/decimal"

	"sms-dispatch-core/internal/messagelog"
	"sms-dispatch-core/internal/queue"
)

// queueItemDTO is the wire representation of a queue.QueueItem. cost-like
// decimal fields don't appear on QueueItem; this DTO exists mainly to give
// list/get responses a stable field naming independent of the Go struct.
type queueItemDTO struct {
	ID                int64      `json:"id"`
	CampaignID        *int64     `json:"campaign_id,omitempty"`
	ContactID         int64      `json:"contact_id"`
	MessageContent    string     `json:"message_content"`
	Priority          int        `json:"priority"`
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	ExternalMessageID *string    `json:"external_message_id,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func newQueueItemDTO(item *queue.QueueItem) queueItemDTO {
	return queueItemDTO{
		ID:                item.ID,
		CampaignID:        item.CampaignID,
		ContactID:         item.ContactID,
		MessageContent:    item.MessageContent,
		Priority:          item.Priority,
		Status:            string(item.Status),
		Attempts:          item.Attempts,
		MaxAttempts:       item.MaxAttempts,
		ScheduledAt:       item.ScheduledAt,
		NextRetryAt:       item.NextRetryAt,
		LastAttemptAt:     item.LastAttemptAt,
		ProcessedAt:       item.ProcessedAt,
		ExternalMessageID: item.ExternalMessageID,
		ErrorMessage:      item.ErrorMessage,
		CreatedAt:         item.CreatedAt,
	}
}

func newQueueItemDTOs(items []*queue.QueueItem) []queueItemDTO {
	out := make([]queueItemDTO, 0, len(items))
	for _, item := range items {
		out = append(out, newQueueItemDTO(item))
	}
	return out
}

// statsDTO mirrors queue.Stats with string-keyed maps (JSON object keys
// must be strings; queue.Stats keys by queue.Status/int for in-process
// use).
type statsDTO struct {
	CountsByStatus          map[string]int64 `json:"counts_by_status"`
	PendingCountsByPriority map[string]int64 `json:"pending_counts_by_priority"`
	AvgProcessingSeconds    float64          `json:"avg_processing_seconds_last_24h"`
	FailedCount             int64            `json:"failed_count"`
	FutureScheduledCount    int64            `json:"future_scheduled_count"`
}

func newStatsDTO(stats *queue.Stats) statsDTO {
	byStatus := make(map[string]int64, len(stats.CountsByStatus))
	for status, count := range stats.CountsByStatus {
		byStatus[string(status)] = count
	}
	byPriority := make(map[string]int64, len(stats.PendingCountsByPriority))
	for priority, count := range stats.PendingCountsByPriority {
		byPriority[itoa(priority)] = count
	}
	return statsDTO{
		CountsByStatus:          byStatus,
		PendingCountsByPriority: byPriority,
		AvgProcessingSeconds:    stats.AvgProcessingSeconds,
		FailedCount:             stats.FailedCount,
		FutureScheduledCount:    stats.FutureScheduledCount,
	}
}

// messageLogDTO is one timeline entry; provider_response is passed through
// as-is since it's already a decoded JSON blob.
type messageLogDTO struct {
	ID                   int64          `json:"id"`
	MessageID            int64          `json:"message_id"`
	Status               string         `json:"status"`
	EventType            string         `json:"event_type"`
	ProviderStatus       *string        `json:"provider_status,omitempty"`
	ProviderResponse     map[string]any `json:"provider_response,omitempty"`
	ErrorCode            *string        `json:"error_code,omitempty"`
	ErrorMessage         *string        `json:"error_message,omitempty"`
	AttemptNumber        int            `json:"attempt_number"`
	ExternalMessageID    *string        `json:"external_message_id,omitempty"`
	Cost                 *float64       `json:"cost,omitempty"`
	ProcessingDurationMs *int64         `json:"processing_duration_ms,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

func newMessageLogDTO(log *messagelog.MessageLog) messageLogDTO {
	return messageLogDTO{
		ID:                   log.ID,
		MessageID:            log.MessageID,
		Status:               log.Status,
		EventType:            log.EventType,
		ProviderStatus:       log.ProviderStatus,
		ProviderResponse:     log.ProviderResponse,
		ErrorCode:            log.ErrorCode,
		ErrorMessage:         log.ErrorMessage,
		AttemptNumber:        log.AttemptNumber,
		ExternalMessageID:    log.ExternalMessageID,
		Cost:                 decimalToFloatPtr(log.Cost),
		ProcessingDurationMs: log.ProcessingDurationMs,
		CreatedAt:            log.CreatedAt,
	}
}

func newMessageLogDTOs(logs []*messagelog.MessageLog) []messageLogDTO {
	out := make([]messageLogDTO, 0, len(logs))
	for _, log := range logs {
		out = append(out, newMessageLogDTO(log))
	}
	return out
}

type messageDTO struct {
	ID                int64      `json:"id"`
	ContactID         int64      `json:"contact_id"`
	CampaignID        *int64     `json:"campaign_id,omitempty"`
	Content           string     `json:"content"`
	SentAt            time.Time  `json:"date_envoi"`
	Status            string     `json:"statut_livraison"`
	FinalStatus       *string    `json:"final_status,omitempty"`
	DeliveryAttempts  int        `json:"delivery_attempts"`
	DeliveryTimestamp *time.Time `json:"delivery_timestamp,omitempty"`
	ExternalMessageID *string    `json:"external_message_id,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	Cost              *float64   `json:"cost,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newMessageDTO(msg *messagelog.Message) messageDTO {
	return messageDTO{
		ID:                msg.ID,
		ContactID:         msg.ContactID,
		CampaignID:        msg.CampaignID,
		Content:           msg.Content,
		SentAt:            msg.SentAt,
		Status:            msg.Status,
		FinalStatus:       msg.FinalStatus,
		DeliveryAttempts:  msg.DeliveryAttempts,
		DeliveryTimestamp: msg.DeliveryTimestamp,
		ExternalMessageID: msg.ExternalMessageID,
		ErrorMessage:      msg.ErrorMessage,
		Cost:              decimalToFloatPtr(msg.Cost),
		UpdatedAt:         msg.UpdatedAt,
	}
}

func newMessageDTOs(messages []*messagelog.Message) []messageDTO {
	out := make([]messageDTO, 0, len(messages))
	for _, msg := range messages {
		out = append(out, newMessageDTO(msg))
	}
	return out
}

type campaignStatsDTO struct {
	Total                  int64            `json:"total"`
	StatusBreakdown        map[string]int64 `json:"status_breakdown"`
	DeliveryRatePct        float64          `json:"delivery_rate_pct"`
	AverageDeliverySeconds float64          `json:"average_delivery_seconds"`
	TotalCost              float64          `json:"total_cost"`
	RetryRatePct           float64          `json:"retry_rate_pct"`
	ErrorSummary           map[string]int64 `json:"error_summary"`
}

func newCampaignStatsDTO(stats *messagelog.CampaignStats) campaignStatsDTO {
	return campaignStatsDTO{
		Total:                  stats.Total,
		StatusBreakdown:        stats.StatusBreakdown,
		DeliveryRatePct:        stats.DeliveryRatePct,
		AverageDeliverySeconds: stats.AverageDeliverySeconds,
		TotalCost:              stats.TotalCost.InexactFloat64(),
		RetryRatePct:           stats.RetryRatePct,
		ErrorSummary:           stats.ErrorSummary,
	}
}

// decimalToFloatPtr widens a decimal only at this JSON boundary (spec §9);
// everything upstream of here keeps cost as a decimal.Decimal/NullDecimal.
func decimalToFloatPtr(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
