// Package messagelog implements the append-only delivery-lifecycle logger:
// one Message aggregate per dispatch attempt, backed by an immutable
// sequence of MessageLog events that fold into it.
package messagelog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Terminal message statuses; once set on a Message.FinalStatus they never
// revert.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusBounced   = "bounced"
)

var terminalStatuses = map[string]bool{
	StatusDelivered: true,
	StatusFailed:    true,
	StatusBounced:   true,
}

// IsTerminal reports whether status is one of the message-level terminal
// states.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// Message is the persistent record of a dispatch attempt's outcome for one
// queue item. It survives queue cleanup (queue_item_id resets to null).
type Message struct {
	ID                int64
	QueueItemID       *int64
	ContactID         int64
	CampaignID        *int64
	ListID            *int64
	Content           string
	SentAt            time.Time
	Status            string
	FinalStatus       *string
	DeliveryAttempts  int
	DeliveryTimestamp *time.Time
	ExternalMessageID *string
	ErrorMessage      *string
	Cost              decimal.NullDecimal
	UpdatedAt         time.Time
}

// MessageLog is one immutable event in a message's lifecycle. Rows for a
// given message_id are never edited or deleted outside retention cleanup.
type MessageLog struct {
	ID                   int64
	MessageID            int64
	QueueItemID          *int64
	Status               string
	EventType            string
	ProviderStatus       *string
	ProviderResponse     map[string]any
	ErrorCode            *string
	ErrorMessage         *string
	AttemptNumber        int
	ExternalMessageID    *string
	Cost                 decimal.NullDecimal
	ProcessingDurationMs *int64
	CreatedAt            time.Time
}

// LogEventParams is the input to Service.LogEvent / Store.AppendEvent.
type LogEventParams struct {
	Status               string
	EventType            string
	ProviderStatus       *string
	ProviderResponse     map[string]any
	ErrorCode            *string
	ErrorMessage         *string
	ExternalMessageID    *string
	Cost                 decimal.NullDecimal
	ProcessingDurationMs *int64
	QueueItemID          *int64
}

// CampaignStats is the per-campaign delivery rollup returned by
// Service.CampaignStats.
type CampaignStats struct {
	Total                 int64
	StatusBreakdown        map[string]int64
	DeliveryRatePct        float64
	AverageDeliverySeconds float64
	TotalCost              decimal.Decimal
	RetryRatePct           float64
	ErrorSummary           map[string]int64
}
