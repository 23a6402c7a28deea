package messagelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sms-dispatch-core/internal/apperr"
	"sms-dispatch-core/internal/carrier"
	"sms-dispatch-core/internal/queue"
)

// Service implements the logging contract of spec §4.4: create the message
// record for a dispatch attempt, append lifecycle events, and fold them
// into terminal-status rollups and per-campaign reporting.
type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// CreateMessage writes a new Message row for item's first dispatch attempt
// and its seeding MessageLog (attempt_number=1, event_type=message_created).
// The log's timestamp becomes the message's authoritative date_envoi.
func (s *Service) CreateMessage(ctx context.Context, item *queue.QueueItem, initialStatus string, externalID *string) (*Message, error) {
	msg := &Message{
		QueueItemID:       &item.ID,
		ContactID:         item.ContactID,
		CampaignID:        item.CampaignID,
		Content:           item.MessageContent,
		SentAt:            time.Now().UTC(),
		Status:            initialStatus,
		ExternalMessageID: externalID,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, apperr.Internal("failed to create message record", err)
	}
	return msg, nil
}

// LogEvent appends an event to messageID's log and folds it into the
// Message aggregate. Fields in params that are nil/zero leave the
// corresponding aggregate field untouched, so a blank webhook never erases
// a previously known value.
func (s *Service) LogEvent(ctx context.Context, messageID int64, params LogEventParams) (*MessageLog, *Message, error) {
	log, msg, err := s.store.AppendEvent(ctx, messageID, params)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, apperr.NotFound("message %d not found", messageID)
		}
		return nil, nil, apperr.Internal("failed to append message log event", err)
	}

	s.logger.Debug("message log event appended",
		zap.Int64("message_id", messageID),
		zap.String("event_type", params.EventType),
		zap.String("status", params.Status),
		zap.Int("attempt_number", log.AttemptNumber))

	return log, msg, nil
}

// UpdateDeliveryStatus looks up a Message by its carrier externalID and
// folds in a delivery-status update. It never raises on a missing message;
// callers (webhook handlers, the poller) use the bool to decide whether to
// log a warning.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, externalID, providerStatus string, providerResponse map[string]any) (bool, error) {
	msg, err := s.store.GetByExternalID(ctx, externalID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("delivery status update for unknown external id", zap.String("external_id", externalID))
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal("failed to look up message by external id", err)
	}
	return true, s.foldDeliveryUpdate(ctx, msg.ID, &externalID, providerStatus, providerResponse)
}

// UpdateDeliveryStatusByMessageID is the counterpart used by the internal,
// unsigned webhook route (spec §4.6), which is addressed by our own
// message id instead of the carrier's externalID. Like
// UpdateDeliveryStatus, it never raises on a missing message.
func (s *Service) UpdateDeliveryStatusByMessageID(ctx context.Context, messageID int64, providerStatus string, providerResponse map[string]any) (bool, error) {
	msg, err := s.store.Get(ctx, messageID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("delivery status update for unknown message id", zap.Int64("message_id", messageID))
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal("failed to look up message by id", err)
	}
	return true, s.foldDeliveryUpdate(ctx, msg.ID, msg.ExternalMessageID, providerStatus, providerResponse)
}

func (s *Service) foldDeliveryUpdate(ctx context.Context, messageID int64, externalID *string, providerStatus string, providerResponse map[string]any) error {
	internalStatus := string(carrier.MapProviderStatus(providerStatus))
	errorCode, errorMessage := extractError(providerResponse)
	cost := extractCost(providerResponse)

	_, _, err := s.store.AppendEvent(ctx, messageID, LogEventParams{
		Status:            internalStatus,
		EventType:         "delivery_update",
		ProviderStatus:    &providerStatus,
		ProviderResponse:  providerResponse,
		ErrorCode:         errorCode,
		ErrorMessage:      errorMessage,
		ExternalMessageID: externalID,
		Cost:              cost,
	})
	if err != nil {
		return apperr.Internal("failed to record delivery status update", err)
	}
	return nil
}

func extractCost(response map[string]any) decimal.NullDecimal {
	raw, ok := response["price"]
	if !ok {
		return decimal.NullDecimal{}
	}
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.NullDecimal{}
		}
		return decimal.NewNullDecimal(d)
	case float64:
		return decimal.NewNullDecimal(decimal.NewFromFloat(v))
	default:
		return decimal.NullDecimal{}
	}
}

func extractError(response map[string]any) (*string, *string) {
	var code, message *string
	if v, ok := response["error_code"].(string); ok && v != "" {
		code = &v
	}
	if v, ok := response["error_message"].(string); ok && v != "" {
		message = &v
	}
	return code, message
}

func (s *Service) Timeline(ctx context.Context, messageID int64) ([]*MessageLog, error) {
	logs, err := s.store.Timeline(ctx, messageID)
	if err != nil {
		return nil, apperr.Internal("failed to load message timeline", err)
	}
	return logs, nil
}

func (s *Service) CampaignStats(ctx context.Context, campaignID int64) (*CampaignStats, error) {
	stats, err := s.store.CampaignStats(ctx, campaignID)
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("failed to compute stats for campaign %d", campaignID), err)
	}
	return stats, nil
}

func (s *Service) FailedForRetry(ctx context.Context, campaignID *int64, limit int) ([]*Message, error) {
	messages, err := s.store.FailedForRetry(ctx, campaignID, limit)
	if err != nil {
		return nil, apperr.Internal("failed to list failed messages", err)
	}
	return messages, nil
}

// SentWithinWindow is used by the status poller (spec §4.7) to find
// messages that may need reconciling against the carrier.
func (s *Service) SentWithinWindow(ctx context.Context, since time.Time) ([]*Message, error) {
	messages, err := s.store.SentWithinWindow(ctx, since)
	if err != nil {
		return nil, apperr.Internal("failed to list sent messages within window", err)
	}
	return messages, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Message, error) {
	msg, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("message %d not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("failed to get message", err)
	}
	return msg, nil
}
