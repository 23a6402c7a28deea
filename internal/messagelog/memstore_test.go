package messagelog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store double for unit-testing Service without a
// database, following the same hand-rolled pattern as the queue package's
// test double.
type memStore struct {
	mu       sync.Mutex
	nextMsg  int64
	nextLog  int64
	messages map[int64]*Message
	byExtID  map[string]int64
	logs     map[int64][]*MessageLog
}

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[int64]*Message),
		byExtID:  make(map[string]int64),
		logs:     make(map[int64][]*MessageLog),
	}
}

func (m *memStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextMsg++
	msg.ID = m.nextMsg
	now := time.Now().UTC()
	msg.SentAt = now
	msg.UpdatedAt = now
	msg.DeliveryAttempts = 1
	cp := *msg
	m.messages[msg.ID] = &cp
	if msg.ExternalMessageID != nil {
		m.byExtID[*msg.ExternalMessageID] = msg.ID
	}

	m.nextLog++
	log := &MessageLog{
		ID:            m.nextLog,
		MessageID:     msg.ID,
		QueueItemID:   msg.QueueItemID,
		Status:        msg.Status,
		EventType:     "message_created",
		AttemptNumber: 1,
		CreatedAt:     now,
	}
	m.logs[msg.ID] = append(m.logs[msg.ID], log)
	return nil
}

func (m *memStore) AppendEvent(ctx context.Context, messageID int64, params LogEventParams) (*MessageLog, *Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return nil, nil, ErrNotFound
	}

	now := time.Now().UTC()
	log := &MessageLog{
		MessageID:            messageID,
		QueueItemID:          params.QueueItemID,
		Status:               params.Status,
		EventType:            params.EventType,
		ProviderStatus:       params.ProviderStatus,
		ProviderResponse:     params.ProviderResponse,
		ErrorCode:            params.ErrorCode,
		ErrorMessage:         params.ErrorMessage,
		ExternalMessageID:    params.ExternalMessageID,
		Cost:                 params.Cost,
		ProcessingDurationMs: params.ProcessingDurationMs,
		AttemptNumber:        len(m.logs[messageID]) + 1,
		CreatedAt:            now,
	}
	m.nextLog++
	log.ID = m.nextLog
	m.logs[messageID] = append(m.logs[messageID], log)

	msg.Status = params.Status
	msg.DeliveryAttempts = log.AttemptNumber
	msg.UpdatedAt = now
	if params.ExternalMessageID != nil {
		if msg.ExternalMessageID != nil {
			delete(m.byExtID, *msg.ExternalMessageID)
		}
		msg.ExternalMessageID = params.ExternalMessageID
		m.byExtID[*params.ExternalMessageID] = msg.ID
	}
	if params.ErrorMessage != nil {
		msg.ErrorMessage = params.ErrorMessage
	}
	if params.Cost.Valid {
		msg.Cost = params.Cost
	}
	if IsTerminal(params.Status) && msg.FinalStatus == nil {
		status := params.Status
		msg.FinalStatus = &status
		if status == StatusDelivered && msg.DeliveryTimestamp == nil {
			t := now
			msg.DeliveryTimestamp = &t
		}
	}

	cp := *msg
	return log, &cp, nil
}

func (m *memStore) Get(ctx context.Context, id int64) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *memStore) GetByExternalID(ctx context.Context, externalID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byExtID[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.messages[id]
	return &cp, nil
}

func (m *memStore) Timeline(ctx context.Context, messageID int64) ([]*MessageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MessageLog, len(m.logs[messageID]))
	copy(out, m.logs[messageID])
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) CampaignStats(ctx context.Context, campaignID int64) (*CampaignStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &CampaignStats{
		StatusBreakdown: make(map[string]int64),
		ErrorSummary:    make(map[string]int64),
		TotalCost:       decimal.Zero,
	}

	var delivered, retried int64
	var deliverySecondsTotal float64
	var deliveryCount int64

	for _, msg := range m.messages {
		if msg.CampaignID == nil || *msg.CampaignID != campaignID {
			continue
		}
		stats.Total++
		key := msg.Status
		if msg.FinalStatus != nil {
			key = *msg.FinalStatus
		}
		stats.StatusBreakdown[key]++
		if key == StatusDelivered {
			delivered++
		}
		if msg.DeliveryAttempts > 1 {
			retried++
		}
		if msg.Cost.Valid {
			stats.TotalCost = stats.TotalCost.Add(msg.Cost.Decimal)
		}
		if msg.DeliveryTimestamp != nil {
			deliverySecondsTotal += msg.DeliveryTimestamp.Sub(msg.SentAt).Seconds()
			deliveryCount++
		}
		for _, log := range m.logs[msg.ID] {
			if log.ErrorCode != nil {
				errMsg := ""
				if log.ErrorMessage != nil {
					errMsg = *log.ErrorMessage
				}
				stats.ErrorSummary[*log.ErrorCode+": "+errMsg]++
			}
		}
	}

	if stats.Total > 0 {
		stats.DeliveryRatePct = 100 * float64(delivered) / float64(stats.Total)
		stats.RetryRatePct = 100 * float64(retried) / float64(stats.Total)
	}
	if deliveryCount > 0 {
		stats.AverageDeliverySeconds = deliverySecondsTotal / float64(deliveryCount)
	}
	return stats, nil
}

func (m *memStore) FailedForRetry(ctx context.Context, campaignID *int64, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Message
	for _, msg := range m.messages {
		if msg.Status != StatusFailed {
			continue
		}
		if campaignID != nil && (msg.CampaignID == nil || *msg.CampaignID != *campaignID) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) SentWithinWindow(ctx context.Context, since time.Time) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Message
	for _, msg := range m.messages {
		if msg.Status != "sent" || msg.SentAt.Before(since) || msg.ExternalMessageID == nil {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}
