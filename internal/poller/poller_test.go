package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sms-dispatch-core/internal/carrier"
	"sms-dispatch-core/internal/messagelog"
)

// fakeLogStore is a minimal messagelog.Store double scoped to this
// package's tests (messagelog's own in-memory double is unexported).
type fakeLogStore struct {
	mu       sync.Mutex
	messages map[int64]*messagelog.Message
	logs     map[int64][]*messagelog.MessageLog
	nextLog  int64
}

func newFakeLogStore(messages ...*messagelog.Message) *fakeLogStore {
	s := &fakeLogStore{messages: make(map[int64]*messagelog.Message), logs: make(map[int64][]*messagelog.MessageLog)}
	for _, m := range messages {
		s.messages[m.ID] = m
	}
	return s
}

func (s *fakeLogStore) CreateMessage(ctx context.Context, msg *messagelog.Message) error { return nil }

func (s *fakeLogStore) AppendEvent(ctx context.Context, messageID int64, params messagelog.LogEventParams) (*messagelog.MessageLog, *messagelog.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, nil, messagelog.ErrNotFound
	}
	s.nextLog++
	log := &messagelog.MessageLog{ID: s.nextLog, MessageID: messageID, Status: params.Status, EventType: params.EventType, AttemptNumber: len(s.logs[messageID]) + 1}
	s.logs[messageID] = append(s.logs[messageID], log)
	msg.Status = params.Status
	cp := *msg
	return log, &cp, nil
}

func (s *fakeLogStore) Get(ctx context.Context, id int64) (*messagelog.Message, error) {
	msg, ok := s.messages[id]
	if !ok {
		return nil, messagelog.ErrNotFound
	}
	return msg, nil
}

func (s *fakeLogStore) GetByExternalID(ctx context.Context, externalID string) (*messagelog.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ExternalMessageID != nil && *msg.ExternalMessageID == externalID {
			return msg, nil
		}
	}
	return nil, messagelog.ErrNotFound
}

func (s *fakeLogStore) Timeline(ctx context.Context, messageID int64) ([]*messagelog.MessageLog, error) {
	return s.logs[messageID], nil
}

func (s *fakeLogStore) CampaignStats(ctx context.Context, campaignID int64) (*messagelog.CampaignStats, error) {
	return &messagelog.CampaignStats{}, nil
}

func (s *fakeLogStore) FailedForRetry(ctx context.Context, campaignID *int64, limit int) ([]*messagelog.Message, error) {
	return nil, nil
}

func (s *fakeLogStore) SentWithinWindow(ctx context.Context, since time.Time) ([]*messagelog.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*messagelog.Message
	for _, msg := range s.messages {
		if msg.Status == "sent" && !msg.SentAt.Before(since) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// fakeCarrier lets each test dictate FetchStatus's response per external id.
type fakeCarrier struct {
	statuses map[string]*carrier.StatusResult
	errs     map[string]error
}

func (c *fakeCarrier) SendSMS(ctx context.Context, to, body, callbackURL string) (*carrier.SendResult, error) {
	return nil, nil
}

func (c *fakeCarrier) FetchStatus(ctx context.Context, externalID string) (*carrier.StatusResult, error) {
	if err, ok := c.errs[externalID]; ok {
		return nil, err
	}
	return c.statuses[externalID], nil
}

func (c *fakeCarrier) IsPermanent(code string) bool { return false }

func TestRunOnceReconcilesDeliveredMessage(t *testing.T) {
	externalID := "SM1"
	msg := &messagelog.Message{ID: 1, Status: "sent", SentAt: time.Now(), ExternalMessageID: &externalID}
	store := newFakeLogStore(msg)
	logging := messagelog.NewService(store, zap.NewNop())

	carrierSvc := &fakeCarrier{statuses: map[string]*carrier.StatusResult{
		externalID: {ProviderStatus: "delivered", Cost: decimal.NewNullDecimal(decimal.NewFromFloat(0.01))},
	}}

	p := New(logging, carrierSvc, zap.NewNop(), time.Minute, 24*time.Hour)
	result, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Checked != 1 || result.Updated != 1 {
		t.Fatalf("result = %+v, want checked=1 updated=1", result)
	}
	if store.messages[1].Status != "delivered" {
		t.Errorf("status = %s, want delivered", store.messages[1].Status)
	}
}

func TestRunOnceSkipsUnchangedStatus(t *testing.T) {
	externalID := "SM2"
	msg := &messagelog.Message{ID: 1, Status: "sent", SentAt: time.Now(), ExternalMessageID: &externalID}
	store := newFakeLogStore(msg)
	logging := messagelog.NewService(store, zap.NewNop())

	carrierSvc := &fakeCarrier{statuses: map[string]*carrier.StatusResult{
		externalID: {ProviderStatus: "queued"}, // maps back to "sent" -- no change
	}}

	p := New(logging, carrierSvc, zap.NewNop(), time.Minute, 24*time.Hour)
	result, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Updated != 0 {
		t.Errorf("updated = %d, want 0", result.Updated)
	}
}

func TestRunOnceSkipsMessagesWithoutExternalID(t *testing.T) {
	msg := &messagelog.Message{ID: 1, Status: "sent", SentAt: time.Now()}
	store := newFakeLogStore(msg)
	logging := messagelog.NewService(store, zap.NewNop())

	p := New(logging, &fakeCarrier{}, zap.NewNop(), time.Minute, 24*time.Hour)
	result, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Checked != 1 || result.Updated != 0 {
		t.Fatalf("result = %+v, want checked=1 updated=0", result)
	}
}

func TestRunOnceToleratesCarrierFetchFailure(t *testing.T) {
	externalID := "SM3"
	msg := &messagelog.Message{ID: 1, Status: "sent", SentAt: time.Now(), ExternalMessageID: &externalID}
	store := newFakeLogStore(msg)
	logging := messagelog.NewService(store, zap.NewNop())

	carrierSvc := &fakeCarrier{errs: map[string]error{externalID: &carrier.Error{Code: "TIMEOUT", Message: "timed out"}}}

	p := New(logging, carrierSvc, zap.NewNop(), time.Minute, 24*time.Hour)
	result, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce should not fail the whole pass on one carrier error: %v", err)
	}
	if result.Updated != 0 {
		t.Errorf("updated = %d, want 0", result.Updated)
	}
}
