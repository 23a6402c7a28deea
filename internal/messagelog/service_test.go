package messagelog

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"sms-dispatch-core/internal/queue"
)

func newTestService() (*Service, *memStore) {
	store := newMemStore()
	return NewService(store, zap.NewNop()), store
}

func TestCreateMessageSeedsFirstLog(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	item := &queue.QueueItem{ID: 1, ContactID: 42, MessageContent: "hello"}
	msg, err := svc.CreateMessage(ctx, item, "processing", nil)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if msg.DeliveryAttempts != 1 {
		t.Errorf("delivery_attempts = %d, want 1", msg.DeliveryAttempts)
	}

	timeline, err := svc.Timeline(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(timeline) != 1 || timeline[0].EventType != "message_created" {
		t.Fatalf("timeline = %+v, want one message_created event", timeline)
	}
	if len(store.logs[msg.ID]) != msg.DeliveryAttempts {
		t.Errorf("delivery_attempts disagrees with log count: %d vs %d", msg.DeliveryAttempts, len(store.logs[msg.ID]))
	}
}

func TestHappyPathTwoLogRows(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	item := &queue.QueueItem{ID: 1, ContactID: 42, MessageContent: "hello"}
	msg, err := svc.CreateMessage(ctx, item, "processing", nil)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	extID := "SM1"
	_, updated, err := svc.LogEvent(ctx, msg.ID, LogEventParams{
		Status:            "sent",
		EventType:         "sent",
		ExternalMessageID: &extID,
	})
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if updated.Status != "sent" {
		t.Errorf("status = %s, want sent", updated.Status)
	}
	if updated.DeliveryAttempts != 2 {
		t.Errorf("delivery_attempts = %d, want 2", updated.DeliveryAttempts)
	}

	timeline, _ := svc.Timeline(ctx, msg.ID)
	if len(timeline) != 2 {
		t.Fatalf("timeline length = %d, want 2", len(timeline))
	}
}

func TestFinalStatusNeverReverts(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	item := &queue.QueueItem{ID: 1, ContactID: 42, MessageContent: "hello"}
	msg, _ := svc.CreateMessage(ctx, item, "processing", nil)

	_, m1, err := svc.LogEvent(ctx, msg.ID, LogEventParams{Status: StatusDelivered, EventType: "delivery_update"})
	if err != nil {
		t.Fatalf("LogEvent delivered: %v", err)
	}
	if m1.FinalStatus == nil || *m1.FinalStatus != StatusDelivered {
		t.Fatalf("final_status = %v, want delivered", m1.FinalStatus)
	}
	firstTimestamp := m1.DeliveryTimestamp
	if firstTimestamp == nil {
		t.Fatal("delivery_timestamp not set on first delivered event")
	}

	_, m2, err := svc.LogEvent(ctx, msg.ID, LogEventParams{Status: StatusDelivered, EventType: "delivery_update"})
	if err != nil {
		t.Fatalf("LogEvent repeat delivered: %v", err)
	}
	if *m2.FinalStatus != StatusDelivered {
		t.Errorf("final_status reverted to %v", m2.FinalStatus)
	}
	if !m2.DeliveryTimestamp.Equal(*firstTimestamp) {
		t.Error("delivery_timestamp advanced on a repeated delivered receipt")
	}

	_, m3, err := svc.LogEvent(ctx, msg.ID, LogEventParams{Status: StatusFailed, EventType: "delivery_update"})
	if err != nil {
		t.Fatalf("LogEvent failed after delivered: %v", err)
	}
	if *m3.FinalStatus != StatusDelivered {
		t.Errorf("final_status changed from delivered to %v", m3.FinalStatus)
	}
}

func TestUpdateDeliveryStatusUnknownExternalID(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	found, err := svc.UpdateDeliveryStatus(ctx, "no-such-id", "delivered", map[string]any{})
	if err != nil {
		t.Fatalf("UpdateDeliveryStatus: %v", err)
	}
	if found {
		t.Error("expected found=false for unknown external id")
	}
}

func TestUpdateDeliveryStatusMapsProviderStatus(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	item := &queue.QueueItem{ID: 1, ContactID: 42, MessageContent: "hello"}
	extID := "SM42"
	msg, _ := svc.CreateMessage(ctx, item, "processing", &extID)

	found, err := svc.UpdateDeliveryStatus(ctx, extID, "delivered", map[string]any{"price": "0.0075"})
	if err != nil {
		t.Fatalf("UpdateDeliveryStatus: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}

	updated, err := svc.store.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.FinalStatus == nil || *updated.FinalStatus != StatusDelivered {
		t.Errorf("final_status = %v, want delivered", updated.FinalStatus)
	}
	if !updated.Cost.Valid {
		t.Error("cost not extracted from provider response")
	}
}

func TestCampaignStatsDeliveryRate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	campaignID := int64(7)

	for i := 0; i < 4; i++ {
		item := &queue.QueueItem{ID: int64(i + 1), ContactID: 1, CampaignID: &campaignID, MessageContent: "x"}
		msg, _ := svc.CreateMessage(ctx, item, "processing", nil)
		if i < 3 {
			svc.LogEvent(ctx, msg.ID, LogEventParams{Status: StatusDelivered, EventType: "delivery_update"})
		} else {
			svc.LogEvent(ctx, msg.ID, LogEventParams{Status: StatusFailed, EventType: "delivery_update", ErrorCode: strPtr("21211"), ErrorMessage: strPtr("invalid number")})
		}
	}

	stats, err := svc.CampaignStats(ctx, campaignID)
	if err != nil {
		t.Fatalf("CampaignStats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.DeliveryRatePct != 75 {
		t.Errorf("delivery_rate_pct = %v, want 75", stats.DeliveryRatePct)
	}
	if stats.ErrorSummary["21211: invalid number"] != 1 {
		t.Errorf("error_summary missing expected entry: %+v", stats.ErrorSummary)
	}
}

func strPtr(s string) *string { return &s }
