package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is a hand-rolled in-memory Store double used by the unit tests
// in this package, in the spirit of the teacher's channel/goroutine
// concurrency harnesses rather than a generated mock.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	items   map[int64]*QueueItem
}

func newMemStore() *memStore {
	return &memStore{items: make(map[int64]*QueueItem)}
}

func (m *memStore) Insert(ctx context.Context, item *QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	item.ID = m.nextID
	item.CreatedAt = time.Now().UTC()
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *memStore) Get(ctx context.Context, id int64) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *memStore) LeasePending(ctx context.Context, limit int) ([]*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []*QueueItem
	now := time.Now().UTC()
	for _, item := range m.items {
		if item.Status != StatusPending {
			continue
		}
		if item.ScheduledAt.After(now) {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}
		eligible = append(eligible, item)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	var leased []*QueueItem
	for _, item := range eligible {
		item.Status = StatusProcessing
		t := now
		item.LastAttemptAt = &t
		cp := *item
		leased = append(leased, &cp)
	}
	return leased, nil
}

func (m *memStore) CompleteSent(ctx context.Context, id int64, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != StatusProcessing {
		return nil
	}
	now := time.Now().UTC()
	item.Status = StatusSent
	item.ProcessedAt = &now
	item.ExternalMessageID = &externalID
	item.ErrorMessage = nil
	return nil
}

func (m *memStore) FailAttempt(ctx context.Context, id int64, errMessage string, permanent bool, backoffBase time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != StatusProcessing {
		return nil
	}
	now := time.Now().UTC()
	item.Attempts++
	item.LastAttemptAt = &now
	item.ErrorMessage = &errMessage

	if permanent || item.Attempts >= item.MaxAttempts {
		item.Status = StatusFailed
		item.ProcessedAt = &now
		item.NextRetryAt = nil
		return nil
	}

	item.Status = StatusPending
	backoff := time.Duration(1<<uint(item.Attempts)) * backoffBase
	next := now.Add(backoff)
	item.NextRetryAt = &next
	return nil
}

func (m *memStore) Cancel(ctx context.Context, id int64, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return false, nil
	}
	if item.Status != StatusPending && item.Status != StatusProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	item.Status = StatusCancelled
	item.ErrorMessage = &reason
	item.ProcessedAt = &now
	return true, nil
}

func (m *memStore) ResetForRetry(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Status != StatusFailed {
		return false, nil
	}
	item.Status = StatusPending
	item.NextRetryAt = nil
	item.ErrorMessage = nil
	return true, nil
}

func (m *memStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{
		CountsByStatus:          make(map[Status]int64),
		PendingCountsByPriority: make(map[int]int64),
	}
	now := time.Now().UTC()
	var processingSecondsTotal float64
	var processingCount int64
	for _, item := range m.items {
		stats.CountsByStatus[item.Status]++
		if item.Status == StatusPending {
			stats.PendingCountsByPriority[item.Priority]++
			if item.ScheduledAt.After(now) {
				stats.FutureScheduledCount++
			}
		}
		if item.Status == StatusFailed {
			stats.FailedCount++
		}
		if item.Status == StatusSent && item.ProcessedAt != nil && item.ProcessedAt.After(now.Add(-24*time.Hour)) {
			processingSecondsTotal += item.ProcessedAt.Sub(item.CreatedAt).Seconds()
			processingCount++
		}
	}
	if processingCount > 0 {
		stats.AvgProcessingSeconds = processingSecondsTotal / float64(processingCount)
	}
	return stats, nil
}

func (m *memStore) CleanupPreview(ctx context.Context, days int) (*CleanupPreview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	preview := &CleanupPreview{}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	for _, item := range m.items {
		if item.ProcessedAt == nil || !item.ProcessedAt.Before(cutoff) {
			continue
		}
		switch item.Status {
		case StatusSent:
			preview.SentRecords++
		case StatusFailed:
			preview.FailedRecords++
		case StatusCancelled:
			preview.CancelledRecords++
		}
	}
	preview.Total = preview.SentRecords + preview.FailedRecords + preview.CancelledRecords
	return preview, nil
}

func (m *memStore) Cleanup(ctx context.Context, days int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var deleted int64
	for id, item := range m.items {
		if item.ProcessedAt == nil || !item.ProcessedAt.Before(cutoff) {
			continue
		}
		switch item.Status {
		case StatusSent, StatusFailed, StatusCancelled:
			delete(m.items, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) List(ctx context.Context, filter ListFilter) ([]*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QueueItem
	for _, item := range m.items {
		if filter.Status != nil && item.Status != *filter.Status {
			continue
		}
		if filter.CampaignID != nil && (item.CampaignID == nil || *item.CampaignID != *filter.CampaignID) {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ReapStuckLeases(ctx context.Context, leaseTimeout time.Duration) ([]*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped []*QueueItem
	cutoff := time.Now().UTC().Add(-leaseTimeout)
	for _, item := range m.items {
		if item.Status != StatusProcessing || item.LastAttemptAt == nil || !item.LastAttemptAt.Before(cutoff) {
			continue
		}
		item.Attempts++
		now := time.Now().UTC()
		if item.Attempts >= item.MaxAttempts {
			item.Status = StatusFailed
			item.ProcessedAt = &now
		} else {
			item.Status = StatusPending
		}
		reason := "lease reclaimed: dispatcher worker did not complete in time"
		item.ErrorMessage = &reason
		cp := *item
		reaped = append(reaped, &cp)
	}
	return reaped, nil
}

type fakeContacts struct {
	phones map[int64]string
}

func (f *fakeContacts) Phone(ctx context.Context, contactID int64) (string, error) {
	p, ok := f.phones[contactID]
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

type fakeCampaigns struct {
	statuses map[int64]string
}

func (f *fakeCampaigns) Status(ctx context.Context, campaignID int64) (string, error) {
	s, ok := f.statuses[campaignID]
	if !ok {
		return "", ErrNotFound
	}
	return s, nil
}
