package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sms-dispatch-core/internal/apperr"
	"sms-dispatch-core/internal/phone"
)

// ErrNotFound is returned by Store.Get when no row matches.
var ErrNotFound = errors.New("queue item not found")

// ContactLookup resolves a contact's phone number. Contact-list management
// is an upstream producer concern (spec §1); the queue service only needs
// enough of its interface to validate a submission.
type ContactLookup interface {
	Phone(ctx context.Context, contactID int64) (string, error)
}

// CampaignLookup resolves a campaign's lifecycle status. Campaign
// composition is likewise an upstream concern; only Status is consulted.
type CampaignLookup interface {
	Status(ctx context.Context, campaignID int64) (string, error)
}

var activeCampaignStatuses = map[string]bool{
	"active":    true,
	"scheduled": true,
}

// Waker is implemented by notify.Publisher; declared here so this package
// doesn't import notify back (notify depends on nothing in queue).
type Waker interface {
	PublishWake(queueItemID int64, priority int)
}

// Service implements the public queue contract of spec §4.3.
type Service struct {
	store       Store
	contacts    ContactLookup
	campaigns   CampaignLookup
	waker       Waker
	logger      *zap.Logger
	region      string
	backoffBase time.Duration
}

func NewService(store Store, contacts ContactLookup, campaigns CampaignLookup, waker Waker, logger *zap.Logger, defaultRegion string, backoffBase time.Duration) *Service {
	return &Service{
		store:       store,
		contacts:    contacts,
		campaigns:   campaigns,
		waker:       waker,
		logger:      logger,
		region:      defaultRegion,
		backoffBase: backoffBase,
	}
}

// Submit validates and persists a new queue item. Defaults: priority=5,
// maxAttempts=3, scheduledAt=now.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*QueueItem, error) {
	if req.Priority == 0 {
		req.Priority = 5
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = 3
	}
	if req.Priority < 0 || req.Priority > 10 {
		return nil, apperr.Validation("priority must be between 0 and 10, got %d", req.Priority)
	}
	if req.MaxAttempts < 1 || req.MaxAttempts > 10 {
		return nil, apperr.Validation("max_attempts must be between 1 and 10, got %d", req.MaxAttempts)
	}

	rawPhone, err := s.contacts.Phone(ctx, req.ContactID)
	if err != nil {
		return nil, apperr.Validation("contact %d not found: %v", req.ContactID, err)
	}
	if _, err := phone.Normalize(rawPhone, s.region); err != nil {
		return nil, apperr.Validation("invalid phone number for contact %d: %v", req.ContactID, err)
	}

	if req.CampaignID != nil {
		status, err := s.campaigns.Status(ctx, *req.CampaignID)
		if err != nil {
			return nil, apperr.Validation("campaign %d not found: %v", *req.CampaignID, err)
		}
		if !activeCampaignStatuses[status] {
			return nil, apperr.Validation("campaign %d is not active or scheduled (status=%s)", *req.CampaignID, status)
		}
	}

	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}

	item := &QueueItem{
		CampaignID:     req.CampaignID,
		ContactID:      req.ContactID,
		MessageContent: req.Body,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		Status:         StatusPending,
		ScheduledAt:    scheduledAt,
	}

	if err := s.store.Insert(ctx, item); err != nil {
		return nil, apperr.Internal("failed to insert queue item", err)
	}

	s.logger.Info("queue item submitted",
		zap.Int64("id", item.ID),
		zap.Int64("contact_id", item.ContactID),
		zap.Int("priority", item.Priority))

	if s.waker != nil {
		s.waker.PublishWake(item.ID, item.Priority)
	}

	return item, nil
}

// LeasePending atomically claims up to limit eligible items for a
// dispatcher pass.
func (s *Service) LeasePending(ctx context.Context, limit int) ([]*QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	items, err := s.store.LeasePending(ctx, limit)
	if err != nil {
		return nil, apperr.Internal("failed to lease pending items", err)
	}
	return items, nil
}

func (s *Service) CompleteSent(ctx context.Context, id int64, externalID string, providerResponse map[string]any) error {
	if err := s.store.CompleteSent(ctx, id, externalID); err != nil {
		return apperr.Internal("failed to complete queue item", err)
	}
	return nil
}

// FailAttempt increments the attempt count and either schedules a retry
// with exponential backoff or marks the item permanently failed.
func (s *Service) FailAttempt(ctx context.Context, id int64, errMessage string, permanent bool) error {
	if err := s.store.FailAttempt(ctx, id, errMessage, permanent, s.backoffBase); err != nil {
		return apperr.Internal("failed to record failed attempt", err)
	}
	return nil
}

func (s *Service) Cancel(ctx context.Context, id int64, reason string) (bool, error) {
	ok, err := s.store.Cancel(ctx, id, reason)
	if err != nil {
		return false, apperr.Internal("failed to cancel queue item", err)
	}
	if !ok {
		return false, apperr.NotCancellable("queue item %d is missing or not in a cancellable state", id)
	}
	return true, nil
}

func (s *Service) ResetForRetry(ctx context.Context, id int64) (bool, error) {
	ok, err := s.store.ResetForRetry(ctx, id)
	if err != nil {
		return false, apperr.Internal("failed to reset queue item for retry", err)
	}
	if !ok {
		return false, apperr.NotRetryable("queue item %d is missing or not in 'failed' state", id)
	}
	return true, nil
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, apperr.Internal("failed to compute queue stats", err)
	}
	return stats, nil
}

func (s *Service) CleanupPreview(ctx context.Context, days int) (*CleanupPreview, error) {
	preview, err := s.store.CleanupPreview(ctx, days)
	if err != nil {
		return nil, apperr.Internal("failed to compute cleanup preview", err)
	}
	return preview, nil
}

func (s *Service) Cleanup(ctx context.Context, days int) (int64, error) {
	deleted, err := s.store.Cleanup(ctx, days)
	if err != nil {
		return 0, apperr.Internal("failed to clean up queue", err)
	}
	if deleted > 0 {
		s.logger.Info("cleaned up old queue records", zap.Int64("deleted", deleted), zap.Int("retention_days", days))
	}
	return deleted, nil
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*QueueItem, error) {
	items, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, apperr.Internal("failed to list queue items", err)
	}
	return items, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*QueueItem, error) {
	item, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("queue item %d not found", id)
	}
	if err != nil {
		return nil, apperr.Internal("failed to get queue item", err)
	}
	return item, nil
}

// ReapStuckLeases reclaims rows a dispatcher worker leased but never
// completed within leaseTimeout, counting the abandoned attempt against
// the item's retry budget (spec §5's stuck-lease reaper).
func (s *Service) ReapStuckLeases(ctx context.Context, leaseTimeout time.Duration) ([]*QueueItem, error) {
	items, err := s.store.ReapStuckLeases(ctx, leaseTimeout)
	if err != nil {
		return nil, apperr.Internal("failed to reap stuck leases", err)
	}
	if len(items) > 0 {
		s.logger.Warn("reaped stuck queue leases", zap.Int("count", len(items)))
	}
	return items, nil
}
