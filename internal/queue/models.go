package queue

import "time"

// Status is the closed queue-item status enum (spec §4.3); no other string
// value is a legal value for QueueItem.Status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// QueueItem is one pending (or already-processed) send unit addressed by
// (campaign, contact). See spec §3 for the full invariant list.
type QueueItem struct {
	ID                int64
	CampaignID        *int64
	ContactID         int64
	MessageContent    string
	Priority          int
	Status            Status
	Attempts          int
	MaxAttempts       int
	ScheduledAt       time.Time
	NextRetryAt       *time.Time
	LastAttemptAt     *time.Time
	ProcessedAt       *time.Time
	ExternalMessageID *string
	ErrorMessage      *string
	CreatedAt         time.Time
}

// SubmitRequest is the input to Service.Submit.
type SubmitRequest struct {
	CampaignID  *int64
	ContactID   int64
	Body        string
	ScheduledAt *time.Time
	Priority    int
	MaxAttempts int
}

// Stats is the queue-wide operational snapshot returned by Service.Stats.
type Stats struct {
	CountsByStatus        map[Status]int64
	PendingCountsByPriority map[int]int64
	AvgProcessingSeconds  float64
	FailedCount           int64
	FutureScheduledCount  int64
}

// CleanupPreview previews a retention sweep, broken down by status (the
// upstream platform's get_cleanup_preview breakdown, additive over the
// bare total the spec requires).
type CleanupPreview struct {
	SentRecords      int64
	FailedRecords    int64
	CancelledRecords int64
	Total            int64
}

// ListFilter narrows Service.List.
type ListFilter struct {
	Status     *Status
	CampaignID *int64
	Limit      int
	Offset     int
}
