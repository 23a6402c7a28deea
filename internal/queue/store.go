package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sms-dispatch-core/internal/db"
)

// Store is the durable persistence contract for queue items, implemented by
// PostgresStore in production and a fake in-memory store in tests.
type Store interface {
	Insert(ctx context.Context, item *QueueItem) error
	Get(ctx context.Context, id int64) (*QueueItem, error)
	LeasePending(ctx context.Context, limit int) ([]*QueueItem, error)
	CompleteSent(ctx context.Context, id int64, externalID string) error
	FailAttempt(ctx context.Context, id int64, errMessage string, permanent bool, backoffBase time.Duration) error
	Cancel(ctx context.Context, id int64, reason string) (bool, error)
	ResetForRetry(ctx context.Context, id int64) (bool, error)
	Stats(ctx context.Context) (*Stats, error)
	CleanupPreview(ctx context.Context, days int) (*CleanupPreview, error)
	Cleanup(ctx context.Context, days int) (int64, error)
	List(ctx context.Context, filter ListFilter) ([]*QueueItem, error)
	ReapStuckLeases(ctx context.Context, leaseTimeout time.Duration) ([]*QueueItem, error)
}

// PostgresStore implements Store against the sms_queue table.
type PostgresStore struct {
	db *db.Postgres
}

func NewPostgresStore(database *db.Postgres) *PostgresStore {
	return &PostgresStore{db: database}
}

func (s *PostgresStore) Insert(ctx context.Context, item *QueueItem) error {
	const query = `
		INSERT INTO sms_queue
			(campaign_id, contact_id, message_content, priority, status, attempts,
			 max_attempts, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, NOW())
		RETURNING id, created_at`

	return s.db.QueryRowContext(ctx, query,
		item.CampaignID, item.ContactID, item.MessageContent, item.Priority,
		StatusPending, item.MaxAttempts, item.ScheduledAt,
	).Scan(&item.ID, &item.CreatedAt)
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*QueueItem, error) {
	const query = `
		SELECT id, campaign_id, contact_id, message_content, priority, status,
			   attempts, max_attempts, scheduled_at, next_retry_at, last_attempt_at,
			   processed_at, external_message_id, error_message, created_at
		FROM sms_queue WHERE id = $1`

	item := &QueueItem{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&item.ID, &item.CampaignID, &item.ContactID, &item.MessageContent, &item.Priority,
		&item.Status, &item.Attempts, &item.MaxAttempts, &item.ScheduledAt, &item.NextRetryAt,
		&item.LastAttemptAt, &item.ProcessedAt, &item.ExternalMessageID, &item.ErrorMessage,
		&item.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// LeasePending atomically transitions up to limit eligible rows from
// pending to processing, ordered by ascending priority then creation time,
// excluding any row a concurrent lease is already holding.
func (s *PostgresStore) LeasePending(ctx context.Context, limit int) ([]*QueueItem, error) {
	const query = `
		UPDATE sms_queue
		SET status = 'processing', last_attempt_at = NOW()
		WHERE id IN (
			SELECT id FROM sms_queue
			WHERE status = 'pending'
			  AND scheduled_at <= NOW()
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY priority ASC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, campaign_id, contact_id, message_content, priority, status,
				  attempts, max_attempts, scheduled_at, next_retry_at, last_attempt_at,
				  processed_at, external_message_id, error_message, created_at`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("lease pending: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item := &QueueItem{}
		if err := rows.Scan(
			&item.ID, &item.CampaignID, &item.ContactID, &item.MessageContent, &item.Priority,
			&item.Status, &item.Attempts, &item.MaxAttempts, &item.ScheduledAt, &item.NextRetryAt,
			&item.LastAttemptAt, &item.ProcessedAt, &item.ExternalMessageID, &item.ErrorMessage,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan leased item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CompleteSent(ctx context.Context, id int64, externalID string) error {
	const query = `
		UPDATE sms_queue
		SET status = 'sent', processed_at = NOW(), external_message_id = $2, error_message = NULL
		WHERE id = $1 AND status = 'processing'`
	_, err := s.db.ExecContext(ctx, query, id, externalID)
	if err != nil {
		return fmt.Errorf("complete sent: %w", err)
	}
	return nil
}

// FailAttempt increments attempts and either reschedules the item with
// exponential backoff (base 2, unit backoffBase) or marks it permanently
// failed, per spec §4.3.
func (s *PostgresStore) FailAttempt(ctx context.Context, id int64, errMessage string, permanent bool, backoffBase time.Duration) error {
	const query = `
		UPDATE sms_queue
		SET attempts = attempts + 1,
			last_attempt_at = NOW(),
			error_message = $2,
			status = CASE WHEN $3 OR attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			processed_at = CASE WHEN $3 OR attempts + 1 >= max_attempts THEN NOW() ELSE processed_at END,
			next_retry_at = CASE WHEN $3 OR attempts + 1 >= max_attempts THEN NULL
							ELSE NOW() + (POWER(2, attempts + 1) * $4 || ' milliseconds')::interval END
		WHERE id = $1 AND status = 'processing'`

	_, err := s.db.ExecContext(ctx, query, id, errMessage, permanent, backoffBase.Milliseconds())
	if err != nil {
		return fmt.Errorf("fail attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id int64, reason string) (bool, error) {
	const query = `
		UPDATE sms_queue
		SET status = 'cancelled', error_message = $2, processed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`

	result, err := s.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, id int64) (bool, error) {
	const query = `
		UPDATE sms_queue
		SET status = 'pending', next_retry_at = NULL, error_message = NULL
		WHERE id = $1 AND status = 'failed'`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("reset for retry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountsByStatus:          make(map[Status]int64),
		PendingCountsByPriority: make(map[int]int64),
	}

	statusRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sms_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status Status
		var count int64
		if err := statusRows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.CountsByStatus[status] = count
		if status == StatusFailed {
			stats.FailedCount = count
		}
	}

	priorityRows, err := s.db.QueryContext(ctx,
		`SELECT priority, COUNT(*) FROM sms_queue WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("priority counts: %w", err)
	}
	defer priorityRows.Close()
	for priorityRows.Next() {
		var priority int
		var count int64
		if err := priorityRows.Scan(&priority, &count); err != nil {
			return nil, err
		}
		stats.PendingCountsByPriority[priority] = count
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (processed_at - created_at))), 0)
		FROM sms_queue
		WHERE status = 'sent' AND processed_at >= NOW() - INTERVAL '24 hours'`,
	).Scan(&stats.AvgProcessingSeconds)
	if err != nil {
		return nil, fmt.Errorf("avg processing seconds: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sms_queue WHERE status = 'pending' AND scheduled_at > NOW()`,
	).Scan(&stats.FutureScheduledCount)
	if err != nil {
		return nil, fmt.Errorf("future scheduled count: %w", err)
	}

	return stats, nil
}

func (s *PostgresStore) CleanupPreview(ctx context.Context, days int) (*CleanupPreview, error) {
	preview := &CleanupPreview{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM sms_queue
		WHERE status IN ('sent', 'failed', 'cancelled')
		  AND processed_at IS NOT NULL
		  AND processed_at < NOW() - ($1 || ' days')::interval`,
		days,
	).Scan(&preview.SentRecords, &preview.FailedRecords, &preview.CancelledRecords)
	if err != nil {
		return nil, fmt.Errorf("cleanup preview: %w", err)
	}
	preview.Total = preview.SentRecords + preview.FailedRecords + preview.CancelledRecords
	return preview, nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, days int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sms_queue
		WHERE status IN ('sent', 'failed', 'cancelled')
		  AND processed_at IS NOT NULL
		  AND processed_at < NOW() - ($1 || ' days')::interval`,
		days,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*QueueItem, error) {
	query := `
		SELECT id, campaign_id, contact_id, message_content, priority, status,
			   attempts, max_attempts, scheduled_at, next_retry_at, last_attempt_at,
			   processed_at, external_message_id, error_message, created_at
		FROM sms_queue WHERE 1=1`
	args := []any{}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.CampaignID != nil {
		args = append(args, *filter.CampaignID)
		query += fmt.Sprintf(" AND campaign_id = $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item := &QueueItem{}
		if err := rows.Scan(
			&item.ID, &item.CampaignID, &item.ContactID, &item.MessageContent, &item.Priority,
			&item.Status, &item.Attempts, &item.MaxAttempts, &item.ScheduledAt, &item.NextRetryAt,
			&item.LastAttemptAt, &item.ProcessedAt, &item.ExternalMessageID, &item.ErrorMessage,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan list item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ReapStuckLeases reclaims rows stuck in processing past leaseTimeout,
// returning them to pending and counting the abandoned attempt (or marking
// them failed once attempts reach max_attempts). Grounded on the same
// "reclaim stale SENDING rows" idea as the teacher's queue.Retry, but
// counting the attempt instead of a bare status flip. No backoff delay is
// applied: next_retry_at is left as it was, so a reclaimed row is leasable
// again on the next pass.
func (s *PostgresStore) ReapStuckLeases(ctx context.Context, leaseTimeout time.Duration) ([]*QueueItem, error) {
	const query = `
		UPDATE sms_queue
		SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			processed_at = CASE WHEN attempts + 1 >= max_attempts THEN NOW() ELSE processed_at END,
			error_message = 'lease reclaimed: dispatcher worker did not complete in time'
		WHERE status = 'processing'
		  AND last_attempt_at < NOW() - ($1 || ' milliseconds')::interval
		RETURNING id, campaign_id, contact_id, message_content, priority, status,
				  attempts, max_attempts, scheduled_at, next_retry_at, last_attempt_at,
				  processed_at, external_message_id, error_message, created_at`

	rows, err := s.db.QueryContext(ctx, query, leaseTimeout.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("reap stuck leases: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item := &QueueItem{}
		if err := rows.Scan(
			&item.ID, &item.CampaignID, &item.ContactID, &item.MessageContent, &item.Priority,
			&item.Status, &item.Attempts, &item.MaxAttempts, &item.ScheduledAt, &item.NextRetryAt,
			&item.LastAttemptAt, &item.ProcessedAt, &item.ExternalMessageID, &item.ErrorMessage,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reaped item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
