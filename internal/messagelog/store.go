package messagelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sms-dispatch-core/internal/db"
)

// ErrNotFound is returned by Store.Get and Store.GetByExternalID when no row
// matches.
var ErrNotFound = errors.New("message not found")

// Store is the durable persistence port for messages and their event logs.
type Store interface {
	CreateMessage(ctx context.Context, msg *Message) error
	AppendEvent(ctx context.Context, messageID int64, params LogEventParams) (*MessageLog, *Message, error)
	Get(ctx context.Context, id int64) (*Message, error)
	GetByExternalID(ctx context.Context, externalID string) (*Message, error)
	Timeline(ctx context.Context, messageID int64) ([]*MessageLog, error)
	CampaignStats(ctx context.Context, campaignID int64) (*CampaignStats, error)
	FailedForRetry(ctx context.Context, campaignID *int64, limit int) ([]*Message, error)
	SentWithinWindow(ctx context.Context, since time.Time) ([]*Message, error)
}

// PostgresStore is the production Store backed by the messages and
// message_logs tables (spec §3, §6).
type PostgresStore struct {
	db *db.Postgres
}

func NewPostgresStore(pg *db.Postgres) *PostgresStore {
	return &PostgresStore{db: pg}
}

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (queue_item_id, contact_id, campaign_id, list_id, content, date_envoi, statut_livraison, external_message_id, delivery_attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $6)
		RETURNING id, date_envoi, updated_at`,
		msg.QueueItemID, msg.ContactID, msg.CampaignID, msg.ListID, msg.Content, msg.SentAt, msg.Status, msg.ExternalMessageID)
	if err := row.Scan(&msg.ID, &msg.SentAt, &msg.UpdatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	log := &MessageLog{
		MessageID:     msg.ID,
		QueueItemID:   msg.QueueItemID,
		Status:        msg.Status,
		EventType:     "message_created",
		AttemptNumber: 1,
	}
	if err := insertLog(ctx, tx, log); err != nil {
		return fmt.Errorf("insert initial log: %w", err)
	}
	msg.DeliveryAttempts = 1

	return tx.Commit()
}

// AppendEvent writes a log row and folds it into the Message aggregate in a
// single transaction, so delivery_attempts never disagrees with the log
// count (spec §5).
func (s *PostgresStore) AppendEvent(ctx context.Context, messageID int64, params LogEventParams) (*MessageLog, *Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	msg, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

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
		AttemptNumber:        msg.DeliveryAttempts + 1,
	}
	if err := insertLog(ctx, tx, log); err != nil {
		return nil, nil, fmt.Errorf("insert log: %w", err)
	}

	msg.Status = params.Status
	msg.DeliveryAttempts = log.AttemptNumber
	msg.UpdatedAt = time.Now().UTC()
	if params.ExternalMessageID != nil {
		msg.ExternalMessageID = params.ExternalMessageID
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
			t := msg.UpdatedAt
			msg.DeliveryTimestamp = &t
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET statut_livraison=$1, final_status=$2, delivery_attempts=$3, delivery_timestamp=$4,
			external_message_id=$5, error_message=$6, cost=$7, updated_at=$8
		WHERE id=$9`,
		msg.Status, msg.FinalStatus, msg.DeliveryAttempts, msg.DeliveryTimestamp,
		msg.ExternalMessageID, msg.ErrorMessage, nullDecimal(msg.Cost), msg.UpdatedAt, msg.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("update message aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return log, msg, nil
}

func insertLog(ctx context.Context, tx *sql.Tx, log *MessageLog) error {
	var respJSON []byte
	if log.ProviderResponse != nil {
		var err error
		respJSON, err = json.Marshal(log.ProviderResponse)
		if err != nil {
			return err
		}
	}

	return tx.QueryRowContext(ctx, `
		INSERT INTO message_logs (message_id, queue_item_id, status, event_type, provider_status, provider_response,
			error_code, error_message, attempt_number, external_message_id, cost, processing_duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
		RETURNING id, created_at`,
		log.MessageID, log.QueueItemID, log.Status, log.EventType, log.ProviderStatus, respJSON,
		log.ErrorCode, log.ErrorMessage, log.AttemptNumber, log.ExternalMessageID, nullDecimal(log.Cost), log.ProcessingDurationMs,
	).Scan(&log.ID, &log.CreatedAt)
}

const messageColumns = `id, queue_item_id, contact_id, campaign_id, list_id, content, date_envoi, statut_livraison,
	final_status, delivery_attempts, delivery_timestamp, external_message_id, error_message, cost, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var cost sql.NullString
	if err := row.Scan(&msg.ID, &msg.QueueItemID, &msg.ContactID, &msg.CampaignID, &msg.ListID, &msg.Content,
		&msg.SentAt, &msg.Status, &msg.FinalStatus, &msg.DeliveryAttempts, &msg.DeliveryTimestamp,
		&msg.ExternalMessageID, &msg.ErrorMessage, &cost, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	if cost.Valid {
		d, err := decimal.NewFromString(cost.String)
		if err != nil {
			return nil, fmt.Errorf("parse cost: %w", err)
		}
		msg.Cost = decimal.NewNullDecimal(d)
	}
	return &msg, nil
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE external_message_id = $1`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *PostgresStore) Timeline(ctx context.Context, messageID int64) ([]*MessageLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, queue_item_id, status, event_type, provider_status, provider_response,
			error_code, error_message, attempt_number, external_message_id, cost, processing_duration_ms, created_at
		FROM message_logs WHERE message_id = $1 ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*MessageLog
	for rows.Next() {
		var l MessageLog
		var respJSON []byte
		var cost sql.NullString
		if err := rows.Scan(&l.ID, &l.MessageID, &l.QueueItemID, &l.Status, &l.EventType, &l.ProviderStatus, &respJSON,
			&l.ErrorCode, &l.ErrorMessage, &l.AttemptNumber, &l.ExternalMessageID, &cost, &l.ProcessingDurationMs, &l.CreatedAt); err != nil {
			return nil, err
		}
		if len(respJSON) > 0 {
			if err := json.Unmarshal(respJSON, &l.ProviderResponse); err != nil {
				return nil, fmt.Errorf("unmarshal provider_response: %w", err)
			}
		}
		if cost.Valid {
			d, err := decimal.NewFromString(cost.String)
			if err != nil {
				return nil, err
			}
			l.Cost = decimal.NewNullDecimal(d)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) CampaignStats(ctx context.Context, campaignID int64) (*CampaignStats, error) {
	stats := &CampaignStats{
		StatusBreakdown: make(map[string]int64),
		ErrorSummary:    make(map[string]int64),
		TotalCost:       decimal.Zero,
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(final_status, statut_livraison), COUNT(*)
		FROM messages WHERE campaign_id = $1 GROUP BY 1`, campaignID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.StatusBreakdown[status] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Total == 0 {
		return stats, nil
	}

	var delivered, retried int64
	var totalCost sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE final_status = 'delivered' OR statut_livraison = 'delivered'),
			COUNT(*) FILTER (WHERE delivery_attempts > 1),
			SUM(cost)
		FROM messages WHERE campaign_id = $1`, campaignID).Scan(&delivered, &retried, &totalCost)
	if err != nil {
		return nil, err
	}
	stats.DeliveryRatePct = 100 * float64(delivered) / float64(stats.Total)
	stats.RetryRatePct = 100 * float64(retried) / float64(stats.Total)
	if totalCost.Valid {
		d, err := decimal.NewFromString(totalCost.String)
		if err != nil {
			return nil, err
		}
		stats.TotalCost = d
	}

	var avgSeconds sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (delivery_timestamp - date_envoi)))
		FROM messages WHERE campaign_id = $1 AND delivery_timestamp IS NOT NULL`, campaignID).Scan(&avgSeconds)
	if err != nil {
		return nil, err
	}
	stats.AverageDeliverySeconds = avgSeconds.Float64

	errRows, err := s.db.QueryContext(ctx, `
		SELECT error_code, error_message, COUNT(*) FROM message_logs
		WHERE message_id IN (SELECT id FROM messages WHERE campaign_id = $1) AND error_code IS NOT NULL
		GROUP BY error_code, error_message`, campaignID)
	if err != nil {
		return nil, err
	}
	defer errRows.Close()
	for errRows.Next() {
		var code, msg string
		var count int64
		if err := errRows.Scan(&code, &msg, &count); err != nil {
			return nil, err
		}
		stats.ErrorSummary[fmt.Sprintf("%s: %s", code, msg)] = count
	}
	return stats, errRows.Err()
}

func (s *PostgresStore) FailedForRetry(ctx context.Context, campaignID *int64, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE statut_livraison = 'failed'`
	args := []any{}
	if campaignID != nil {
		args = append(args, *campaignID)
		query += fmt.Sprintf(" AND campaign_id = $%d", len(args))
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SentWithinWindow returns every message still reporting
// statut_livraison='sent' whose date_envoi falls after since, for the
// status poller (spec §4.7) to reconcile via the carrier's fetchStatus.
func (s *PostgresStore) SentWithinWindow(ctx context.Context, since time.Time) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE statut_livraison = 'sent' AND date_envoi >= $1 AND external_message_id IS NOT NULL`,
		since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
