// Package contacts provides the thinnest possible read adapter onto the
// contact and campaign tables this service's submission and dispatch paths
// need to look up — a phone number and a campaign status. Contact-list
// management and campaign composition are explicitly out of scope (spec
// §1: "external collaborators: campaign composition..."); this package
// does not create, update, or enumerate either entity, it only satisfies
// queue.ContactLookup and queue.CampaignLookup against tables the upstream
// platform owns.
package contacts

import (
	"context"
	"database/sql"
	"fmt"
)

// Store reads the two columns the queue service needs from tables it does
// not own. Both queries are intentionally minimal: no joins, no paging, no
// write path.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Phone implements queue.ContactLookup.
func (s *Store) Phone(ctx context.Context, contactID int64) (string, error) {
	var phone string
	err := s.db.QueryRowContext(ctx, `SELECT phone FROM contacts WHERE id = $1`, contactID).Scan(&phone)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("contact %d not found", contactID)
	}
	if err != nil {
		return "", err
	}
	return phone, nil
}

// Status implements queue.CampaignLookup.
func (s *Store) Status(ctx context.Context, campaignID int64) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, campaignID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("campaign %d not found", campaignID)
	}
	if err != nil {
		return "", err
	}
	return status, nil
}
