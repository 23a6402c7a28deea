// Package carrier defines the narrow port this service sends SMS through.
// Nothing above this package may know which concrete provider is wired in;
// see internal/carrier/mock for the reference implementation.
package carrier

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Status is the internal delivery-status taxonomy, mapped from whatever
// vocabulary the carrier uses (see MapProviderStatus).
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// SendResult is returned by a successful SendSMS call.
type SendResult struct {
	ExternalID     string
	ProviderStatus string
	Cost           decimal.NullDecimal
}

// StatusResult is returned by FetchStatus.
type StatusResult struct {
	ProviderStatus string
	Cost           decimal.NullDecimal
	ErrorCode      string
	ErrorMessage   string
}

// Error is a carrier-origin failure. Code is the provider's own error code
// (e.g. a Twilio numeric code); Sender.IsPermanent classifies it.
type Error struct {
	Code    string
	Message string
	Details map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("carrier error %s: %s", e.Code, e.Message)
}

// Sender is the port the dispatcher and poller depend on. Implementations
// MUST honor ctx's deadline; a timed-out call is a transient Error.
type Sender interface {
	SendSMS(ctx context.Context, to, body, statusCallbackURL string) (*SendResult, error)
	FetchStatus(ctx context.Context, externalID string) (*StatusResult, error)
	IsPermanent(code string) bool
}

// MapProviderStatus folds a carrier's raw status vocabulary into the
// internal taxonomy per the spec's mapping table. Unrecognized statuses
// pass through unchanged so callers can still record them verbatim.
func MapProviderStatus(providerStatus string) Status {
	switch providerStatus {
	case "queued", "sending", "sent":
		return StatusSent
	case "delivered", "read":
		return StatusDelivered
	case "failed", "undelivered":
		return StatusFailed
	default:
		return Status(providerStatus)
	}
}
