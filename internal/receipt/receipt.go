// Package receipt implements the carrier-receipt ingester (spec §4.6): it
// maps an inbound delivery webhook to a messagelog.Service delivery-status
// update, verifying the carrier's HMAC signature on the signed route and
// deduplicating at-least-once webhook retries via Redis, grounded on the
// teacher's internal/dlr/ingest.go (HMAC verification) and internal/
// idempotency/store.go (Redis-cached lookup, repurposed here from
// client-idempotency keys to webhook-delivery dedup).
package receipt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-dispatch-core/internal/messagelog"
	"sms-dispatch-core/internal/observability"
)

// Service ingests carrier delivery receipts and folds them into the
// message log via messagelog.Service.
type Service struct {
	logging *messagelog.Service
	redis   RedisClient
	metrics *observability.Metrics
	logger  *zap.Logger
	secret  string
	dedupTTL time.Duration
}

// RedisClient is the narrow subset of *db.Redis this package depends on,
// declared as an interface so tests can use a fake instead of a live
// connection.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
}

func NewService(logging *messagelog.Service, redisClient RedisClient, metrics *observability.Metrics, logger *zap.Logger, hmacSecret string, dedupTTL time.Duration) *Service {
	return &Service{
		logging:  logging,
		redis:    redisClient,
		metrics:  metrics,
		logger:   logger,
		secret:   hmacSecret,
		dedupTTL: dedupTTL,
	}
}

// VerifySignature checks a constant-time HMAC-SHA256 comparison of body
// against the carrier-supplied signature, exactly as the teacher's
// ValidateHMACSignature does.
func (s *Service) VerifySignature(body []byte, signature string) bool {
	expected := hmac.New(sha256.New, []byte(s.secret))
	expected.Write(body)
	expectedHex := hex.EncodeToString(expected.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expectedHex))
}

// ErrMissingFields is returned when the webhook body lacks both id
// aliases (MessageSid/SmsSid) or both status aliases (MessageStatus/
// SmsStatus); the caller maps this to HTTP 400 per spec §4.6 step 2.
var ErrMissingFields = fmt.Errorf("missing external id or status in webhook payload")

// ExtractStatus pulls externalID and providerStatus out of a carrier
// webhook's form-encoded fields, preferring MessageSid/MessageStatus over
// the legacy SmsSid/SmsStatus aliases (spec §4.6 step 2).
func ExtractStatus(values url.Values) (externalID, providerStatus string, err error) {
	externalID = firstNonEmpty(values.Get("MessageSid"), values.Get("SmsSid"))
	providerStatus = firstNonEmpty(values.Get("MessageStatus"), values.Get("SmsStatus"))
	if externalID == "" || providerStatus == "" {
		return "", "", ErrMissingFields
	}
	return externalID, providerStatus, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ProcessSigned handles the provider-signed route (spec §4.6 steps 1-4): it
// deduplicates an at-least-once retry of the exact same delivery event,
// then folds the status update into the message log by externalID. It
// never returns an error for "message not found" — callers always respond
// 200 for that case to avoid webhook retry storms; a true storage failure
// still propagates so the edge can return 500.
func (s *Service) ProcessSigned(ctx context.Context, rawBody []byte, values url.Values, payload map[string]any) (found bool, err error) {
	externalID, providerStatus, err := ExtractStatus(values)
	if err != nil {
		return false, err
	}

	if s.isDuplicate(ctx, externalID, providerStatus, rawBody) {
		s.logger.Info("dropped duplicate delivery receipt", zap.String("external_id", externalID))
		if s.metrics != nil {
			s.metrics.WebhookDuplicatesTotal.Inc()
		}
		return true, nil
	}

	found, err = s.logging.UpdateDeliveryStatus(ctx, externalID, providerStatus, payload)
	if err != nil {
		return false, err
	}
	if s.metrics != nil {
		s.metrics.DeliveryReceiptsTotal.WithLabelValues(providerStatus).Inc()
	}
	if !found {
		s.logger.Warn("signed delivery receipt for unknown message", zap.String("external_id", externalID))
	}
	return found, nil
}

// ProcessInternal handles the authenticated, unsigned route keyed by our
// own message id (spec §4.6's secondary endpoint). Same status-extraction
// logic; signature verification is skipped entirely since this route is
// reached only by internal callers, not the carrier.
func (s *Service) ProcessInternal(ctx context.Context, messageID int64, values url.Values, payload map[string]any) (found bool, err error) {
	_, providerStatus, err := ExtractStatus(values)
	if err != nil {
		return false, err
	}
	found, err = s.logging.UpdateDeliveryStatusByMessageID(ctx, messageID, providerStatus, payload)
	if err != nil {
		return false, err
	}
	if s.metrics != nil {
		s.metrics.DeliveryReceiptsTotal.WithLabelValues(providerStatus).Inc()
	}
	return found, nil
}

// isDuplicate reports whether this exact delivery event (same external id,
// status, and raw body) has already been processed within dedupTTL. A
// Redis failure fails open: an unreachable cache must never block a real
// delivery receipt from being recorded.
func (s *Service) isDuplicate(ctx context.Context, externalID, providerStatus string, rawBody []byte) bool {
	sum := sha256.Sum256(rawBody)
	key := fmt.Sprintf("webhook:dedup:%s:%s:%s", externalID, providerStatus, hex.EncodeToString(sum[:8]))

	ok, err := s.redis.SetNX(ctx, key, "1", s.dedupTTL).Result()
	if err != nil {
		s.logger.Warn("webhook dedup check failed, processing anyway", zap.Error(err))
		return false
	}
	return !ok
}
