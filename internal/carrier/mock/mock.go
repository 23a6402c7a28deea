// Package mock is the reference carrier.Sender used outside of production:
// it simulates a real SMS provider's success/failure mix and error codes
// deterministically so tests and local runs are reproducible, consolidating
// what the upstream gateway kept as two duplicate provider packages.
package mock

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sms-dispatch-core/internal/carrier"
)

// permanentCodes mirrors the Twilio error codes the original platform
// treated as non-retryable, plus the descriptive categories the spec names.
var permanentCodes = map[string]bool{
	"21211": true, // invalid recipient
	"21214": true, // unreachable recipient
	"21408": true, // send-disabled for region
	"21610": true, // unsubscribed recipient
	"30007": true, // content-filtered
	"30008": true, // non-deliverable
}

// Provider is a deterministic mock carrier: the outcome for a given send is
// derived from a hash of the recipient+body rather than real randomness, so
// repeated test runs see the same mix of success/transient/permanent.
type Provider struct {
	logger       *zap.Logger
	successRate  float64
	tempFailRate float64
	latencyMin   time.Duration
	latencyMax   time.Duration

	mu       sync.Mutex
	statuses map[string]*carrier.StatusResult
}

func NewProvider(logger *zap.Logger) *Provider {
	return &Provider{
		logger:       logger,
		successRate:  0.95,
		tempFailRate: 0.03,
		latencyMin:   5 * time.Millisecond,
		latencyMax:   40 * time.Millisecond,
		statuses:     make(map[string]*carrier.StatusResult),
	}
}

func (p *Provider) SendSMS(ctx context.Context, to, body, statusCallbackURL string) (*carrier.SendResult, error) {
	select {
	case <-ctx.Done():
		return nil, &carrier.Error{Code: "TIMEOUT", Message: ctx.Err().Error()}
	case <-time.After(p.latencyFor(to, body)):
	}

	externalID := p.generateExternalID(to, body)
	outcome := p.determineOutcome(to, body)

	switch outcome {
	case outcomeSuccess:
		result := &carrier.SendResult{
			ExternalID:     externalID,
			ProviderStatus: "queued",
			Cost:           decimal.NullDecimal{Decimal: decimal.NewFromFloat(0.0075), Valid: true},
		}
		p.mu.Lock()
		p.statuses[externalID] = &carrier.StatusResult{ProviderStatus: "delivered"}
		p.mu.Unlock()
		p.logger.Debug("mock carrier: send accepted", zap.String("to", to), zap.String("external_id", externalID))
		return result, nil
	case outcomeTempFail:
		p.logger.Debug("mock carrier: transient failure", zap.String("to", to))
		return nil, &carrier.Error{Code: "TRANSIENT_NETWORK", Message: "temporary failure: network timeout"}
	default:
		p.logger.Debug("mock carrier: permanent failure", zap.String("to", to))
		return nil, &carrier.Error{Code: "21211", Message: "invalid recipient phone number"}
	}
}

func (p *Provider) FetchStatus(ctx context.Context, externalID string) (*carrier.StatusResult, error) {
	p.mu.Lock()
	status, ok := p.statuses[externalID]
	p.mu.Unlock()
	if ok {
		return status, nil
	}
	return nil, &carrier.Error{Code: "NOT_FOUND", Message: fmt.Sprintf("unknown external id %q", externalID)}
}

func (p *Provider) IsPermanent(code string) bool {
	return permanentCodes[code]
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTempFail
	outcomePermFail
)

func (p *Provider) determineOutcome(to, body string) outcome {
	hash := md5.Sum([]byte(to + "|" + body))
	value := float64(hash[0]) / 255.0

	switch {
	case value < p.successRate:
		return outcomeSuccess
	case value < p.successRate+p.tempFailRate:
		return outcomeTempFail
	default:
		return outcomePermFail
	}
}

func (p *Provider) latencyFor(to, body string) time.Duration {
	hash := md5.Sum([]byte(to + body))
	spread := p.latencyMax - p.latencyMin
	return p.latencyMin + time.Duration(hash[1])*spread/255
}

func (p *Provider) generateExternalID(to, body string) string {
	hash := md5.Sum([]byte(to + body + uuid.NewString()))
	return "mock_" + hex.EncodeToString(hash[:])[:16]
}
