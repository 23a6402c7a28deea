// Package poller implements the status poller (spec §4.7): a scheduled
// pass that reconciles stalled "sent" messages by asking the carrier for
// their current status, for the rare case a delivery webhook was never
// received. Grounded on the dispatcher's periodic-pass shape
// (internal/dispatcher) since both are "wake on ticker, bounded batch,
// per-item failure confinement" workers.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sms-dispatch-core/internal/carrier"
	"sms-dispatch-core/internal/messagelog"
)

// Result tallies one poll pass.
type Result struct {
	Checked int
	Updated int
}

// Poller periodically reconciles stalled "sent" messages via
// carrier.FetchStatus.
type Poller struct {
	logging *messagelog.Service
	carrier carrier.Sender
	logger  *zap.Logger

	interval time.Duration
	lookback time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(logging *messagelog.Service, sender carrier.Sender, logger *zap.Logger, interval, lookback time.Duration) *Poller {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Poller{
		logging:  logging,
		carrier:  sender,
		logger:   logger,
		interval: interval,
		lookback: lookback,
		stopCh:   make(chan struct{}),
	}
}

func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				if result, err := p.RunOnce(ctx); err != nil {
					p.logger.Error("status poll pass failed", zap.Error(err))
				} else if result.Checked > 0 {
					p.logger.Info("status poll pass complete", zap.Int("checked", result.Checked), zap.Int("updated", result.Updated))
				}
			}
		}
	}()
}

func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// RunOnce fetches carrier status for every "sent" message created within
// the lookback window that has an external_message_id, and reconciles any
// that have moved on. Bounded per-run by whatever the store query returns
// (spec §4.7); per-item failures are logged and don't abort the pass.
func (p *Poller) RunOnce(ctx context.Context) (Result, error) {
	since := time.Now().Add(-p.lookback)
	messages, err := p.logging.SentWithinWindow(ctx, since)
	if err != nil {
		return Result{}, err
	}

	result := Result{Checked: len(messages)}
	for _, msg := range messages {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if msg.ExternalMessageID == nil || *msg.ExternalMessageID == "" {
			continue
		}

		status, err := p.carrier.FetchStatus(ctx, *msg.ExternalMessageID)
		if err != nil {
			p.logger.Warn("failed to fetch carrier status", zap.Int64("message_id", msg.ID), zap.Error(err))
			continue
		}

		internalStatus := string(carrier.MapProviderStatus(status.ProviderStatus))
		if internalStatus == msg.Status {
			continue
		}

		payload := map[string]any{
			"provider_status": status.ProviderStatus,
		}
		if status.Cost.Valid {
			payload["price"] = status.Cost.Decimal.String()
		}
		if status.ErrorCode != "" {
			payload["error_code"] = status.ErrorCode
		}
		if status.ErrorMessage != "" {
			payload["error_message"] = status.ErrorMessage
		}

		found, err := p.logging.UpdateDeliveryStatus(ctx, *msg.ExternalMessageID, status.ProviderStatus, payload)
		if err != nil {
			p.logger.Error("failed to reconcile message status", zap.Int64("message_id", msg.ID), zap.Error(err))
			continue
		}
		if found {
			result.Updated++
		}
	}

	return result, nil
}
