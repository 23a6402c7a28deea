// Package dispatcher runs the periodic batch worker that leases queue
// items, sends them through the carrier port, and records the outcome.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sms-dispatch-core/internal/carrier"
	"sms-dispatch-core/internal/messagelog"
	"sms-dispatch-core/internal/observability"
	"sms-dispatch-core/internal/phone"
	"sms-dispatch-core/internal/queue"
)

// ContactPhone resolves a contact's current phone number at send time.
type ContactPhone interface {
	Phone(ctx context.Context, contactID int64) (string, error)
}

// Result tallies one dispatch pass.
type Result struct {
	Processed int
	Sent      int
	Failed    int
}

// Dispatcher implements spec §4.5: lease a batch, send each item through
// the carrier, fold the outcome into the log and the queue.
type Dispatcher struct {
	queue    *queue.Service
	log      *messagelog.Service
	carrier  carrier.Sender
	contacts ContactPhone
	metrics  *observability.Metrics
	logger   *zap.Logger

	baseURL     string
	region      string
	interval    time.Duration
	batchSize   int
	concurrency int

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Config struct {
	BaseURL     string
	Region      string
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

func New(q *queue.Service, log *messagelog.Service, sender carrier.Sender, contacts ContactPhone, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Dispatcher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Dispatcher{
		queue:       q,
		log:         log,
		carrier:     sender,
		contacts:    contacts,
		metrics:     metrics,
		logger:      logger,
		baseURL:     cfg.BaseURL,
		region:      cfg.Region,
		interval:    cfg.Interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Wake nudges the dispatcher to run a pass before its next scheduled tick.
// Non-blocking: a pending wake that hasn't been consumed yet is coalesced.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Start runs dispatch passes on a ticker until ctx is cancelled or Stop is
// called, mirroring the teacher's fixed worker-pool lifecycle (Start/Stop,
// WaitGroup, graceful drain on shutdown).
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.runAndLog(ctx)
			case <-d.wakeCh:
				d.runAndLog(ctx)
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) runAndLog(ctx context.Context) {
	result, err := d.RunOnce(ctx)
	if err != nil {
		d.logger.Error("dispatch pass failed", zap.Error(err))
		return
	}
	if result.Processed > 0 {
		d.logger.Info("dispatch pass complete",
			zap.Int("processed", result.Processed),
			zap.Int("sent", result.Sent),
			zap.Int("failed", result.Failed))
	}
}

// RunOnce leases up to batchSize eligible items and processes them through a
// bounded worker pool. Per-item failures are confined: the pass never
// returns an error because of an individual item (spec §7).
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	items, err := d.queue.LeasePending(ctx, d.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("lease pending: %w", err)
	}
	if len(items) == 0 {
		return Result{}, nil
	}

	jobs := make(chan *queue.QueueItem)
	results := make(chan bool, len(items))

	var workers sync.WaitGroup
	poolSize := d.concurrency
	if poolSize > len(items) {
		poolSize = len(items)
	}
	for i := 0; i < poolSize; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for item := range jobs {
				results <- d.processItem(ctx, item)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, item := range items {
			select {
			case jobs <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	workers.Wait()
	close(results)

	result := Result{Processed: len(items)}
	for sent := range results {
		if sent {
			result.Sent++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// processItem is one lease→send→log→complete/retry cycle. The Message
// handle starts nil and is only dereferenced once CreateMessage has
// actually returned one — the fix for the original's "hasattr(locals(),
// 'message')" bug (spec §9): a locals() mapping probe can't tell you
// whether a variable is bound, but a nil pointer check can.
func (d *Dispatcher) processItem(ctx context.Context, item *queue.QueueItem) (sent bool) {
	t0 := time.Now()

	var msg *messagelog.Message

	rawPhone, err := d.contacts.Phone(ctx, item.ContactID)
	if err == nil {
		_, err = phone.Normalize(rawPhone, d.region)
	}
	if err != nil {
		d.logger.Error("failed to resolve contact phone for dispatch", zap.Int64("queue_item_id", item.ID), zap.Error(err))
		if ferr := d.queue.FailAttempt(ctx, item.ID, "contact phone unavailable or invalid", true); ferr != nil {
			d.logger.Error("failed to record failed attempt", zap.Error(ferr))
		}
		d.observeOutcome("failed")
		return false
	}
	to, _ := phone.Normalize(rawPhone, d.region)

	msg, err = d.log.CreateMessage(ctx, item, "processing", nil)
	if err != nil {
		d.logger.Error("failed to create message record", zap.Int64("queue_item_id", item.ID), zap.Error(err))
		if ferr := d.queue.FailAttempt(ctx, item.ID, "internal error creating message record", true); ferr != nil {
			d.logger.Error("failed to record failed attempt", zap.Error(ferr))
		}
		d.observeOutcome("failed")
		return false
	}

	callbackURL := fmt.Sprintf("%s/api/v1/webhooks/sms/status/%d", d.baseURL, msg.ID)

	result, sendErr := d.carrier.SendSMS(ctx, to, item.MessageContent, callbackURL)
	durationMs := time.Since(t0).Milliseconds()
	if d.metrics != nil {
		d.metrics.DispatchDuration.Observe(time.Since(t0).Seconds())
	}

	if sendErr == nil {
		internalStatus := carrier.MapProviderStatus(result.ProviderStatus)
		if _, _, err := d.log.LogEvent(ctx, msg.ID, messagelog.LogEventParams{
			Status:               string(internalStatus),
			EventType:            "sent",
			ProviderStatus:       &result.ProviderStatus,
			ExternalMessageID:    &result.ExternalID,
			Cost:                 result.Cost,
			ProcessingDurationMs: &durationMs,
			QueueItemID:          &item.ID,
		}); err != nil {
			d.logger.Error("failed to log send event", zap.Error(err))
		}
		if err := d.queue.CompleteSent(ctx, item.ID, result.ExternalID, nil); err != nil {
			d.logger.Error("failed to complete queue item", zap.Int64("queue_item_id", item.ID), zap.Error(err))
		}
		d.observeOutcome("sent")
		return true
	}

	var cerr *carrier.Error
	if errors.As(sendErr, &cerr) {
		permanent := d.carrier.IsPermanent(cerr.Code)
		status := "retry_pending"
		if permanent {
			status = "failed"
		}
		if _, _, err := d.log.LogEvent(ctx, msg.ID, messagelog.LogEventParams{
			Status:               status,
			EventType:            "send_failed",
			ErrorCode:            &cerr.Code,
			ErrorMessage:         &cerr.Message,
			ProcessingDurationMs: &durationMs,
			QueueItemID:          &item.ID,
		}); err != nil {
			d.logger.Error("failed to log send failure event", zap.Error(err))
		}
		if err := d.queue.FailAttempt(ctx, item.ID, cerr.Message, permanent); err != nil {
			d.logger.Error("failed to record failed attempt", zap.Error(err))
		}
		d.observeOutcome("failed")
		return false
	}

	code := "INTERNAL_ERROR"
	errMsg := sendErr.Error()
	if _, _, err := d.log.LogEvent(ctx, msg.ID, messagelog.LogEventParams{
		Status:               "failed",
		EventType:            "send_failed",
		ErrorCode:            &code,
		ErrorMessage:         &errMsg,
		ProcessingDurationMs: &durationMs,
		QueueItemID:          &item.ID,
	}); err != nil {
		d.logger.Error("failed to log internal error event", zap.Error(err))
	}
	if err := d.queue.FailAttempt(ctx, item.ID, errMsg, true); err != nil {
		d.logger.Error("failed to record failed attempt", zap.Error(err))
	}
	d.observeOutcome("failed")
	return false
}

func (d *Dispatcher) observeOutcome(outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.DispatchAttemptsTotal.WithLabelValues(outcome).Inc()
}
