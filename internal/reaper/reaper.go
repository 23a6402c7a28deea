// Package reaper runs the scheduled stuck-lease reclaim pass (spec §5): a
// queue item that a dispatcher worker leased but never completed — because
// the worker crashed or the pass was cancelled mid-item — is returned to
// pending (or failed, if its attempts are exhausted) after LeaseTimeout.
// Grounded on the teacher's internal/queue/database.go Retry, which
// reclaims stale SENDING rows on the same "past a deadline, assume dead"
// principle.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sms-dispatch-core/internal/observability"
	"sms-dispatch-core/internal/queue"
)

// Reaper periodically reclaims leases the dispatcher abandoned.
type Reaper struct {
	queue   *queue.Service
	metrics *observability.Metrics
	logger  *zap.Logger

	interval     time.Duration
	leaseTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(q *queue.Service, metrics *observability.Metrics, logger *zap.Logger, interval, leaseTimeout time.Duration) *Reaper {
	return &Reaper{
		queue:        q,
		metrics:      metrics,
		logger:       logger,
		interval:     interval,
		leaseTimeout: leaseTimeout,
		stopCh:       make(chan struct{}),
	}
}

func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.runOnce(ctx)
			}
		}
	}()
}

func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) runOnce(ctx context.Context) {
	items, err := r.queue.ReapStuckLeases(ctx, r.leaseTimeout)
	if err != nil {
		r.logger.Error("stuck-lease reap pass failed", zap.Error(err))
		return
	}
	if r.metrics != nil && len(items) > 0 {
		r.metrics.LeaseReapedTotal.Add(float64(len(items)))
	}
}
