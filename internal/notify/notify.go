// Package notify publishes a lightweight wake-up signal over NATS whenever
// a new queue item is submitted, so an idle dispatcher doesn't have to wait
// out its full poll interval. Postgres stays the durable source of truth
// (spec §5); a lost or duplicated wake message only changes how soon the
// next dispatch pass runs, never what it finds.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectQueueWake is published to whenever a queue item becomes eligible
// for immediate dispatch.
const SubjectQueueWake = "sms.queue.wake"

// WakeMessage is the payload published on SubjectQueueWake. It carries just
// enough context for an observer to log something useful; no consumer
// depends on its contents for correctness.
type WakeMessage struct {
	QueueItemID int64     `json:"queue_item_id"`
	Priority    int       `json:"priority"`
	PublishedAt time.Time `json:"published_at"`
}

// Publisher wraps a NATS connection for the submit-time wake signal.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewPublisher(natsURL string, logger *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("sms-dispatch-core"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("connected to nats", zap.String("url", conn.ConnectedUrl()))
	return &Publisher{conn: conn, logger: logger}, nil
}

func (p *Publisher) Close() {
	p.conn.Close()
}

func (p *Publisher) Health(ctx context.Context) error {
	if p.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats not connected, status: %v", p.conn.Status())
	}
	return nil
}

// PublishWake notifies subscribers that queueItemID just became eligible
// for dispatch. Publish failures are logged, not propagated: a submission
// must still succeed even if the wake-up optimization is unavailable.
func (p *Publisher) PublishWake(queueItemID int64, priority int) {
	msg := WakeMessage{QueueItemID: queueItemID, Priority: priority, PublishedAt: time.Now().UTC()}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to marshal wake message", zap.Error(err))
		return
	}
	if err := p.conn.Publish(SubjectQueueWake, data); err != nil {
		p.logger.Warn("failed to publish queue wake", zap.Error(err), zap.Int64("queue_item_id", queueItemID))
	}
}

// Waker is the narrow interface Subscribe nudges; the dispatcher implements
// it.
type Waker interface {
	Wake()
}

// Subscribe wires incoming wake messages to waker.Wake, so any dispatcher
// process on the wire — not just the one that happened to handle the
// originating HTTP request — runs a pass early.
func Subscribe(conn *nats.Conn, waker Waker, logger *zap.Logger) (*nats.Subscription, error) {
	return conn.Subscribe(SubjectQueueWake, func(msg *nats.Msg) {
		var wake WakeMessage
		if err := json.Unmarshal(msg.Data, &wake); err != nil {
			logger.Error("failed to unmarshal wake message", zap.Error(err))
			return
		}
		waker.Wake()
	})
}

// Conn exposes the underlying connection for Subscribe callers that live
// outside this package (cmd/dispatcher wires Publisher and Subscriber from
// one shared connection).
func (p *Publisher) Conn() *nats.Conn {
	return p.conn
}
