// Package broker ships execution messages to the worker fleet over AMQP
// 0-9-1. The queue is declared durable on every publish and messages carry
// the persistent delivery mode, so a broker restart loses neither.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/flowdeck/pulse/internal/core"
)

// Config configures the broker connection and destination queue.
type Config struct {
	URL             string
	Queue           string
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// channel is the slice of *amqp.Channel the publisher uses; narrowed so
// tests can substitute a fake.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// connection abstracts *amqp.Connection for the same reason.
type connection interface {
	Channel() (channel, error)
	Close() error
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) Close() error { return c.conn.Close() }

// AMQPPublisher implements core.Publisher on a single AMQP connection.
// Channel access is serialized: AMQP channels are not safe for concurrent
// use, and the per-tick fan-out publishes from many goroutines.
type AMQPPublisher struct {
	queue  string
	logger *slog.Logger

	mu   sync.Mutex
	conn connection
	ch   channel
}

// Dial connects to the broker with a bounded retry budget. Exhausting the
// budget is a fatal startup error: the daemon must never start polling
// without a working publish path.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*AMQPPublisher, error) {
	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	retry := &backoff.Backoff{
		Min:    cfg.ConnectBackoff,
		Max:    cfg.ConnectBackoff * 8,
		Jitter: true,
	}

	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		if attempt == attempts {
			break
		}
		wait := retry.Duration()
		logger.Warn("broker connection failed, retrying",
			"attempt", attempt, "max_attempts", attempts, "backoff", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connecting to broker: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to broker after %d attempts: %w", attempts, err)
	}

	logger.Info("broker connected", "queue", cfg.Queue)
	return newPublisher(cfg.Queue, &amqpConnection{conn: conn}, logger), nil
}

func newPublisher(queue string, conn connection, logger *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{queue: queue, conn: conn, logger: logger}
}

// Publish declares the queue and sends one message. Any broker-level problem
// is logged and reported as false, never an error: the daemon routes every
// publish failure into the same bookkeeping path as a structural one. The
// channel is dropped on failure and lazily re-opened on the next call.
func (p *AMQPPublisher) Publish(ctx context.Context, msg *core.ExecutionMessage) bool {
	body, err := msg.Encode()
	if err != nil {
		p.logger.Error("encoding execution message failed",
			"workflow_id", msg.WorkflowID, "execution_id", msg.ExecutionID, "error", err)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		p.logger.Error("opening broker channel failed", "error", err)
		return false
	}

	// Idempotent: redeclaring an existing durable queue is a no-op, and it
	// heals the case where the queue vanished under us.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		p.dropChannel()
		p.logger.Error("declaring queue failed", "queue", p.queue, "error", err)
		return false
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ExecutionID,
		// Wire metadata for broker tooling, deliberately wall-clock: the
		// scheduling-relevant attempt time lives in the bookkeeping row,
		// not in this frame.
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.dropChannel()
		p.logger.Error("publishing execution message failed",
			"workflow_id", msg.WorkflowID, "execution_id", msg.ExecutionID, "error", err)
		return false
	}

	p.logger.Debug("execution message published",
		"workflow_id", msg.WorkflowID, "execution_id", msg.ExecutionID, "queue", p.queue)
	return true
}

// channel returns the open channel, opening one if needed. Caller holds mu.
func (p *AMQPPublisher) channel() (channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

// dropChannel discards a failed channel so the next publish re-opens.
// Caller holds mu.
func (p *AMQPPublisher) dropChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Close shuts the channel and connection down cleanly.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropChannel()
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
