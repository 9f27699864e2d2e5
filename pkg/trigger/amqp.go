package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DefaultQueue is the durable queue carrying invocations.
const DefaultQueue = "stillpoint.jobs"

// ErrDeliveriesClosed is returned by Consume when the broker closes the
// delivery channel.
var ErrDeliveriesClosed = errors.New("amqp delivery channel closed")

// Channel is the subset of *amqp.Channel the trigger uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQP publishes invocations to a durable RabbitMQ queue and consumes them
// on the worker side.
type AMQP struct {
	ch    Channel
	conn  io.Closer
	queue string
	log   *zap.Logger
	now   func() time.Time

	mu     sync.Mutex
	closed bool
}

// DialAMQP connects to url and declares queue.
func DialAMQP(url, queue string, log *zap.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	t, err := NewAMQP(ch, queue, log)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	t.conn = conn
	return t, nil
}

// NewAMQP wraps an open channel. The queue declaration is idempotent.
func NewAMQP(ch Channel, queue string, log *zap.Logger) (*AMQP, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQP{ch: ch, queue: queue, log: log, now: time.Now}, nil
}

// Queue returns the queue name.
func (a *AMQP) Queue() string { return a.queue }

func (a *AMQP) Fire(ctx context.Context, inv Invocation) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}

	body, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}
	err = a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    inv.JobID,
		Timestamp:    a.now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish invocation: %w", err)
	}
	a.log.Debug("Invocation published",
		zap.String("queue", a.queue),
		zap.String("user_id", inv.UserID),
		zap.String("job_id", inv.JobID))
	return nil
}

// Consume drives h from queued invocations with up to concurrency handlers
// in flight. It returns nil when ctx is cancelled, after in-flight handlers
// finish. Handled deliveries are acked whatever the job outcome; the job
// record carries the failure. Undecodable deliveries are dropped.
func (a *AMQP) Consume(ctx context.Context, h Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = DefaultLocalConcurrency
	}
	if err := a.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := a.ch.Consume(a.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", a.queue, err)
	}
	a.log.Info("Worker consuming", zap.String("queue", a.queue), zap.Int("concurrency", concurrency))

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	wg.Add(concurrency)
	for range concurrency {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						errOnce.Do(func() { runErr = ErrDeliveriesClosed })
						return
					}
					a.handle(context.WithoutCancel(ctx), h, d)
				}
			}
		}()
	}
	wg.Wait()
	return runErr
}

func (a *AMQP) handle(ctx context.Context, h Handler, d amqp.Delivery) {
	var inv Invocation
	if err := json.Unmarshal(d.Body, &inv); err != nil || inv.Validate() != nil {
		a.log.Error("Dropping malformed invocation",
			zap.String("message_id", d.MessageId),
			zap.Int("bytes", len(d.Body)),
			zap.Error(err))
		if nerr := d.Nack(false, false); nerr != nil {
			a.log.Warn("Nack failed", zap.Error(nerr))
		}
		return
	}

	log := a.log.With(zap.String("user_id", inv.UserID), zap.String("job_id", inv.JobID))
	if err := h.Handle(ctx, inv); err != nil {
		log.Warn("Worker invocation failed", zap.Error(err))
	}
	if err := d.Ack(false); err != nil {
		log.Warn("Ack failed", zap.Error(err))
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	err := a.ch.Close()
	if a.conn != nil {
		err = errors.Join(err, a.conn.Close())
	}
	return err
}
