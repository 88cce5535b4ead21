package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"link-crawler/common"
	"link-crawler/internal/config"
	"link-crawler/internal/crawler"
)

const (
	dialTimeout       = 10 * time.Second
	heartbeat         = 10 * time.Second
	reconnectBase     = 500 * time.Millisecond
	reconnectMaxDelay = 30 * time.Second
	consumerTag       = "link-crawler"
)

// Static and compile-time check to ensure AMQPClient implements crawler.Queue.
var _ crawler.Queue = (*AMQPClient)(nil)

// AMQPClient talks to RabbitMQ over one connection with two channels: one
// for consuming and one, in confirm mode, for publishing.
type AMQPClient struct {
	url   string
	addr  string
	log   *logrus.Entry
	clock clock.Clock

	reconnectMax int

	mu        sync.Mutex
	conn      *amqp.Connection
	consumeCh *amqp.Channel
	publishCh *amqp.Channel
	declared  []string
	prefetch  int
	err       error
	closed    bool
}

// Connect dials the broker described by cfg. An unreachable broker or
// rejected credentials yield a *ConnectionError.
func Connect(ctx context.Context, cfg config.QueueConfig, log *logrus.Entry, clk clock.Clock) (*AMQPClient, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	c := &AMQPClient{
		url:          cfg.AMQPURL(),
		addr:         cfg.Addr(),
		log:          log.WithField("broker", cfg.Addr()),
		clock:        clk,
		reconnectMax: cfg.ReconnectMax,
	}
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	c.log.Info("connected to broker")
	return c, nil
}

// open dials and sets up both channels. Caller must not hold c.mu.
func (c *AMQPClient) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Addr: c.addr, Err: err}
	}
	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
		Properties: amqp.Table{
			"connection_name": consumerTag,
		},
	})
	if err != nil {
		return &ConnectionError{Addr: c.addr, Err: err}
	}
	consumeCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Addr: c.addr, Err: err}
	}
	publishCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Addr: c.addr, Err: err}
	}
	if err := publishCh.Confirm(false); err != nil {
		_ = conn.Close()
		return &ConnectionError{Addr: c.addr, Err: fmt.Errorf("enable publisher confirms: %w", err)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.consumeCh = consumeCh
	c.publishCh = publishCh
	return nil
}

// DeclareQueue declares a durable queue. It is idempotent; a broker
// rejection yields a *DeclarationError.
func (c *AMQPClient) DeclareQueue(_ context.Context, name string) error {
	if err := c.declare(name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.declared {
		if q == name {
			return nil
		}
	}
	c.declared = append(c.declared, name)
	return nil
}

// declare runs on a short-lived channel because a rejected declaration
// closes the channel it was sent on.
func (c *AMQPClient) declare(name string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &DeclarationError{Queue: name, Err: ErrClosed}
	}
	ch, err := conn.Channel()
	if err != nil {
		return &ConnectionError{Addr: c.addr, Err: err}
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return &DeclarationError{Queue: name, Err: err}
	}
	return nil
}

// IsPreconditionFailed reports whether err is the broker refusing a
// declaration that conflicts with an existing queue.
func IsPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}

// SetPrefetch bounds the number of unacknowledged deliveries on the
// consume channel.
func (c *AMQPClient) SetPrefetch(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeCh == nil {
		return ErrClosed
	}
	if err := c.consumeCh.Qos(n, 0, false); err != nil {
		return fmt.Errorf("set prefetch %d: %w", n, err)
	}
	c.prefetch = n
	return nil
}

// QueueDepth returns the number of ready messages in name.
func (c *AMQPClient) QueueDepth(_ context.Context, name string) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, ErrClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, &ConnectionError{Addr: c.addr, Err: err}
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()
	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return 0, &DeclarationError{Queue: name, Err: err}
	}
	return q.Messages, nil
}

// Consume starts delivering messages from queue. When the broker connection
// drops, the client redials with capped exponential backoff, re-declares
// known queues, re-applies prefetch and resumes. The returned channel is
// closed when ctx is cancelled or reconnection is exhausted.
func (c *AMQPClient) Consume(ctx context.Context, queue string) (<-chan crawler.Delivery, error) {
	deliveries, err := c.startConsumer(ctx, queue)
	if err != nil {
		return nil, err
	}
	out := make(chan crawler.Delivery)
	go c.consumeLoop(ctx, queue, deliveries, out)
	return out, nil
}

func (c *AMQPClient) startConsumer(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	ch := c.consumeCh
	c.mu.Unlock()
	if ch == nil {
		return nil, ErrClosed
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}
	return deliveries, nil
}

func (c *AMQPClient) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, out chan<- crawler.Delivery) {
	defer close(out)
	for {
		if !c.forward(ctx, deliveries, out) {
			c.setErr(nil)
			return
		}
		if c.isClosed() {
			c.setErr(ErrClosed)
			return
		}
		c.log.Warn("broker connection lost, reconnecting")

		next, err := c.reconnect(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				c.setErr(nil)
				return
			}
			c.log.WithError(err).Error("reconnect failed")
			c.setErr(err)
			return
		}
		deliveries = next
	}
}

// forward copies deliveries to out. It returns true when the broker side
// closed and false when ctx was cancelled.
func (c *AMQPClient) forward(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- crawler.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err() == nil
			}
			select {
			case out <- &amqpDelivery{d: d}:
			case <-ctx.Done():
				// Not handed out; return it to the queue.
				_ = d.Nack(false, true)
				return false
			}
		}
	}
}

func (c *AMQPClient) reconnect(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	c.dropConn()

	var lastErr error
	for attempt := 1; attempt <= c.reconnectMax; attempt++ {
		delay := common.Backoff(reconnectBase, reconnectMaxDelay, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(delay):
		}

		deliveries, err := c.restore(ctx, queue)
		if err == nil {
			c.log.WithField("attempt", attempt).Info("reconnected to broker")
			return deliveries, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		lastErr = err
		c.log.WithError(err).WithField("attempt", attempt).Warn("reconnect attempt failed")
	}
	if lastErr == nil {
		lastErr = errors.New("reconnect disabled")
	}
	return nil, &ConnectionError{Addr: c.addr, Err: fmt.Errorf("giving up after %d attempts: %w", c.reconnectMax, lastErr)}
}

// restore opens a fresh connection and replays the declarations, prefetch
// and consumer. A connection that fails part way is closed again.
func (c *AMQPClient) restore(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	deliveries, err := c.resume(ctx, queue)
	if err != nil {
		c.dropConn()
		return nil, err
	}
	return deliveries, nil
}

func (c *AMQPClient) resume(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	declared := append([]string(nil), c.declared...)
	prefetch := c.prefetch
	c.mu.Unlock()

	for _, name := range declared {
		if err := c.declare(name); err != nil {
			return nil, err
		}
	}
	if prefetch > 0 {
		if err := c.SetPrefetch(prefetch); err != nil {
			return nil, err
		}
	}
	return c.startConsumer(ctx, queue)
}

// dropConn forgets the current connection and closes it.
func (c *AMQPClient) dropConn() {
	c.mu.Lock()
	old := c.conn
	c.conn, c.consumeCh, c.publishCh = nil, nil, nil
	c.mu.Unlock()
	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}
}

// Publish sends body to queue through the default exchange as a persistent
// text/plain message and waits for the broker confirm.
func (c *AMQPClient) Publish(ctx context.Context, queue string, body []byte) error {
	c.mu.Lock()
	ch := c.publishCh
	c.mu.Unlock()
	if ch == nil {
		return &PublishError{Queue: queue, Err: ErrClosed}
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    c.clock.Now(),
		Body:         body,
	})
	if err != nil {
		return &PublishError{Queue: queue, Err: err}
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return &PublishError{Queue: queue, Err: err}
	}
	if !ok {
		return &PublishError{Queue: queue, Err: errNotConfirmed}
	}
	return nil
}

// Err returns why consumption stopped, or nil after a context cancellation.
func (c *AMQPClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *AMQPClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *AMQPClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the channels and then the connection.
func (c *AMQPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, consumeCh, publishCh := c.conn, c.consumeCh, c.publishCh
	c.conn, c.consumeCh, c.publishCh = nil, nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	var result *multierror.Error
	for _, ch := range []*amqp.Channel{consumeCh, publishCh} {
		if ch != nil && !ch.IsClosed() {
			if err := ch.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (d *amqpDelivery) Body() []byte { return d.d.Body }

func (d *amqpDelivery) Ack() error { return d.d.Ack(false) }

func (d *amqpDelivery) Nack(requeue bool) error { return d.d.Nack(false, requeue) }
