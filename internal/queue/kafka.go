package queue

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"link-crawler/internal/config"
	"link-crawler/internal/crawler"
)

const (
	fetchRetryDelay = 500 * time.Millisecond
	requeueTimeout  = 10 * time.Second
	commitBuffer    = 256
)

// Static and compile-time check to ensure KafkaClient implements crawler.Queue.
var _ crawler.Queue = (*KafkaClient)(nil)

// KafkaClient maps the queue operations onto a Kafka topic read by a
// consumer group. Acknowledged offsets are committed in partition order, so
// a message is only marked consumed once every earlier message on its
// partition has been settled.
type KafkaClient struct {
	broker  string
	groupID string
	log     *logrus.Entry
	clock   clock.Clock

	newReader   func(topic string) crawler.MessageReader
	newWriter   func(topic string) crawler.MessageWriter
	ensureTopic func(ctx context.Context, topic string) error

	mu       sync.Mutex
	reader   crawler.MessageReader
	writers  map[string]crawler.MessageWriter
	prefetch int
	err      error
	closed   bool

	// settleMu guards commitCh against sends after Close.
	settleMu    sync.RWMutex
	commitCh    chan kafka.Message
	coordinator *commitCoordinator
	coordWg     sync.WaitGroup
	coordCancel context.CancelFunc
}

// KafkaOption configures a KafkaClient.
type KafkaOption func(*KafkaClient)

// WithReaderFactory replaces the kafka.Reader constructor (tests).
func WithReaderFactory(f func(topic string) crawler.MessageReader) KafkaOption {
	return func(c *KafkaClient) { c.newReader = f }
}

// WithWriterFactory replaces the kafka.Writer constructor (tests).
func WithWriterFactory(f func(topic string) crawler.MessageWriter) KafkaOption {
	return func(c *KafkaClient) { c.newWriter = f }
}

// WithTopicEnsurer replaces the broker metadata check used by DeclareQueue.
func WithTopicEnsurer(f func(ctx context.Context, topic string) error) KafkaOption {
	return func(c *KafkaClient) { c.ensureTopic = f }
}

// WithKafkaClock sets the clock used for fetch retry pauses.
func WithKafkaClock(clk clock.Clock) KafkaOption {
	return func(c *KafkaClient) { c.clock = clk }
}

// NewKafkaClient returns a client for cfg.KafkaBroker. No connection is made
// until DeclareQueue or Consume.
func NewKafkaClient(cfg config.QueueConfig, log *logrus.Entry, opts ...KafkaOption) *KafkaClient {
	c := &KafkaClient{
		broker:   cfg.KafkaBroker,
		groupID:  cfg.KafkaGroupID,
		log:      log.WithField("broker", cfg.KafkaBroker),
		clock:    clock.WallClock,
		writers:  make(map[string]crawler.MessageWriter),
		prefetch: 1,
	}
	c.newReader = func(topic string) crawler.MessageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{c.broker},
			Topic:   topic,
			GroupID: c.groupID,
		})
	}
	c.newWriter = func(topic string) crawler.MessageWriter {
		return &kafka.Writer{
			Addr:                   kafka.TCP(c.broker),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
		}
	}
	c.ensureTopic = c.ensureTopicExists
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeclareQueue makes sure the topic exists, creating it with one partition
// when the broker does not know it.
func (c *KafkaClient) DeclareQueue(ctx context.Context, topic string) error {
	if err := c.ensureTopic(ctx, topic); err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return &DeclarationError{Queue: topic, Err: err}
	}
	return nil
}

func (c *KafkaClient) ensureTopicExists(ctx context.Context, topic string) error {
	conn, err := kafka.DialContext(ctx, "tcp", c.broker)
	if err != nil {
		return &ConnectionError{Addr: c.broker, Err: err}
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if err == nil && len(partitions) > 0 {
		return nil
	}
	if err != nil && !errors.Is(err, kafka.UnknownTopicOrPartition) {
		return err
	}

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return &ConnectionError{Addr: c.broker, Err: err}
	}
	defer ctrlConn.Close()

	return ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
}

// QueueDepth is not tracked for Kafka; consumer lag lives in the group
// coordinator. It returns the number of partitions as a liveness check.
func (c *KafkaClient) QueueDepth(ctx context.Context, topic string) (int, error) {
	conn, err := kafka.DialContext(ctx, "tcp", c.broker)
	if err != nil {
		return 0, &ConnectionError{Addr: c.broker, Err: err}
	}
	defer conn.Close()
	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		return 0, &DeclarationError{Queue: topic, Err: err}
	}
	return len(partitions), nil
}

// SetPrefetch sizes the window of fetched but unsettled messages. It must
// be called before Consume.
func (c *KafkaClient) SetPrefetch(n int) error {
	if n < 1 {
		return errors.New("prefetch must be at least 1")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return errors.New("prefetch must be set before consuming")
	}
	c.prefetch = n
	return nil
}

// Consume joins the consumer group for topic and delivers messages while
// at most prefetch of them are unsettled.
func (c *KafkaClient) Consume(ctx context.Context, topic string) (<-chan crawler.Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.reader != nil {
		c.mu.Unlock()
		return nil, errors.New("already consuming")
	}
	reader := c.newReader(topic)
	c.reader = reader
	window := make(chan struct{}, c.prefetch)
	c.mu.Unlock()

	commitCh := make(chan kafka.Message, commitBuffer)
	c.settleMu.Lock()
	c.commitCh = commitCh
	c.settleMu.Unlock()
	c.coordinator = newCommitCoordinator(reader, commitCh, c.log)
	coordCtx, cancel := context.WithCancel(context.Background())
	c.coordCancel = cancel
	c.coordWg.Add(1)
	go c.coordinator.run(coordCtx, &c.coordWg)

	out := make(chan crawler.Delivery)
	go c.fetchLoop(ctx, topic, reader, window, out)
	return out, nil
}

func (c *KafkaClient) fetchLoop(ctx context.Context, topic string, reader crawler.MessageReader, window chan struct{}, out chan<- crawler.Delivery) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			c.setErr(nil)
			return
		case window <- struct{}{}:
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			<-window
			if ctx.Err() != nil {
				c.setErr(nil)
				return
			}
			if errors.Is(err, io.EOF) {
				c.setErr(ErrClosed)
				return
			}
			c.log.WithError(err).Warn("fetch error")
			select {
			case <-ctx.Done():
			case <-c.clock.After(fetchRetryDelay):
			}
			continue
		}

		c.coordinator.seed(msg)
		d := &kafkaDelivery{client: c, topic: topic, msg: msg, window: window}
		select {
		case out <- d:
		case <-ctx.Done():
			// Left uncommitted; the group redelivers it.
			<-window
			c.setErr(nil)
			return
		}
	}
}

// Publish writes body to topic and waits for all in-sync replicas.
func (c *KafkaClient) Publish(ctx context.Context, topic string, body []byte) error {
	writer, err := c.writer(topic)
	if err != nil {
		return &PublishError{Queue: topic, Err: err}
	}
	msg := kafka.Message{Value: body, Time: c.clock.Now().UTC()}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		return &PublishError{Queue: topic, Err: err}
	}
	return nil
}

func (c *KafkaClient) writer(topic string) (crawler.MessageWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	w, ok := c.writers[topic]
	if !ok {
		w = c.newWriter(topic)
		c.writers[topic] = w
	}
	return w, nil
}

// settle hands msg to the commit coordinator.
func (c *KafkaClient) settle(msg kafka.Message) error {
	c.settleMu.RLock()
	defer c.settleMu.RUnlock()
	if c.commitCh == nil {
		return ErrClosed
	}
	c.commitCh <- msg
	return nil
}

// Err returns why consumption stopped, or nil after a context cancellation.
func (c *KafkaClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *KafkaClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Close flushes settled offsets and closes the reader and writers.
func (c *KafkaClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	reader := c.reader
	writers := c.writers
	c.writers = nil
	c.mu.Unlock()

	c.settleMu.Lock()
	if c.commitCh != nil {
		close(c.commitCh)
		c.commitCh = nil
	}
	c.settleMu.Unlock()
	c.coordWg.Wait()
	if c.coordCancel != nil {
		c.coordCancel()
	}

	var result *multierror.Error
	if reader != nil {
		if err := reader.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, w := range writers {
		if err := w.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type kafkaDelivery struct {
	client *KafkaClient
	topic  string
	msg    kafka.Message
	window chan struct{}
	once   sync.Once
}

func (d *kafkaDelivery) Body() []byte { return d.msg.Value }

// Ack marks the message consumed.
func (d *kafkaDelivery) Ack() error {
	var err error
	d.once.Do(func() {
		<-d.window
		err = d.client.settle(d.msg)
	})
	return err
}

// Nack with requeue appends a copy of the message to the tail of the topic
// and then marks the original consumed. If the copy cannot be written the
// offset stays uncommitted and the group redelivers it after a restart.
// Nack without requeue drops the message.
func (d *kafkaDelivery) Nack(requeue bool) error {
	var err error
	d.once.Do(func() {
		<-d.window
		if requeue {
			ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
			defer cancel()
			if err = d.client.Publish(ctx, d.topic, d.msg.Value); err != nil {
				return
			}
		}
		err = d.client.settle(d.msg)
	})
	return err
}
