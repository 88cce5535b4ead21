// Package queuetest provides an in-memory crawler.Queue for tests.
package queuetest

import (
	"context"
	"sync"

	"link-crawler/internal/crawler"
)

// Static and compile-time check to ensure Memory implements crawler.Queue.
var _ crawler.Queue = (*Memory)(nil)

// NackRecord is one negative acknowledgment.
type NackRecord struct {
	Body    string
	Requeue bool
}

// Memory is an in-memory broker honouring the prefetch window. Published
// messages are recorded; with Loopback set they also become consumable.
type Memory struct {
	// Loopback makes published messages available to consumers.
	Loopback bool
	// Redeliver puts nacked messages with requeue back at the head of the
	// queue. Otherwise they are only recorded.
	Redeliver bool
	// PublishErr, when set, is consulted before every publish.
	PublishErr func(queue string, body []byte) error

	mu          sync.Mutex
	changed     chan struct{}
	declared    map[string]bool
	ready       map[string][]string
	published   map[string][]string
	acked       []string
	nacked      []NackRecord
	prefetch    int
	inFlight    int
	maxInFlight int
	err         error
	failed      chan struct{}
	closed      bool
}

// NewMemory returns an empty broker with prefetch 1.
func NewMemory() *Memory {
	return &Memory{
		changed:   make(chan struct{}, 1),
		declared:  make(map[string]bool),
		ready:     make(map[string][]string),
		published: make(map[string][]string),
		prefetch:  1,
		failed:    make(chan struct{}),
	}
}

// Push enqueues bodies on queue without recording them as published.
func (m *Memory) Push(queue string, bodies ...string) {
	m.mu.Lock()
	m.ready[queue] = append(m.ready[queue], bodies...)
	m.mu.Unlock()
	m.signal()
}

func (m *Memory) signal() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// DeclareQueue records the queue.
func (m *Memory) DeclareQueue(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declared[name] = true
	return nil
}

// Declared reports whether name was declared.
func (m *Memory) Declared(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.declared[name]
}

// SetPrefetch sets the unacknowledged delivery limit.
func (m *Memory) SetPrefetch(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefetch = n
	return nil
}

// Consume delivers ready messages from queue while fewer than prefetch are
// unsettled.
func (m *Memory) Consume(ctx context.Context, queue string) (<-chan crawler.Delivery, error) {
	out := make(chan crawler.Delivery)
	go func() {
		defer close(out)
		for {
			body, ok := m.next(queue)
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-m.failed:
					return
				case <-m.changed:
				}
				continue
			}
			d := &delivery{m: m, queue: queue, body: body}
			select {
			case out <- d:
			case <-ctx.Done():
				m.release(queue, body, true)
				return
			case <-m.failed:
				m.release(queue, body, true)
				return
			}
		}
	}()
	return out, nil
}

func (m *Memory) next(queue string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight >= m.prefetch || len(m.ready[queue]) == 0 {
		return "", false
	}
	body := m.ready[queue][0]
	m.ready[queue] = m.ready[queue][1:]
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	return body, true
}

// release returns an unsettled delivery's slot, putting the body back at the
// head of the queue when requeue is set.
func (m *Memory) release(queue, body string, requeue bool) {
	m.mu.Lock()
	m.inFlight--
	if requeue {
		m.ready[queue] = append([]string{body}, m.ready[queue]...)
	}
	m.mu.Unlock()
	m.signal()
}

// Publish records body and, with Loopback, makes it consumable.
func (m *Memory) Publish(_ context.Context, queue string, body []byte) error {
	if m.PublishErr != nil {
		if err := m.PublishErr(queue, body); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.published[queue] = append(m.published[queue], string(body))
	if m.Loopback {
		m.ready[queue] = append(m.ready[queue], string(body))
	}
	m.mu.Unlock()
	m.signal()
	return nil
}

// QueueDepth returns the number of ready messages on name.
func (m *Memory) QueueDepth(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready[name]), nil
}

// Fail stops every consumer as if the connection had been lost.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = err
		close(m.failed)
	}
}

// Err returns the error passed to Fail.
func (m *Memory) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close marks the broker closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Published returns the bodies published to queue.
func (m *Memory) Published(queue string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.published[queue]...)
}

// Ready returns the bodies waiting on queue.
func (m *Memory) Ready(queue string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ready[queue]...)
}

// Acked returns acknowledged bodies in order.
func (m *Memory) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

// Nacked returns negative acknowledgments in order.
func (m *Memory) Nacked() []NackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NackRecord(nil), m.nacked...)
}

// Settled returns the number of acked and nacked deliveries.
func (m *Memory) Settled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked) + len(m.nacked)
}

// InFlight returns the number of unsettled deliveries.
func (m *Memory) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// MaxInFlight returns the highest number of simultaneously unsettled deliveries.
func (m *Memory) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

func (m *Memory) redeliver() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Redeliver
}

type delivery struct {
	m     *Memory
	queue string
	body  string
	once  sync.Once
}

func (d *delivery) Body() []byte { return []byte(d.body) }

func (d *delivery) Ack() error {
	d.once.Do(func() {
		d.m.mu.Lock()
		d.m.acked = append(d.m.acked, d.body)
		d.m.mu.Unlock()
		d.m.release(d.queue, d.body, false)
	})
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	d.once.Do(func() {
		d.m.mu.Lock()
		d.m.nacked = append(d.m.nacked, NackRecord{Body: d.body, Requeue: requeue})
		d.m.mu.Unlock()
		d.m.release(d.queue, d.body, requeue && d.m.redeliver())
	})
	return nil
}
