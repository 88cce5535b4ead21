package queue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"link-crawler/internal/crawler"
	"link-crawler/internal/metrics"
)

// partitionLog tracks one partition: the offsets handed out but not yet
// committed, in ascending order, and which of them have been settled.
// Offsets need not be contiguous; compaction, transaction markers and
// rebalances all leave gaps.
type partitionLog struct {
	outstanding []int64
	settled     map[int64]kafka.Message
	committed   int64
	hasCommit   bool
}

// track adds offset to the outstanding list unless it is already there or
// has already been committed.
func (p *partitionLog) track(offset int64) bool {
	if p.hasCommit && offset <= p.committed {
		return false
	}
	i := sort.Search(len(p.outstanding), func(i int) bool { return p.outstanding[i] >= offset })
	if i < len(p.outstanding) && p.outstanding[i] == offset {
		return true
	}
	p.outstanding = append(p.outstanding, 0)
	copy(p.outstanding[i+1:], p.outstanding[i:])
	p.outstanding[i] = offset
	return true
}

// head returns the lowest outstanding message, if it has been settled.
func (p *partitionLog) head() (kafka.Message, bool) {
	if len(p.outstanding) == 0 {
		return kafka.Message{}, false
	}
	msg, ok := p.settled[p.outstanding[0]]
	return msg, ok
}

// pop records msg as committed.
func (p *partitionLog) pop(msg kafka.Message) {
	delete(p.settled, msg.Offset)
	if len(p.outstanding) > 0 && p.outstanding[0] == msg.Offset {
		p.outstanding = p.outstanding[1:]
	}
	p.committed = msg.Offset
	p.hasCommit = true
}

// commitCoordinator turns acks that arrive in any order into offset commits
// that move each partition forward in fetch order.
type commitCoordinator struct {
	reader   crawler.MessageReader
	settleCh <-chan kafka.Message
	log      *logrus.Entry

	mu         sync.Mutex
	partitions map[int]*partitionLog
}

func newCommitCoordinator(reader crawler.MessageReader, settleCh <-chan kafka.Message, log *logrus.Entry) *commitCoordinator {
	return &commitCoordinator{
		reader:     reader,
		settleCh:   settleCh,
		log:        log,
		partitions: make(map[int]*partitionLog),
	}
}

// run commits settled messages until ctx is done or settleCh is closed, then
// commits whatever is no longer waiting on an unsettled offset.
func (c *commitCoordinator) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			c.flush(ctx)
			return
		case msg, ok := <-c.settleCh:
			if !ok {
				c.flush(ctx)
				return
			}
			c.add(msg)
			c.advance(ctx, msg.Partition, "offset commit failed")
		}
	}
}

// partition returns the log for id. Caller must hold c.mu.
func (c *commitCoordinator) partition(id int) *partitionLog {
	p, ok := c.partitions[id]
	if !ok {
		p = &partitionLog{settled: make(map[int64]kafka.Message)}
		c.partitions[id] = p
	}
	return p
}

// seed records an offset as handed out. It is called when a message is
// fetched, before any ack, so a later offset acked early waits for it.
func (c *commitCoordinator) seed(msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partition(msg.Partition).track(msg.Offset)
}

func (c *commitCoordinator) add(msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.partition(msg.Partition)
	if !p.track(msg.Offset) {
		return
	}
	if _, dup := p.settled[msg.Offset]; !dup {
		p.settled[msg.Offset] = msg
		atomic.AddInt64(&metrics.OffsetCommitPending, 1)
	}
}

// advance commits the partition's head for as long as it is settled. A failed
// commit leaves the head in place for the next call.
func (c *commitCoordinator) advance(ctx context.Context, id int, failure string) {
	for {
		c.mu.Lock()
		p := c.partition(id)
		msg, ok := p.head()
		c.mu.Unlock()
		if !ok {
			return
		}

		start := time.Now()
		err := c.reader.CommitMessages(ctx, msg)
		metrics.CommitLatency.Observe(time.Since(start))
		if err != nil {
			atomic.AddUint64(&metrics.OffsetCommitErrors, 1)
			c.log.WithError(err).WithFields(logrus.Fields{
				"partition": id,
				"offset":    msg.Offset,
			}).Error(failure)
			return
		}

		c.mu.Lock()
		p.pop(msg)
		c.mu.Unlock()
		atomic.AddInt64(&metrics.OffsetCommitPending, -1)
	}
}

func (c *commitCoordinator) flush(ctx context.Context) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.partitions))
	for id := range c.partitions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.advance(ctx, id, "offset commit failed during flush")
	}
}
