//go:generate mockgen -destination=../../mocks/crawler.go -package=mocks link-crawler/internal/crawler Delivery,Queue,MessageReader,MessageWriter

package crawler

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Delivery is one message handed to a consumer together with its
// acknowledgment token. Exactly one of Ack or Nack should be called.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// Queue is the broker as seen by the crawl worker. The same queue is both
// the input and the output of the crawl.
type Queue interface {
	// DeclareQueue creates a durable queue or verifies an existing one.
	DeclareQueue(ctx context.Context, name string) error
	// SetPrefetch bounds the number of unacknowledged deliveries.
	SetPrefetch(n int) error
	// Consume delivers messages until ctx is cancelled or the connection is lost.
	// The channel is closed when delivery stops; Err tells why.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	// Publish enqueues one persistent message.
	Publish(ctx context.Context, queue string, body []byte) error
	// Err returns the reason consumption stopped, or nil if it stopped because
	// its context was cancelled.
	Err() error
	Close() error
}

// MessageReader abstracts kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter abstracts kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}
