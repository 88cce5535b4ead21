package queue

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a client after Close.
var ErrClosed = errors.New("queue client closed")

// errNotConfirmed is wrapped in a PublishError when the broker nacks a publish.
var errNotConfirmed = errors.New("broker did not confirm the message")

// ConnectionError reports an unreachable broker, rejected credentials or a
// connection that could not be re-established.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("queue connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeclarationError reports that the broker rejected a queue declaration,
// for example because the queue exists with incompatible durability.
type DeclarationError struct {
	Queue string
	Err   error
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("declare queue %q: %v", e.Queue, e.Err)
}

func (e *DeclarationError) Unwrap() error { return e.Err }

// PublishError reports that a message was not durably accepted by the broker.
type PublishError struct {
	Queue string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
