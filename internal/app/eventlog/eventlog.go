// Package eventlog defines the partitioned, ordered, durable mutation log.
// Messages are keyed by thing id; the log guarantees per-key FIFO delivery,
// at-least-once semantics and single-consumer partition affinity.
package eventlog

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
)

var (
	// ErrClosed is returned when publishing to a stopped log.
	ErrClosed = errors.New("event log closed")
	// ErrTransient wraps infrastructure failures of the log (broker
	// unreachable, publish timeout) that a retry can cure.
	ErrTransient = errors.New("transient event log failure")
)

// Handler processes one event. A nil return commits the partition offset; an
// error leaves the message pending for redelivery after backoff.
type Handler func(ctx context.Context, ev event.Event) error

// Sink publishes mutation requests into the log.
type Sink interface {
	Publish(ctx context.Context, ev event.Event) error
}

// Source consumes the log. Consume blocks until the context is cancelled,
// delivering events of each partition sequentially and in order.
type Source interface {
	Consume(ctx context.Context, handler Handler) error
}

// Partition maps a thing id onto one of n partitions. Every producer and
// consumer must agree on this mapping for per-key FIFO to hold.
func Partition(thingID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(thingID))
	return int(h.Sum32() % uint32(n))
}
