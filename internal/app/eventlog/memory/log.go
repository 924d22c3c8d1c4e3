// Package memory provides the in-process event log used by tests and
// single-node deployments. Per-key ordering holds because each partition is
// a FIFO queue drained by exactly one goroutine.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
)

// Log is an in-memory partitioned event log.
type Log struct {
	mu         sync.Mutex
	partitions []chan event.Event
	closed     bool

	// RetryDelay is the initial wait before redelivering a message whose
	// handler failed; it grows exponentially up to RetryMax. Short in
	// tests, longer in production.
	RetryDelay time.Duration
	// RetryMax caps the redelivery backoff interval.
	RetryMax time.Duration
}

var (
	_ eventlog.Sink   = (*Log)(nil)
	_ eventlog.Source = (*Log)(nil)
)

// New creates a log with the given partition count.
func New(partitions int) *Log {
	if partitions <= 0 {
		partitions = 1
	}
	chans := make([]chan event.Event, partitions)
	for i := range chans {
		chans[i] = make(chan event.Event, 1024)
	}
	return &Log{
		partitions: chans,
		RetryDelay: 50 * time.Millisecond,
		RetryMax:   5 * time.Second,
	}
}

func (l *Log) Publish(ctx context.Context, ev event.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return eventlog.ErrClosed
	}
	ch := l.partitions[eventlog.Partition(ev.ThingID, len(l.partitions))]
	l.mu.Unlock()

	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume drains every partition with one goroutine each, redelivering a
// message with bounded exponential backoff until its handler succeeds.
func (l *Log) Consume(ctx context.Context, handler eventlog.Handler) error {
	var wg sync.WaitGroup
	for _, ch := range l.partitions {
		wg.Add(1)
		go func(ch chan event.Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-ch:
					redeliver := l.retryPolicy()
					for {
						if err := handler(ctx, ev); err == nil {
							break
						}
						select {
						case <-ctx.Done():
							return
						case <-time.After(redeliver.NextBackOff()):
						}
					}
				}
			}
		}(ch)
	}
	wg.Wait()
	return ctx.Err()
}

func (l *Log) retryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.RetryDelay
	b.MaxInterval = l.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Close rejects further publishes. Pending messages stay consumable.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}
