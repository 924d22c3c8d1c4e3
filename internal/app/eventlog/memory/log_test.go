package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
)

func wakeup(thingID string) event.Event {
	return event.New(thingID, event.Payload{Type: event.TypeWakeup, Wakeup: &event.Wakeup{}})
}

func TestPartitionIsStable(t *testing.T) {
	assert.Equal(t, eventlog.Partition("default/foo", 8), eventlog.Partition("default/foo", 8))
	assert.Equal(t, 0, eventlog.Partition("anything", 1))
}

func TestPublishValidates(t *testing.T) {
	log := New(2)
	err := log.Publish(context.Background(), event.Event{ThingID: "bad"})
	assert.Error(t, err)
}

func TestPerKeyFIFO(t *testing.T) {
	log := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 50
	published := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := wakeup("default/foo")
		published = append(published, ev)
		require.NoError(t, log.Publish(ctx, ev))
	}

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	go func() {
		_ = log.Consume(ctx, func(ctx context.Context, ev event.Event) error {
			mu.Lock()
			seen = append(seen, ev.ID)
			if len(seen) == n {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, ev := range published {
		assert.Equal(t, ev.ID, seen[i], "same-key events arrive in publish order")
	}
}

func TestFailedHandlerIsRedelivered(t *testing.T) {
	log := New(1)
	log.RetryDelay = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, log.Publish(ctx, wakeup("default/foo")))

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	go func() {
		_ = log.Consume(ctx, func(ctx context.Context, ev event.Event) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestClosedLogRejectsPublish(t *testing.T) {
	log := New(1)
	log.Close()
	err := log.Publish(context.Background(), wakeup("default/foo"))
	assert.ErrorIs(t, err, eventlog.ErrClosed)
}
