// Package notifier publishes ThingChanged notifications after every commit:
// onto a partitioned stream for other processes, and into the in-process hub
// feeding WebSocket subscribers.
package notifier

import (
	"context"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
)

// Publisher delivers change notifications to a durable stream.
type Publisher interface {
	Publish(ctx context.Context, change event.ThingChanged) error
}

// Notifier fans one change out to the stream and the local hub. Either part
// is optional.
type Notifier struct {
	publisher Publisher
	hub       *Hub
}

// New creates a Notifier.
func New(publisher Publisher, hub *Hub) *Notifier {
	return &Notifier{publisher: publisher, hub: hub}
}

// Publish delivers the change. The stream publish error is returned for the
// caller to log and retry; hub delivery is best-effort by contract.
func (n *Notifier) Publish(ctx context.Context, change event.ThingChanged) error {
	if n.hub != nil {
		n.hub.Broadcast(change)
	}
	if n.publisher != nil {
		return n.publisher.Publish(ctx, change)
	}
	return nil
}
