package notifier

import (
	"context"
	"sync"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/storage"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

// MessageType tags a hub message.
type MessageType string

const (
	MessageInitial      MessageType = "initial"
	MessageChange       MessageType = "change"
	MessageDisconnected MessageType = "disconnected"
)

// Message is one entry of a subscription stream.
type Message struct {
	Type  MessageType  `json:"type"`
	Thing *thing.Thing `json:"thing,omitempty"`
}

// Subscription is one subscriber's message channel. Delivery is best-effort:
// a subscriber that cannot keep up receives a final disconnected message and
// is dropped; it resubscribes to get a fresh initial snapshot.
type Subscription struct {
	C chan Message

	hub         *Hub
	application string
	name        string
	id          int
}

// Cancel removes the subscription from the hub.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
}

// Hub is the in-process subscriber table, keyed by application and optionally
// by thing name.
type Hub struct {
	store storage.ThingStore
	log   *logger.Logger

	mu     sync.RWMutex
	nextID int
	// subs is keyed by application, then by thing name; "" subscribes to the
	// whole application.
	subs map[string]map[string]map[int]*Subscription
}

// NewHub creates a Hub. The store provides initial snapshots.
func NewHub(store storage.ThingStore, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("notifier")
	}
	return &Hub{store: store, log: log, subs: map[string]map[string]map[int]*Subscription{}}
}

// Subscribe registers a subscriber for one thing or a whole application
// (empty name). The current state is delivered first as initial messages.
func (h *Hub) Subscribe(ctx context.Context, application, name string) (*Subscription, error) {
	sub := &Subscription{
		C:           make(chan Message, 64),
		hub:         h,
		application: application,
		name:        name,
	}

	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	byName, ok := h.subs[application]
	if !ok {
		byName = map[string]map[int]*Subscription{}
		h.subs[application] = byName
	}
	set, ok := byName[name]
	if !ok {
		set = map[int]*Subscription{}
		byName[name] = set
	}
	set[sub.id] = sub
	h.mu.Unlock()

	if err := h.sendInitial(ctx, sub); err != nil {
		sub.Cancel()
		return nil, err
	}
	return sub, nil
}

func (h *Hub) sendInitial(ctx context.Context, sub *Subscription) error {
	if h.store == nil {
		return nil
	}
	if sub.name != "" {
		t, err := h.store.Get(ctx, sub.application, sub.name)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil
			}
			return err
		}
		sub.C <- Message{Type: MessageInitial, Thing: t}
		return nil
	}
	things, err := h.store.List(ctx, sub.application, nil)
	if err != nil {
		return err
	}
	for _, t := range things {
		sub.C <- Message{Type: MessageInitial, Thing: t}
	}
	return nil
}

// Broadcast delivers a change to every matching subscriber. Slow subscribers
// are disconnected rather than blocking the caller.
func (h *Hub) Broadcast(change event.ThingChanged) {
	h.mu.RLock()
	var targets []*Subscription
	if byName, ok := h.subs[change.Application]; ok {
		for _, set := range [2]map[int]*Subscription{byName[change.Name], byName[""]} {
			for _, sub := range set {
				targets = append(targets, sub)
			}
		}
	}
	h.mu.RUnlock()

	msg := Message{Type: MessageChange, Thing: change.Thing}
	for _, sub := range targets {
		select {
		case sub.C <- msg:
		default:
			h.log.WithField("application", change.Application).
				WithField("name", change.Name).
				Warn("dropping slow notification subscriber")
			h.disconnect(sub)
		}
	}
}

// disconnect removes the subscriber and signals the loss, dropping queued
// messages to make room for the marker if needed. The channel is left open:
// a racing Broadcast may still hold a reference, and the reader stops at the
// disconnected message anyway.
func (h *Hub) disconnect(sub *Subscription) {
	h.remove(sub)
	for {
		select {
		case sub.C <- Message{Type: MessageDisconnected}:
			return
		default:
		}
		select {
		case <-sub.C:
		default:
			return
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if byName, ok := h.subs[sub.application]; ok {
		if set, ok := byName[sub.name]; ok {
			delete(set, sub.id)
			if len(set) == 0 {
				delete(byName, sub.name)
			}
		}
		if len(byName) == 0 {
			delete(h.subs, sub.application)
		}
	}
}
