// Package event defines the mutation requests flowing through the event log
// and the change notifications flowing out of it.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
)

// PayloadType tags the mutation variant an event carries.
type PayloadType string

const (
	TypeCreate          PayloadType = "create"
	TypeMerge           PayloadType = "merge"
	TypePatch           PayloadType = "patch"
	TypeReplace         PayloadType = "replace"
	TypeReportedUpdate  PayloadType = "reportedUpdate"
	TypeSyntheticUpdate PayloadType = "syntheticUpdate"
	TypeDesiredUpdate   PayloadType = "desiredUpdate"
	TypeWakeup          PayloadType = "wakeup"
	TypeOutboxDelivery  PayloadType = "outboxDelivery"
	TypeDelete          PayloadType = "delete"
)

// DesiredUpdate is a partial update of one desired feature. Nil fields keep
// the existing setting; a ValidFor is resolved against processing time.
type DesiredUpdate struct {
	Value      thing.Value          `json:"value,omitempty"`
	ValidFor   *thing.Duration      `json:"validFor,omitempty"`
	ValidUntil *time.Time           `json:"validUntil,omitempty"`
	Mode       *thing.DesiredMode   `json:"mode,omitempty"`
	Method     *thing.DesiredMethod `json:"method,omitempty"`
}

// Wakeup carries the reasons a thing was woken.
type Wakeup struct {
	Reasons []string `json:"reasons,omitempty"`
}

// OutboxDelivery acknowledges delivery of one outbox entry.
type OutboxDelivery struct {
	Ref string `json:"ref"`
}

// Payload is the tagged mutation union. Type selects the variant; exactly the
// matching field is populated.
type Payload struct {
	Type PayloadType `json:"type"`

	Create    *thing.Thing                    `json:"create,omitempty"`
	Merge     map[string]any                  `json:"merge,omitempty"`
	Patch     json.RawMessage                 `json:"patch,omitempty"`
	Replace   *thing.Thing                    `json:"replace,omitempty"`
	Reported  map[string]thing.Value          `json:"reported,omitempty"`
	Synthetic map[string]*thing.SyntheticKind `json:"synthetic,omitempty"`
	Desired   map[string]*DesiredUpdate       `json:"desired,omitempty"`
	Wakeup    *Wakeup                         `json:"wakeup,omitempty"`
	Delivery  *OutboxDelivery                 `json:"delivery,omitempty"`
}

// Event is one entry of the mutation log, keyed by thing id.
type Event struct {
	ID             string    `json:"id"`
	ThingID        string    `json:"thingId"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	// Hops counts outbox forwardings that led to this event; the machine
	// refuses to extend a chain past the cap.
	Hops      int       `json:"hops,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// New builds an event for a thing with a fresh producer-assigned id.
func New(thingID string, payload Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		ThingID:   thingID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Validate checks structural integrity before publishing or processing.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.ThingID) == "" {
		return fmt.Errorf("event: thingId is required")
	}
	if _, _, err := thing.SplitID(e.ThingID); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	switch e.Payload.Type {
	case TypeCreate:
		if e.Payload.Create == nil {
			return fmt.Errorf("event: create payload missing")
		}
	case TypeMerge:
		if e.Payload.Merge == nil {
			return fmt.Errorf("event: merge payload missing")
		}
	case TypePatch:
		if len(e.Payload.Patch) == 0 {
			return fmt.Errorf("event: patch payload missing")
		}
	case TypeReplace:
		if e.Payload.Replace == nil {
			return fmt.Errorf("event: replace payload missing")
		}
	case TypeReportedUpdate:
		if e.Payload.Reported == nil {
			return fmt.Errorf("event: reported payload missing")
		}
	case TypeSyntheticUpdate:
		if e.Payload.Synthetic == nil {
			return fmt.Errorf("event: synthetic payload missing")
		}
	case TypeDesiredUpdate:
		if e.Payload.Desired == nil {
			return fmt.Errorf("event: desired payload missing")
		}
	case TypeWakeup, TypeDelete:
	case TypeOutboxDelivery:
		if e.Payload.Delivery == nil || e.Payload.Delivery.Ref == "" {
			return fmt.Errorf("event: delivery ref missing")
		}
	default:
		return fmt.Errorf("event: unknown payload type %q", e.Payload.Type)
	}
	return nil
}

// ChangeType tags a notification.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ThingChanged is published to the notification log after every commit.
type ThingChanged struct {
	Application string       `json:"application"`
	Name        string       `json:"name"`
	Generation  uint64       `json:"generation"`
	Change      ChangeType   `json:"change"`
	Thing       *thing.Thing `json:"thing,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// ThingID returns the partition key of the notification.
func (c *ThingChanged) ThingID() string {
	return thing.MakeID(c.Application, c.Name)
}
