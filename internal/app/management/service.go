// Package management exposes the operations the external API service calls:
// create, read, replace, patch, delete, per-state puts and subscriptions.
// Reads go straight to storage; every mutation is serialized through the
// event sink so the per-thing ordering guarantee holds.
package management

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/eventlog"
	"github.com/R3E-Network/twin_layer/internal/app/machine"
	"github.com/R3E-Network/twin_layer/internal/app/notifier"
	"github.com/R3E-Network/twin_layer/internal/app/storage"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

// ScriptCompiler validates user scripts before they are accepted.
type ScriptCompiler interface {
	Compile(source string) error
}

// Service is the management facade.
type Service struct {
	store    storage.ThingStore
	sink     eventlog.Sink
	hub      *notifier.Hub
	compiler ScriptCompiler
	log      *logger.Logger
}

// New constructs the facade. The compiler is optional; without one scripts
// are accepted unchecked and fail at first execution.
func New(store storage.ThingStore, sink eventlog.Sink, hub *notifier.Hub, compiler ScriptCompiler, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("management")
	}
	return &Service{store: store, sink: sink, hub: hub, compiler: compiler, log: log}
}

// Create accepts a new thing. The existence pre-check gives producers a
// synchronous AlreadyExists; the authoritative check happens when the event
// is processed.
func (s *Service) Create(ctx context.Context, t *thing.Thing) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", machine.ErrInvalid, err)
	}
	if err := s.compileScripts(t); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, t.Metadata.Application, t.Metadata.Name); err == nil {
		return storage.ErrAlreadyExists
	} else if err != storage.ErrNotFound {
		return err
	}
	return s.publish(ctx, t.ID(), event.Payload{Type: event.TypeCreate, Create: t})
}

// Get returns the current state of a thing.
func (s *Service) Get(ctx context.Context, application, name string) (*thing.Thing, error) {
	return s.store.Get(ctx, application, name)
}

// List returns the things of an application matching an equality label
// selector of the form "k1=v1,k2=v2".
func (s *Service) List(ctx context.Context, application, selector string) ([]*thing.Thing, error) {
	parsed, err := parseSelector(selector)
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, application, parsed)
}

// Update replaces the full state of a thing.
func (s *Service) Update(ctx context.Context, t *thing.Thing) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", machine.ErrInvalid, err)
	}
	if err := s.compileScripts(t); err != nil {
		return err
	}
	return s.publish(ctx, t.ID(), event.Payload{Type: event.TypeReplace, Replace: t})
}

// Patch applies an RFC6902 JSON patch.
func (s *Service) Patch(ctx context.Context, application, name string, ops json.RawMessage) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty patch", machine.ErrInvalid)
	}
	return s.publish(ctx, thing.MakeID(application, name), event.Payload{Type: event.TypePatch, Patch: ops})
}

// Merge applies an RFC7396 JSON merge patch.
func (s *Service) Merge(ctx context.Context, application, name string, merge map[string]any) error {
	if merge == nil {
		return fmt.Errorf("%w: empty merge", machine.ErrInvalid)
	}
	return s.publish(ctx, thing.MakeID(application, name), event.Payload{Type: event.TypeMerge, Merge: merge})
}

// Delete initiates the two-phase delete.
func (s *Service) Delete(ctx context.Context, application, name string) error {
	return s.publish(ctx, thing.MakeID(application, name), event.Payload{Type: event.TypeDelete})
}

// PutReportedStates sets reported values. Nil values remove the feature.
func (s *Service) PutReportedStates(ctx context.Context, application, name string, values map[string]thing.Value) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: no reported values", machine.ErrInvalid)
	}
	return s.publish(ctx, thing.MakeID(application, name), event.Payload{Type: event.TypeReportedUpdate, Reported: values})
}

// PutDesiredState updates one desired feature.
func (s *Service) PutDesiredState(ctx context.Context, application, name, feature string, update event.DesiredUpdate) error {
	if update.Method != nil && update.Method.Kind == thing.MethodCode {
		if err := s.compile(update.Method.Code); err != nil {
			return err
		}
	}
	return s.publish(ctx, thing.MakeID(application, name), event.Payload{
		Type:    event.TypeDesiredUpdate,
		Desired: map[string]*event.DesiredUpdate{feature: &update},
	})
}

// PutSyntheticState updates one synthetic feature. A nil kind removes it.
func (s *Service) PutSyntheticState(ctx context.Context, application, name, feature string, kind *thing.SyntheticKind) error {
	if kind != nil && kind.JavaScript != "" {
		if err := s.compile(kind.JavaScript); err != nil {
			return err
		}
	}
	return s.publish(ctx, thing.MakeID(application, name), event.Payload{
		Type:      event.TypeSyntheticUpdate,
		Synthetic: map[string]*thing.SyntheticKind{feature: kind},
	})
}

// Subscribe opens a change stream for one thing or a whole application.
func (s *Service) Subscribe(ctx context.Context, application, name string) (*notifier.Subscription, error) {
	if s.hub == nil {
		return nil, fmt.Errorf("subscriptions not configured")
	}
	return s.hub.Subscribe(ctx, application, name)
}

func (s *Service) publish(ctx context.Context, thingID string, payload event.Payload) error {
	ev := event.New(thingID, payload)
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", machine.ErrInvalid, err)
	}
	if err := s.sink.Publish(ctx, ev); err != nil {
		return fmt.Errorf("enqueue mutation: %w", err)
	}
	return nil
}

func (s *Service) compileScripts(t *thing.Thing) error {
	for _, hook := range t.Reconciliation.Changed {
		if err := s.compile(hook.JavaScript); err != nil {
			return err
		}
	}
	for _, hook := range t.Reconciliation.Deleting {
		if err := s.compile(hook.JavaScript); err != nil {
			return err
		}
	}
	for _, timer := range t.Reconciliation.Timers {
		if err := s.compile(timer.Script); err != nil {
			return err
		}
	}
	for _, feature := range t.SyntheticState {
		if feature.JavaScript != "" {
			if err := s.compile(feature.JavaScript); err != nil {
				return err
			}
		}
	}
	for _, feature := range t.DesiredState {
		if feature.Method.Kind == thing.MethodCode {
			if err := s.compile(feature.Method.Code); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) compile(source string) error {
	if s.compiler == nil || source == "" {
		return nil
	}
	if err := s.compiler.Compile(source); err != nil {
		return fmt.Errorf("%w: %v", machine.ErrInvalid, err)
	}
	return nil
}

func parseSelector(selector string) (map[string]string, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, nil
	}
	out := map[string]string{}
	for _, term := range strings.Split(selector, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		key, value, found := strings.Cut(term, "=")
		if !found || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: bad selector term %q", machine.ErrInvalid, term)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}
