// Package machine implements the pure per-thing state transition: apply a
// mutation, recompute synthetic state, run reconciliation scripts and timers,
// and derive the next waker. The machine never touches storage or transport;
// side-effects are returned to the caller.
package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/xeipuuv/gojsonschema"

	"github.com/R3E-Network/twin_layer/internal/app/commands"
	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/script"
	"github.com/R3E-Network/twin_layer/pkg/logger"
)

var (
	// ErrSchemaViolation is returned when the mutated state fails the
	// thing's JSON schema. The mutation is rejected.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrInvalid is returned for malformed mutations, including failed
	// RFC6902 test operations.
	ErrInvalid = errors.New("invalid mutation")
)

// MaxOutboxHops bounds outbox forwarding chains; a transition refuses to
// extend a chain past this depth so cycles fail loudly.
const MaxOutboxHops = 16

// MaxOutboxPerTransition caps how many entries one transition may enqueue.
const MaxOutboxPerTransition = 16

// ScriptRunner executes one reconciliation script invocation.
type ScriptRunner interface {
	Run(ctx context.Context, req script.Request) (*script.Result, error)
}

// Config tunes transition behavior.
type Config struct {
	// OutboxRetry is how long after a commit an unacknowledged outbox entry
	// waits before the waker re-triggers delivery.
	OutboxRetry time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{OutboxRetry: 30 * time.Second}
}

// Outcome is the result of one transition.
type Outcome struct {
	// New is the candidate state; it may equal the input state, which the
	// service detects to skip the commit.
	New *thing.Thing
	// Commands are device-bound messages produced by command-method
	// reconciliation.
	Commands []commands.Command
	// Terminal is set when a deleted thing has quiesced: no outbox entries
	// remain and no waker is scheduled. The row can be removed.
	Terminal bool
}

// Machine is the transition engine. It is stateless apart from its
// dependencies and safe for concurrent use across things.
type Machine struct {
	cfg     Config
	scripts ScriptRunner
	log     *logger.Logger
}

// New creates a Machine.
func New(cfg Config, scripts ScriptRunner, log *logger.Logger) *Machine {
	if cfg.OutboxRetry <= 0 {
		cfg.OutboxRetry = DefaultConfig().OutboxRetry
	}
	if log == nil {
		log = logger.NewDefault("machine")
	}
	return &Machine{cfg: cfg, scripts: scripts, log: log}
}

// Transition applies one event to the current state and returns the new
// state plus effects. current is never modified.
func (m *Machine) Transition(ctx context.Context, current *thing.Thing, ev event.Event, now time.Time) (*Outcome, error) {
	now = now.UTC()
	next, err := m.applyMutation(current, ev, now)
	if err != nil {
		return nil, err
	}

	if err := validateSchema(next); err != nil {
		return nil, err
	}

	run := &transitionRun{
		machine: m,
		ctx:     ctx,
		current: current,
		next:    next,
		ev:      ev,
		now:     now,
	}

	if next.Deleted() {
		// Only deleting hooks may produce mutations once deletion started.
		if err := run.runDeletingHooks(); err != nil {
			return nil, err
		}
	} else {
		if err := run.recomputeSynthetic(); err != nil {
			return nil, err
		}
		if err := run.runChangedHooks(); err != nil {
			return nil, err
		}
		if err := run.reconcileDesired(); err != nil {
			return nil, err
		}
		if err := run.runTimers(); err != nil {
			return nil, err
		}
	}

	thing.StampLastUpdates(current, run.next, now)
	run.computeWaker()

	outcome := &Outcome{New: run.next, Commands: run.commands}
	if run.next.Deleted() {
		internal := run.next.Internal
		quiescent := internal == nil || (len(internal.Outbox) == 0 && internal.Waker.Next == nil)
		outcome.Terminal = quiescent
	}
	return outcome, nil
}

// applyMutation produces the candidate state for the event payload, before
// any reconciliation runs.
func (m *Machine) applyMutation(current *thing.Thing, ev event.Event, now time.Time) (*thing.Thing, error) {
	next := current.Clone()

	switch ev.Payload.Type {
	case event.TypeMerge:
		return m.applyMerge(current, ev.Payload.Merge)

	case event.TypePatch:
		return m.applyPatch(current, ev.Payload.Patch)

	case event.TypeReplace:
		replacement := ev.Payload.Replace.Clone()
		preserveIdentity(replacement, current)
		replacement.Internal = cloneInternal(current)
		return replacement, nil

	case event.TypeReportedUpdate:
		for name, value := range ev.Payload.Reported {
			if value == nil {
				delete(next.ReportedState, name)
				continue
			}
			if next.ReportedState == nil {
				next.ReportedState = map[string]thing.ReportedFeature{}
			}
			f := next.ReportedState[name]
			f.Value = thing.Normalize(value)
			next.ReportedState[name] = f
		}
		return next, nil

	case event.TypeSyntheticUpdate:
		for name, kind := range ev.Payload.Synthetic {
			if kind == nil {
				delete(next.SyntheticState, name)
				continue
			}
			if next.SyntheticState == nil {
				next.SyntheticState = map[string]thing.SyntheticFeature{}
			}
			f := next.SyntheticState[name]
			f.SyntheticKind = *kind
			next.SyntheticState[name] = f
		}
		return next, nil

	case event.TypeDesiredUpdate:
		for name, update := range ev.Payload.Desired {
			if update == nil {
				delete(next.DesiredState, name)
				continue
			}
			if next.DesiredState == nil {
				next.DesiredState = map[string]thing.DesiredFeature{}
			}
			f := next.DesiredState[name]
			applyDesiredUpdate(&f, update, now)
			next.DesiredState[name] = f
		}
		return next, nil

	case event.TypeWakeup:
		return next, nil

	case event.TypeOutboxDelivery:
		if next.Internal != nil {
			kept := next.Internal.Outbox[:0]
			for _, entry := range next.Internal.Outbox {
				if entry.Ref != ev.Payload.Delivery.Ref {
					kept = append(kept, entry)
				}
			}
			next.Internal.Outbox = kept
		}
		return next, nil

	case event.TypeDelete:
		if next.Metadata.DeletionTimestamp == nil {
			ts := now
			next.Metadata.DeletionTimestamp = &ts
		}
		return next, nil

	default:
		return nil, fmt.Errorf("%w: unsupported payload type %q", ErrInvalid, ev.Payload.Type)
	}
}

func (m *Machine) applyMerge(current *thing.Thing, merge map[string]any) (*thing.Thing, error) {
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode current state: %w", err)
	}
	mergeJSON, err := json.Marshal(merge)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	mergedJSON, err := jsonpatch.MergePatch(currentJSON, mergeJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: merge patch: %v", ErrInvalid, err)
	}
	var merged thing.Thing
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: merge result: %v", ErrInvalid, err)
	}
	preserveIdentity(&merged, current)
	merged.Internal = cloneInternal(current)
	return &merged, nil
}

func (m *Machine) applyPatch(current *thing.Thing, ops json.RawMessage) (*thing.Thing, error) {
	patch, err := jsonpatch.DecodePatch(ops)
	if err != nil {
		return nil, fmt.Errorf("%w: decode patch: %v", ErrInvalid, err)
	}
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode current state: %w", err)
	}
	patchedJSON, err := patch.Apply(currentJSON)
	if err != nil {
		// Failed test ops land here as well: the mutation is rejected.
		return nil, fmt.Errorf("%w: apply patch: %v", ErrInvalid, err)
	}
	var patched thing.Thing
	if err := json.Unmarshal(patchedJSON, &patched); err != nil {
		return nil, fmt.Errorf("%w: patch result: %v", ErrInvalid, err)
	}
	preserveIdentity(&patched, current)
	patched.Internal = cloneInternal(current)
	return &patched, nil
}

func applyDesiredUpdate(f *thing.DesiredFeature, update *event.DesiredUpdate, now time.Time) {
	if update.Value != nil {
		f.Value = thing.Normalize(update.Value)
	}
	if update.ValidUntil != nil {
		ts := update.ValidUntil.UTC()
		f.ValidUntil = &ts
	}
	if update.ValidFor != nil {
		ts := now.Add(update.ValidFor.Std())
		f.ValidUntil = &ts
	}
	if update.Mode != nil {
		f.Mode = *update.Mode
	}
	if update.Method != nil {
		f.Method = *update.Method
	}
	if f.Mode == "" {
		f.Mode = thing.ModeSync
	}
	if f.Method.Kind == "" {
		f.Method.Kind = thing.MethodExternal
	}
}

// preserveIdentity restores the fields no mutation may rewrite.
func preserveIdentity(next, current *thing.Thing) {
	next.Metadata.Application = current.Metadata.Application
	next.Metadata.Name = current.Metadata.Name
	next.Metadata.UID = current.Metadata.UID
	next.Metadata.CreationTimestamp = current.Metadata.CreationTimestamp
	next.Metadata.Generation = current.Metadata.Generation
	next.Metadata.ResourceVersion = current.Metadata.ResourceVersion
	next.Metadata.DeletionTimestamp = current.Metadata.DeletionTimestamp
}

func cloneInternal(current *thing.Thing) *thing.Internal {
	if current.Internal == nil {
		return nil
	}
	return current.Clone().Internal
}

// validateSchema checks the union of state values against the thing's JSON
// schema, when one is attached.
func validateSchema(t *thing.Thing) error {
	if len(t.Schema) == 0 {
		return nil
	}

	union := map[string]any{}
	for name, f := range t.DesiredState {
		union[name] = f.Value
	}
	for name, f := range t.ReportedState {
		union[name] = f.Value
	}
	for name, f := range t.SyntheticState {
		union[name] = f.Value
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(t.Schema),
		gojsonschema.NewGoLoader(union),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if !result.Valid() {
		details := ""
		for _, desc := range result.Errors() {
			if details != "" {
				details += "; "
			}
			details += desc.String()
		}
		return fmt.Errorf("%w: %s", ErrSchemaViolation, details)
	}
	return nil
}
