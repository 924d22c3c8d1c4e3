// Package thing holds the digital twin domain model: a named, versioned
// virtual device with reported, synthetic and desired state plus the
// reconciliation hooks and internal bookkeeping that drive it.
package thing

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Value is an arbitrary JSON value. Equality is structural; see Equal.
type Value = any

// Metadata is the identity and resource bookkeeping of a thing.
type Metadata struct {
	Application       string            `json:"application"`
	Name              string            `json:"name"`
	UID               string            `json:"uid,omitempty"`
	CreationTimestamp time.Time         `json:"creationTimestamp,omitempty"`
	DeletionTimestamp *time.Time        `json:"deletionTimestamp,omitempty"`
	Generation        uint64            `json:"generation,omitempty"`
	ResourceVersion   string            `json:"resourceVersion,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// ReportedFeature is one observed value. LastUpdate moves only when the value
// actually changed, not on every write.
type ReportedFeature struct {
	LastUpdate time.Time `json:"lastUpdate"`
	Value      Value     `json:"value,omitempty"`
}

// SyntheticKind selects how a synthetic feature derives its value: either a
// script or an alias of a reported or another synthetic feature. Exactly one
// side is set.
type SyntheticKind struct {
	JavaScript string `json:"javaScript,omitempty"`
	Alias      string `json:"alias,omitempty"`
}

// SyntheticFeature is a derived value plus the recipe that produced it.
type SyntheticFeature struct {
	SyntheticKind
	LastUpdate time.Time `json:"lastUpdate"`
	Value      Value     `json:"value,omitempty"`
}

// DesiredMode controls how long the system keeps reconciling a desired value.
type DesiredMode string

const (
	ModeOnce     DesiredMode = "once"
	ModeSync     DesiredMode = "sync"
	ModeDisabled DesiredMode = "disabled"
)

// MethodKind selects the reconciliation mechanism for a desired feature.
type MethodKind string

const (
	MethodManual   MethodKind = "manual"
	MethodExternal MethodKind = "external"
	MethodCommand  MethodKind = "command"
	MethodCode     MethodKind = "code"
)

// CommandMode controls when a command method fires.
type CommandMode string

const (
	CommandActive  CommandMode = "active"
	CommandPassive CommandMode = "passive"
)

// CommandMethod reconciles by periodically sending the desired value to the
// device as a command.
type CommandMethod struct {
	Period   Duration    `json:"period"`
	Mode     CommandMode `json:"mode,omitempty"`
	Encoding string      `json:"encoding,omitempty"`
}

// DesiredMethod is the tagged reconciliation method. Kind selects the variant;
// Command and Code carry variant data.
type DesiredMethod struct {
	Kind    MethodKind     `json:"kind"`
	Command *CommandMethod `json:"command,omitempty"`
	Code    string         `json:"code,omitempty"`
}

// ReconcileState is the observable convergence state of a desired feature.
type ReconcileState string

const (
	StateReconciling ReconcileState = "reconciling"
	StateSucceeded   ReconcileState = "succeeded"
	StateFailed      ReconcileState = "failed"
	StateDisabled    ReconcileState = "disabled"
)

// DesiredReconciliation records where the convergence loop stands.
type DesiredReconciliation struct {
	State       ReconcileState `json:"state"`
	When        *time.Time     `json:"when,omitempty"`
	LastAttempt *time.Time     `json:"lastAttempt,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// DesiredFeature is a value the system wants the device to adopt.
type DesiredFeature struct {
	Value          Value                 `json:"value,omitempty"`
	LastUpdate     time.Time             `json:"lastUpdate"`
	ValidUntil     *time.Time            `json:"validUntil,omitempty"`
	Mode           DesiredMode           `json:"mode,omitempty"`
	Method         DesiredMethod         `json:"method"`
	Reconciliation DesiredReconciliation `json:"reconciliation"`
}

// Script is a user-supplied reconciliation hook. LastLog captures the output
// of its most recent run, including errors thrown from user code.
type Script struct {
	JavaScript string   `json:"javaScript"`
	LastLog    []string `json:"lastLog,omitempty"`
}

// Timer is a periodically executed script.
type Timer struct {
	Script       string     `json:"script"`
	Period       Duration   `json:"period"`
	InitialDelay *Duration  `json:"initialDelay,omitempty"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	LastStarted  *time.Time `json:"lastStarted,omitempty"`
	Stopped      bool       `json:"stopped,omitempty"`
	LastLog      []string   `json:"lastLog,omitempty"`
}

// Reconciliation is the set of user hooks attached to a thing.
type Reconciliation struct {
	Changed  map[string]Script `json:"changed,omitempty"`
	Deleting map[string]Script `json:"deleting,omitempty"`
	Timers   map[string]Timer  `json:"timers,omitempty"`
}

// Waker reasons. Timer wakeups carry "timer:<name>".
const (
	ReasonReconcile = "reconcile"
	ReasonOutbox    = "outbox"
)

// TimerReason builds the waker reason for a named timer.
func TimerReason(name string) string { return "timer:" + name }

// Waker is the single earliest future moment at which the thing needs
// processing, plus the reasons it was scheduled.
type Waker struct {
	Next    *time.Time `json:"next,omitempty"`
	Reasons []string   `json:"reasons,omitempty"`
}

// Schedule merges a deadline into the waker, keeping the minimum and the
// union of reasons.
func (w *Waker) Schedule(at time.Time, reason string) {
	if w.Next == nil || at.Before(*w.Next) {
		t := at
		w.Next = &t
	}
	for _, r := range w.Reasons {
		if r == reason {
			return
		}
	}
	w.Reasons = append(w.Reasons, reason)
	sort.Strings(w.Reasons)
}

// OutboxEntry is a queued message to another thing, delivered through the
// event log after a successful commit and cleared on acknowledgement.
type OutboxEntry struct {
	Ref     string         `json:"ref"`
	Thing   string         `json:"thing"`
	Message map[string]any `json:"message"`
	Hops    int            `json:"hops,omitempty"`
	Created time.Time      `json:"created"`
}

// Internal is bookkeeping persisted with the thing but never exposed through
// the management surface as part of user state.
type Internal struct {
	Waker  Waker         `json:"waker,omitempty"`
	Outbox []OutboxEntry `json:"outbox,omitempty"`
}

// Thing is the full persisted twin.
type Thing struct {
	Metadata       Metadata                    `json:"metadata"`
	Schema         map[string]any              `json:"schema,omitempty"`
	ReportedState  map[string]ReportedFeature  `json:"reportedState,omitempty"`
	SyntheticState map[string]SyntheticFeature `json:"syntheticState,omitempty"`
	DesiredState   map[string]DesiredFeature   `json:"desiredState,omitempty"`
	Reconciliation Reconciliation              `json:"reconciliation,omitempty"`
	Internal       *Internal                   `json:"internal,omitempty"`
}

// ID returns the log/partition key: "<application>/<name>".
func (t *Thing) ID() string {
	return MakeID(t.Metadata.Application, t.Metadata.Name)
}

// MakeID builds a thing id from its parts.
func MakeID(application, name string) string {
	return application + "/" + name
}

// SplitID splits "<application>/<name>" back into its parts.
func SplitID(id string) (application, name string, err error) {
	idx := strings.Index(id, "/")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", fmt.Errorf("invalid thing id %q", id)
	}
	return id[:idx], id[idx+1:], nil
}

// Deleted reports whether the two-phase delete has started.
func (t *Thing) Deleted() bool {
	return t.Metadata.DeletionTimestamp != nil
}

// EnsureInternal returns the internal bookkeeping, allocating it on demand.
func (t *Thing) EnsureInternal() *Internal {
	if t.Internal == nil {
		t.Internal = &Internal{}
	}
	return t.Internal
}

// Validate checks the identity fields of a thing supplied by a producer.
func (t *Thing) Validate() error {
	if strings.TrimSpace(t.Metadata.Application) == "" {
		return fmt.Errorf("metadata.application is required")
	}
	if strings.TrimSpace(t.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if strings.Contains(t.Metadata.Application, "/") {
		return fmt.Errorf("metadata.application must not contain '/'")
	}
	for name, s := range t.SyntheticState {
		if (s.JavaScript == "") == (s.Alias == "") {
			return fmt.Errorf("syntheticState[%s]: exactly one of javaScript or alias must be set", name)
		}
	}
	for name, d := range t.DesiredState {
		switch d.Method.Kind {
		case "", MethodManual, MethodExternal:
		case MethodCommand:
			if d.Method.Command == nil || d.Method.Command.Period <= 0 {
				return fmt.Errorf("desiredState[%s]: command method requires a period", name)
			}
		case MethodCode:
			if strings.TrimSpace(d.Method.Code) == "" {
				return fmt.Errorf("desiredState[%s]: code method requires a script", name)
			}
		default:
			return fmt.Errorf("desiredState[%s]: unknown method %q", name, d.Method.Kind)
		}
	}
	for name, tm := range t.Reconciliation.Timers {
		if tm.Period <= 0 {
			return fmt.Errorf("timers[%s]: period must be positive", name)
		}
	}
	return nil
}
