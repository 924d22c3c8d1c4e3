package machine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/twin_layer/internal/app/commands"
	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/script"
)

// transitionRun carries the working state of one transition.
type transitionRun struct {
	machine *Machine
	ctx     context.Context
	current *thing.Thing
	next    *thing.Thing
	ev      event.Event
	now     time.Time

	commands     []commands.Command
	scriptWakers []time.Time
	outboxAdded  int
}

// runScript executes one hook against the shared candidate state and merges
// its edits back. Outbox pushes and waker requests are collected; the hook's
// log lines are returned for the caller to record.
func (r *transitionRun) runScript(hook, source string) (*script.Result, error) {
	currentDoc, err := thing.ToDocument(r.current)
	if err != nil {
		return nil, err
	}
	newDoc, err := thing.ToDocument(r.next)
	if err != nil {
		return nil, err
	}

	result, err := r.machine.scripts.Run(r.ctx, script.Request{
		ThingID:      r.next.ID(),
		Hook:         hook,
		Source:       source,
		CurrentState: currentDoc,
		NewState:     newDoc,
		Now:          r.now,
	})
	if err != nil {
		return nil, err
	}

	if result.NewState != nil {
		merged, err := thing.ApplyDocument(r.next, result.NewState)
		if err != nil {
			return nil, err
		}
		r.next = merged
	}
	if err := r.collectOutbox(result.Outbox); err != nil {
		result.Logs = append(result.Logs, err.Error())
	}
	if result.Waker != nil {
		r.scriptWakers = append(r.scriptWakers, r.now.Add(*result.Waker))
	}
	return result, nil
}

// collectOutbox turns script outbox requests into persisted entries, bounding
// both per-transition volume and forwarding depth.
func (r *transitionRun) collectOutbox(requests []script.OutboxRequest) error {
	for _, req := range requests {
		if r.outboxAdded >= MaxOutboxPerTransition {
			return fmt.Errorf("outbox limit of %d entries per transition exceeded", MaxOutboxPerTransition)
		}
		if r.ev.Hops+1 > MaxOutboxHops {
			return fmt.Errorf("outbox hop count exceeded %d, dropping message to %s", MaxOutboxHops, req.Thing)
		}

		target := req.Thing
		if _, _, err := thing.SplitID(target); err != nil {
			// Unqualified names address things of the same application.
			target = thing.MakeID(r.next.Metadata.Application, req.Thing)
		}

		internal := r.next.EnsureInternal()
		internal.Outbox = append(internal.Outbox, thing.OutboxEntry{
			Ref:     uuid.NewString(),
			Thing:   target,
			Message: req.Message,
			Hops:    r.ev.Hops + 1,
			Created: r.now,
		})
		r.outboxAdded++
	}
	return nil
}

// recomputeSynthetic refreshes every synthetic feature: aliases copy from
// reported state, scripts run against the candidate state. A thrown script
// error leaves the previous value in place.
func (r *transitionRun) recomputeSynthetic() error {
	for _, name := range sortedKeys(r.next.SyntheticState) {
		feature := r.next.SyntheticState[name]
		switch {
		case feature.Alias != "":
			value, lastUpdate, ok := r.resolveAlias(feature.Alias, 0)
			if !ok {
				continue
			}
			feature.Value = value
			feature.LastUpdate = lastUpdate
			r.next.SyntheticState[name] = feature

		case feature.JavaScript != "":
			result, err := r.runScript("synthetic:"+name, feature.JavaScript)
			if err != nil {
				var scriptErr *script.Error
				if errors.As(err, &scriptErr) {
					r.machine.log.WithField("thing", r.next.ID()).
						WithField("synthetic", name).
						WithError(scriptErr).
						Warn("synthetic recompute failed, keeping previous value")
					continue
				}
				return err
			}
			// The script either assigned into newState.syntheticState or
			// returned the value directly.
			feature = r.next.SyntheticState[name]
			if result.Value != nil {
				feature.Value = result.Value
				r.next.SyntheticState[name] = feature
			}
		}
	}
	return nil
}

// resolveAlias follows alias chains through reported state first, then other
// synthetic features, bounded to break cycles.
func (r *transitionRun) resolveAlias(target string, depth int) (thing.Value, time.Time, bool) {
	if depth >= 8 {
		r.machine.log.WithField("thing", r.next.ID()).
			WithField("alias", target).
			Warn("alias chain too deep")
		return nil, time.Time{}, false
	}
	if reported, ok := r.next.ReportedState[target]; ok {
		return reported.Value, reported.LastUpdate, true
	}
	if synthetic, ok := r.next.SyntheticState[target]; ok {
		if synthetic.Alias != "" {
			return r.resolveAlias(synthetic.Alias, depth+1)
		}
		return synthetic.Value, synthetic.LastUpdate, true
	}
	return nil, time.Time{}, false
}

// runChangedHooks runs every changed hook when any feature value, label or
// annotation differs from the previous state. Hooks run in name order and
// share the candidate state.
func (r *transitionRun) runChangedHooks() error {
	if len(r.next.Reconciliation.Changed) == 0 {
		return nil
	}
	if !stateDiffers(r.current, r.next) {
		return nil
	}

	for _, name := range sortedKeys(r.next.Reconciliation.Changed) {
		hook := r.next.Reconciliation.Changed[name]
		result, err := r.runScript("changed:"+name, hook.JavaScript)
		logs, runErr := hookLogs(result, err)
		if runErr != nil {
			return runErr
		}
		// The hook may have replaced r.next; re-read before recording logs.
		hook = r.next.Reconciliation.Changed[name]
		hook.LastLog = logs
		r.next.Reconciliation.Changed[name] = hook
	}
	return nil
}

// runDeletingHooks drives the teardown phase. Script errors and budget
// breaches are recorded rather than propagated so deletion cannot wedge.
func (r *transitionRun) runDeletingHooks() error {
	for _, name := range sortedKeys(r.next.Reconciliation.Deleting) {
		hook := r.next.Reconciliation.Deleting[name]
		result, err := r.runScript("deleting:"+name, hook.JavaScript)
		logs := captureLogs(result, err)
		hook = r.next.Reconciliation.Deleting[name]
		hook.LastLog = logs
		r.next.Reconciliation.Deleting[name] = hook
	}
	return nil
}

// hookLogs splits hook failures: thrown user errors are captured into the
// log and the transition continues; budget breaches reject the mutation.
func hookLogs(result *script.Result, err error) ([]string, error) {
	if err == nil {
		if result == nil {
			return nil, nil
		}
		return result.Logs, nil
	}
	var scriptErr *script.Error
	if errors.As(err, &scriptErr) {
		return []string{"error: " + scriptErr.Message}, nil
	}
	return nil, err
}

// captureLogs folds any failure into the log lines.
func captureLogs(result *script.Result, err error) []string {
	var logs []string
	if result != nil {
		logs = result.Logs
	}
	if err != nil {
		logs = append(logs, "error: "+err.Error())
	}
	return logs
}

// reconcileDesired walks every desired feature and advances its
// reconciliation state, emitting commands and running code methods as
// configured.
func (r *transitionRun) reconcileDesired() error {
	for _, name := range sortedKeys(r.next.DesiredState) {
		feature := r.next.DesiredState[name]

		if feature.Mode == thing.ModeDisabled {
			if feature.Reconciliation.State != thing.StateDisabled {
				feature.Reconciliation = thing.DesiredReconciliation{State: thing.StateDisabled, When: timePtr(r.now)}
			}
			r.next.DesiredState[name] = feature
			continue
		}

		if feature.ValidUntil != nil && !feature.ValidUntil.After(r.now) {
			if feature.Reconciliation.State != thing.StateFailed {
				feature.Reconciliation = thing.DesiredReconciliation{
					State:  thing.StateFailed,
					When:   timePtr(r.now),
					Reason: "expired",
				}
			}
			r.next.DesiredState[name] = feature
			continue
		}

		if thing.Equal(feature.Value, r.observedValue(name)) {
			if feature.Reconciliation.State != thing.StateSucceeded {
				feature.Reconciliation = thing.DesiredReconciliation{State: thing.StateSucceeded, When: timePtr(r.now)}
			}
			r.next.DesiredState[name] = feature
			continue
		}
		if feature.Reconciliation.State == thing.StateSucceeded && feature.Mode == thing.ModeOnce {
			// A once value reached its goal earlier; it is not re-driven.
			r.next.DesiredState[name] = feature
			continue
		}

		previousAttempt := feature.Reconciliation.LastAttempt
		feature.Reconciliation = thing.DesiredReconciliation{
			State:       thing.StateReconciling,
			LastAttempt: timePtr(r.now),
		}

		var methodErr error
		switch feature.Method.Kind {
		case thing.MethodManual, thing.MethodExternal, "":
			// Someone else drives convergence; the state above records it.

		case thing.MethodCommand:
			cmd := feature.Method.Command
			due := cmd.Mode == thing.CommandActive ||
				previousAttempt == nil ||
				!r.now.Before(previousAttempt.Add(cmd.Period.Std()))
			if due {
				r.commands = append(r.commands, commands.Command{
					Application: r.next.Metadata.Application,
					Device:      r.next.Metadata.Name,
					Channel:     name,
					Encoding:    cmd.Encoding,
					Payload:     feature.Value,
				})
			} else if previousAttempt != nil {
				// Keep the running attempt window so the period is honored.
				feature.Reconciliation.LastAttempt = previousAttempt
			}

		case thing.MethodCode:
			_, err := r.runScript("desired:"+name, feature.Method.Code)
			if err != nil {
				var scriptErr *script.Error
				if errors.As(err, &scriptErr) {
					methodErr = scriptErr
				} else {
					return err
				}
			}
			// The script may have replaced the candidate state wholesale.
			updated := r.next.DesiredState[name]
			updated.Reconciliation = feature.Reconciliation
			feature = updated
		}

		if methodErr != nil {
			feature.Reconciliation = thing.DesiredReconciliation{
				State:  thing.StateFailed,
				When:   timePtr(r.now),
				Reason: methodErr.Error(),
			}
		}
		r.next.DesiredState[name] = feature
	}
	return nil
}

// observedValue is the value the desired feature is compared against:
// synthetic state is preferred over reported state under the same name.
func (r *transitionRun) observedValue(name string) thing.Value {
	if synthetic, ok := r.next.SyntheticState[name]; ok {
		return synthetic.Value
	}
	if reported, ok := r.next.ReportedState[name]; ok {
		return reported.Value
	}
	return nil
}

// runTimers fires every due timer. Failures are recorded into the timer log
// and the run still advances, so a broken script cannot hot-loop the waker.
func (r *transitionRun) runTimers() error {
	for _, name := range sortedKeys(r.next.Reconciliation.Timers) {
		timer := r.next.Reconciliation.Timers[name]
		if timer.Stopped {
			continue
		}

		if timer.LastStarted == nil {
			timer.LastStarted = timePtr(r.now)
			r.next.Reconciliation.Timers[name] = timer
		}

		due := timerDue(timer)
		if r.now.Before(due) {
			continue
		}

		result, err := r.runScript("timer:"+name, timer.Script)
		// Re-read: the script may have edited its own timer entry.
		timer = r.next.Reconciliation.Timers[name]
		timer.LastRun = timePtr(r.now)
		timer.LastLog = captureLogs(result, err)
		r.next.Reconciliation.Timers[name] = timer
	}
	return nil
}

// timerDue computes the next fire time of a timer.
func timerDue(timer thing.Timer) time.Time {
	if timer.LastRun != nil {
		return timer.LastRun.Add(timer.Period.Std())
	}
	start := time.Time{}
	if timer.LastStarted != nil {
		start = *timer.LastStarted
	}
	if timer.InitialDelay != nil {
		return start.Add(timer.InitialDelay.Std())
	}
	return start.Add(timer.Period.Std())
}

// computeWaker derives the next wakeup from scratch: the minimum over timer
// fires, desired retries, expiries, outbox retries and explicit script
// requests. Null when no future work is pending.
func (r *transitionRun) computeWaker() {
	waker := thing.Waker{}

	if r.next.Internal != nil {
		for _, entry := range r.next.Internal.Outbox {
			waker.Schedule(entry.Created.Add(r.machine.cfg.OutboxRetry), thing.ReasonOutbox)
		}
	}

	if !r.next.Deleted() {
		for name, timer := range r.next.Reconciliation.Timers {
			if timer.Stopped {
				continue
			}
			if timer.LastStarted == nil {
				// Not yet started: the schedule (initial delay, else one
				// period) counts from now.
				timer.LastStarted = timePtr(r.now)
			}
			waker.Schedule(timerDue(timer), thing.TimerReason(name))
		}

		for _, feature := range r.next.DesiredState {
			if feature.Mode == thing.ModeDisabled {
				continue
			}
			if feature.ValidUntil != nil && feature.ValidUntil.After(r.now) &&
				feature.Reconciliation.State != thing.StateFailed {
				waker.Schedule(*feature.ValidUntil, thing.ReasonReconcile)
			}
			if feature.Reconciliation.State == thing.StateReconciling &&
				feature.Method.Kind == thing.MethodCommand &&
				feature.Method.Command != nil &&
				feature.Reconciliation.LastAttempt != nil {
				waker.Schedule(feature.Reconciliation.LastAttempt.Add(feature.Method.Command.Period.Std()), thing.ReasonReconcile)
			}
		}
	}

	for _, at := range r.scriptWakers {
		waker.Schedule(at, thing.ReasonReconcile)
	}

	hasOutbox := r.next.Internal != nil && len(r.next.Internal.Outbox) > 0
	if waker.Next == nil && !hasOutbox {
		r.next.Internal = nil
		return
	}
	r.next.EnsureInternal().Waker = waker
}

func stateDiffers(a, b *thing.Thing) bool {
	if !mapsEqual(a.Metadata.Labels, b.Metadata.Labels) {
		return true
	}
	if !mapsEqual(a.Metadata.Annotations, b.Metadata.Annotations) {
		return true
	}
	if len(a.ReportedState) != len(b.ReportedState) {
		return true
	}
	for name, f := range b.ReportedState {
		prev, ok := a.ReportedState[name]
		if !ok || !thing.Equal(prev.Value, f.Value) {
			return true
		}
	}
	if len(a.SyntheticState) != len(b.SyntheticState) {
		return true
	}
	for name, f := range b.SyntheticState {
		prev, ok := a.SyntheticState[name]
		if !ok || !thing.Equal(prev.Value, f.Value) {
			return true
		}
	}
	if len(a.DesiredState) != len(b.DesiredState) {
		return true
	}
	for name, f := range b.DesiredState {
		prev, ok := a.DesiredState[name]
		if !ok || !thing.Equal(prev.Value, f.Value) {
			return true
		}
	}
	return false
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func timePtr(t time.Time) *time.Time {
	copied := t
	return &copied
}
