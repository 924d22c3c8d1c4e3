package machine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/twin_layer/internal/app/domain/event"
	"github.com/R3E-Network/twin_layer/internal/app/domain/thing"
	"github.com/R3E-Network/twin_layer/internal/app/script"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	runtime, err := script.New(script.Config{Timeout: 500 * time.Millisecond}, nil)
	require.NoError(t, err)
	return New(DefaultConfig(), runtime, nil)
}

func baseThing() *thing.Thing {
	return &thing.Thing{
		Metadata: thing.Metadata{
			Application:       "default",
			Name:              "foo",
			UID:               "uid-1",
			CreationTimestamp: testNow.Add(-time.Hour),
			ResourceVersion:   "rv-1",
			Generation:        3,
		},
	}
}

func reportedEvent(values map[string]thing.Value) event.Event {
	return event.New("default/foo", event.Payload{Type: event.TypeReportedUpdate, Reported: values})
}

func wakeupEvent() event.Event {
	return event.New("default/foo", event.Payload{Type: event.TypeWakeup, Wakeup: &event.Wakeup{}})
}

func transition(t *testing.T, m *Machine, current *thing.Thing, ev event.Event, now time.Time) *Outcome {
	t.Helper()
	outcome, err := m.Transition(context.Background(), current, ev, now)
	require.NoError(t, err)
	return outcome
}

func TestSetReportedStampsLastUpdate(t *testing.T) {
	m := newMachine(t)
	current := baseThing()

	outcome := transition(t, m, current, reportedEvent(map[string]thing.Value{"temperature": 42}), testNow)
	feature := outcome.New.ReportedState["temperature"]
	assert.Equal(t, float64(42), feature.Value)
	assert.Equal(t, testNow, feature.LastUpdate)
}

func TestUnchangedValueKeepsLastUpdate(t *testing.T) {
	m := newMachine(t)
	current := baseThing()

	first := transition(t, m, current, reportedEvent(map[string]thing.Value{"temperature": 42}), testNow)
	later := testNow.Add(time.Minute)
	second := transition(t, m, first.New, reportedEvent(map[string]thing.Value{"temperature": 42}), later)

	assert.Equal(t, testNow, second.New.ReportedState["temperature"].LastUpdate,
		"re-arriving identical value must not advance last_update")
	assert.True(t, thing.StateEqual(first.New, second.New))
}

func TestReportedNilRemovesFeature(t *testing.T) {
	m := newMachine(t)
	current := baseThing()

	first := transition(t, m, current, reportedEvent(map[string]thing.Value{"temperature": 42}), testNow)
	second := transition(t, m, first.New, reportedEvent(map[string]thing.Value{"temperature": nil}), testNow)
	assert.NotContains(t, second.New.ReportedState, "temperature")
}

func TestMergePatch(t *testing.T) {
	m := newMachine(t)
	current := baseThing()

	ev := event.New("default/foo", event.Payload{
		Type: event.TypeMerge,
		Merge: map[string]any{
			"metadata": map[string]any{"labels": map[string]any{"env": "prod"}},
			"reconciliation": map[string]any{
				"changed": map[string]any{"hook": map[string]any{"javaScript": "// noop"}},
			},
		},
	})
	outcome := transition(t, m, current, ev, testNow)
	assert.Equal(t, "prod", outcome.New.Metadata.Labels["env"])
	assert.Contains(t, outcome.New.Reconciliation.Changed, "hook")
	// Identity survives merges that try to rewrite it.
	assert.Equal(t, "uid-1", outcome.New.Metadata.UID)
	assert.Equal(t, uint64(3), outcome.New.Metadata.Generation)
}

func TestJSONPatchRoundTrip(t *testing.T) {
	m := newMachine(t)
	current := baseThing()

	ops := json.RawMessage(`[
		{"op": "add", "path": "/metadata/labels", "value": {"env": "prod"}}
	]`)
	ev := event.New("default/foo", event.Payload{Type: event.TypePatch, Patch: ops})
	outcome := transition(t, m, current, ev, testNow)
	assert.Equal(t, "prod", outcome.New.Metadata.Labels["env"])
}

func TestJSONPatchFailedTestRejects(t *testing.T) {
	m := newMachine(t)
	current := baseThing()

	ops := json.RawMessage(`[
		{"op": "test", "path": "/metadata/name", "value": "other"},
		{"op": "add", "path": "/metadata/labels", "value": {"env": "prod"}}
	]`)
	ev := event.New("default/foo", event.Payload{Type: event.TypePatch, Patch: ops})
	_, err := m.Transition(context.Background(), current, ev, testNow)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestReplacePreservesIdentity(t *testing.T) {
	m := newMachine(t)
	current := baseThing()

	replacement := &thing.Thing{
		Metadata: thing.Metadata{
			Application: "default",
			Name:        "foo",
			UID:         "forged",
			Generation:  99,
			Labels:      map[string]string{"env": "prod"},
		},
	}
	ev := event.New("default/foo", event.Payload{Type: event.TypeReplace, Replace: replacement})
	outcome := transition(t, m, current, ev, testNow)
	assert.Equal(t, "uid-1", outcome.New.Metadata.UID)
	assert.Equal(t, uint64(3), outcome.New.Metadata.Generation)
	assert.Equal(t, current.Metadata.CreationTimestamp, outcome.New.Metadata.CreationTimestamp)
	assert.Equal(t, "prod", outcome.New.Metadata.Labels["env"])
}

func TestSchemaViolationRejects(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.Schema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"temperature": map[string]any{"type": "number", "maximum": 100},
		},
	}

	ok := transition(t, m, current, reportedEvent(map[string]thing.Value{"temperature": 42}), testNow)
	assert.Equal(t, float64(42), ok.New.ReportedState["temperature"].Value)

	_, err := m.Transition(context.Background(), current, reportedEvent(map[string]thing.Value{"temperature": "hot"}), testNow)
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestSyntheticAlias(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.SyntheticState = map[string]thing.SyntheticFeature{
		"temp": {SyntheticKind: thing.SyntheticKind{Alias: "temperature"}},
	}

	outcome := transition(t, m, current, reportedEvent(map[string]thing.Value{"temperature": 42}), testNow)
	assert.Equal(t, float64(42), outcome.New.SyntheticState["temp"].Value)
}

func TestSyntheticScript(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.ReportedState = map[string]thing.ReportedFeature{
		"celsius": {Value: 20.0, LastUpdate: testNow.Add(-time.Hour)},
	}
	current.SyntheticState = map[string]thing.SyntheticFeature{
		"fahrenheit": {SyntheticKind: thing.SyntheticKind{
			JavaScript: `return context.newState.reportedState.celsius.value * 9 / 5 + 32;`,
		}},
	}

	outcome := transition(t, m, current, wakeupEvent(), testNow)
	assert.Equal(t, int64(68), outcome.New.SyntheticState["fahrenheit"].Value)
}

func TestSyntheticScriptErrorKeepsValue(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.SyntheticState = map[string]thing.SyntheticFeature{
		"broken": {
			SyntheticKind: thing.SyntheticKind{JavaScript: `throw new Error("nope");`},
			Value:         "previous",
		},
	}

	outcome := transition(t, m, current, wakeupEvent(), testNow)
	assert.Equal(t, "previous", outcome.New.SyntheticState["broken"].Value)
}

func TestChangedHookSetsLabel(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.Reconciliation.Changed = map[string]thing.Script{
		"recon1.js": {JavaScript: `
			var labels = context.newState.metadata.labels || {};
			var temp = context.newState.reportedState.temperature;
			if (temp && temp.value > 60) {
				labels["overTemp"] = "";
			} else {
				delete labels["overTemp"];
			}
			context.newState.metadata.labels = labels;
		`},
	}

	hot := transition(t, m, current, reportedEvent(map[string]thing.Value{"temperature": 62}), testNow)
	labels := hot.New.Metadata.Labels
	value, present := labels["overTemp"]
	assert.True(t, present)
	assert.Equal(t, "", value)

	cold := transition(t, m, hot.New, reportedEvent(map[string]thing.Value{"temperature": 20}), testNow.Add(time.Second))
	_, present = cold.New.Metadata.Labels["overTemp"]
	assert.False(t, present)
}

func TestChangedHookErrorIsCapturedNotFatal(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.Reconciliation.Changed = map[string]thing.Script{
		"a-broken": {JavaScript: `throw new Error("hook blew up");`},
		"b-works":  {JavaScript: `context.newState.metadata.annotations = {ran: "yes"};`},
	}

	outcome := transition(t, m, current, reportedEvent(map[string]thing.Value{"x": 1}), testNow)
	assert.Contains(t, outcome.New.Reconciliation.Changed["a-broken"].LastLog[0], "hook blew up")
	assert.Equal(t, "yes", outcome.New.Metadata.Annotations["ran"], "later hooks still run")
}

func TestChangedHooksSkippedWithoutChanges(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.Reconciliation.Changed = map[string]thing.Script{
		"hook": {JavaScript: `context.newState.metadata.annotations = {ran: "yes"};`},
	}

	outcome := transition(t, m, current, wakeupEvent(), testNow)
	assert.NotContains(t, outcome.New.Metadata.Annotations, "ran")
}

func TestChangedHookOutboxAndHopCap(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.Reconciliation.Changed = map[string]thing.Script{
		"fanout": {JavaScript: `sendMerge("B", {reportedState: {mirror: {value: 1}}});`},
	}

	ev := reportedEvent(map[string]thing.Value{"x": 1})
	outcome := transition(t, m, current, ev, testNow)
	require.NotNil(t, outcome.New.Internal)
	require.Len(t, outcome.New.Internal.Outbox, 1)
	entry := outcome.New.Internal.Outbox[0]
	assert.Equal(t, "default/B", entry.Thing, "unqualified target gets the application prefix")
	assert.Equal(t, 1, entry.Hops)
	assert.NotEmpty(t, entry.Ref)
	// Outbox pending implies an outbox waker.
	require.NotNil(t, outcome.New.Internal.Waker.Next)
	assert.Contains(t, outcome.New.Internal.Waker.Reasons, thing.ReasonOutbox)

	// At the hop cap the entry is refused and logged instead.
	capped := reportedEvent(map[string]thing.Value{"x": 2})
	capped.Hops = MaxOutboxHops
	next := transition(t, m, outcome.New, capped, testNow.Add(time.Second))
	assert.Len(t, next.New.Internal.Outbox, 1, "no new entry past the hop cap")
	assert.Contains(t, next.New.Reconciliation.Changed["fanout"].LastLog[0], "hop count")
}

func TestOutboxDeliveryClearsEntry(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.Internal = &thing.Internal{Outbox: []thing.OutboxEntry{
		{Ref: "ref-1", Thing: "default/B", Message: map[string]any{}, Created: testNow},
		{Ref: "ref-2", Thing: "default/C", Message: map[string]any{}, Created: testNow},
	}}

	ev := event.New("default/foo", event.Payload{
		Type:     event.TypeOutboxDelivery,
		Delivery: &event.OutboxDelivery{Ref: "ref-1"},
	})
	outcome := transition(t, m, current, ev, testNow)
	require.Len(t, outcome.New.Internal.Outbox, 1)
	assert.Equal(t, "ref-2", outcome.New.Internal.Outbox[0].Ref)

	// Clearing the last entry drops the waker entirely.
	ev2 := event.New("default/foo", event.Payload{
		Type:     event.TypeOutboxDelivery,
		Delivery: &event.OutboxDelivery{Ref: "ref-2"},
	})
	final := transition(t, m, outcome.New, ev2, testNow)
	assert.Nil(t, final.New.Internal)
}

func TestDesiredExternalReconciliation(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.DesiredState = map[string]thing.DesiredFeature{
		"temperature": {
			Value:  23.0,
			Mode:   thing.ModeSync,
			Method: thing.DesiredMethod{Kind: thing.MethodExternal},
		},
	}

	// No reported value yet: reconciling.
	pending := transition(t, m, current, wakeupEvent(), testNow)
	assert.Equal(t, thing.StateReconciling, pending.New.DesiredState["temperature"].Reconciliation.State)

	// Reported value matches: succeeded.
	matched := transition(t, m, pending.New, reportedEvent(map[string]thing.Value{"temperature": 23}), testNow.Add(time.Second))
	assert.Equal(t, thing.StateSucceeded, matched.New.DesiredState["temperature"].Reconciliation.State)

	// Value drifts: back to reconciling.
	drifted := transition(t, m, matched.New, reportedEvent(map[string]thing.Value{"temperature": 22}), testNow.Add(2*time.Second))
	assert.Equal(t, thing.StateReconciling, drifted.New.DesiredState["temperature"].Reconciliation.State)
}

func TestDesiredOnceDoesNotRedrive(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.DesiredState = map[string]thing.DesiredFeature{
		"mode": {
			Value:  "eco",
			Mode:   thing.ModeOnce,
			Method: thing.DesiredMethod{Kind: thing.MethodExternal},
		},
	}

	matched := transition(t, m, current, reportedEvent(map[string]thing.Value{"mode": "eco"}), testNow)
	assert.Equal(t, thing.StateSucceeded, matched.New.DesiredState["mode"].Reconciliation.State)

	drifted := transition(t, m, matched.New, reportedEvent(map[string]thing.Value{"mode": "boost"}), testNow.Add(time.Second))
	assert.Equal(t, thing.StateSucceeded, drifted.New.DesiredState["mode"].Reconciliation.State,
		"a satisfied once value is not driven again")
}

func TestDesiredDisabled(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.DesiredState = map[string]thing.DesiredFeature{
		"x": {Value: 1.0, Mode: thing.ModeDisabled},
	}

	outcome := transition(t, m, current, wakeupEvent(), testNow)
	assert.Equal(t, thing.StateDisabled, outcome.New.DesiredState["x"].Reconciliation.State)
}

func TestDesiredExpiry(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	past := testNow.Add(-time.Minute)
	current.DesiredState = map[string]thing.DesiredFeature{
		"x": {Value: 1.0, Mode: thing.ModeSync, ValidUntil: &past},
	}

	outcome := transition(t, m, current, wakeupEvent(), testNow)
	recon := outcome.New.DesiredState["x"].Reconciliation
	assert.Equal(t, thing.StateFailed, recon.State)
	assert.Equal(t, "expired", recon.Reason)
}

func TestDesiredExpirySchedulesWaker(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	future := testNow.Add(time.Hour)
	current.DesiredState = map[string]thing.DesiredFeature{
		"x": {Value: 1.0, Mode: thing.ModeSync, ValidUntil: &future},
	}

	outcome := transition(t, m, current, wakeupEvent(), testNow)
	require.NotNil(t, outcome.New.Internal)
	require.NotNil(t, outcome.New.Internal.Waker.Next)
	assert.Equal(t, future, *outcome.New.Internal.Waker.Next)
}

func TestDesiredCommandMethod(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.DesiredState = map[string]thing.DesiredFeature{
		"setpoint": {
			Value: 21.0,
			Mode:  thing.ModeSync,
			Method: thing.DesiredMethod{
				Kind: thing.MethodCommand,
				Command: &thing.CommandMethod{
					Period:   thing.Duration(time.Minute),
					Encoding: "json",
				},
			},
		},
	}

	// First attempt emits the command and schedules the retry.
	first := transition(t, m, current, wakeupEvent(), testNow)
	require.Len(t, first.Commands, 1)
	cmd := first.Commands[0]
	assert.Equal(t, "default", cmd.Application)
	assert.Equal(t, "foo", cmd.Device)
	assert.Equal(t, "setpoint", cmd.Channel)
	assert.Equal(t, 21.0, cmd.Payload)
	require.NotNil(t, first.New.Internal.Waker.Next)
	assert.Equal(t, testNow.Add(time.Minute), *first.New.Internal.Waker.Next)

	// Within the period no second command goes out.
	second := transition(t, m, first.New, wakeupEvent(), testNow.Add(10*time.Second))
	assert.Empty(t, second.Commands)

	// After the period the command repeats.
	third := transition(t, m, second.New, wakeupEvent(), testNow.Add(61*time.Second))
	assert.Len(t, third.Commands, 1)
}

func TestDesiredCodeMethod(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.DesiredState = map[string]thing.DesiredFeature{
		"firmware": {
			Value: "v2",
			Mode:  thing.ModeSync,
			Method: thing.DesiredMethod{
				Kind: thing.MethodCode,
				Code: `
					sendMerge("updater", {reportedState: {request: {value: "v2"}}});
					context.waker = "30s";
				`,
			},
		},
	}

	outcome := transition(t, m, current, wakeupEvent(), testNow)
	require.NotNil(t, outcome.New.Internal)
	require.Len(t, outcome.New.Internal.Outbox, 1)
	assert.Equal(t, "default/updater", outcome.New.Internal.Outbox[0].Thing)
	require.NotNil(t, outcome.New.Internal.Waker.Next)
	assert.Equal(t, testNow.Add(30*time.Second), *outcome.New.Internal.Waker.Next)
}

func TestDesiredCodeErrorFailsReconciliation(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.DesiredState = map[string]thing.DesiredFeature{
		"x": {
			Value:  1.0,
			Mode:   thing.ModeSync,
			Method: thing.DesiredMethod{Kind: thing.MethodCode, Code: `throw new Error("cannot drive");`},
		},
	}

	outcome := transition(t, m, current, wakeupEvent(), testNow)
	recon := outcome.New.DesiredState["x"].Reconciliation
	assert.Equal(t, thing.StateFailed, recon.State)
	assert.Contains(t, recon.Reason, "cannot drive")
}

func TestTimerFiresAndAdvances(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.Reconciliation.Timers = map[string]thing.Timer{
		"tick": {
			Script: `
				var f = context.newState.reportedState.timer || {value: 0};
				f.value = (f.value || 0) + 1;
				context.newState.reportedState.timer = f;
			`,
			Period: thing.Duration(time.Second),
		},
	}

	// First transition only arms the timer.
	armed := transition(t, m, current, wakeupEvent(), testNow)
	assert.NotContains(t, armed.New.ReportedState, "timer")
	timer := armed.New.Reconciliation.Timers["tick"]
	require.NotNil(t, timer.LastStarted)
	require.NotNil(t, armed.New.Internal.Waker.Next)
	assert.Equal(t, testNow.Add(time.Second), *armed.New.Internal.Waker.Next)
	assert.Contains(t, armed.New.Internal.Waker.Reasons, thing.TimerReason("tick"))

	// At the deadline the script runs and the next fire is scheduled.
	fired := transition(t, m, armed.New, wakeupEvent(), testNow.Add(time.Second))
	assert.Equal(t, float64(1), fired.New.ReportedState["timer"].Value)
	timer = fired.New.Reconciliation.Timers["tick"]
	require.NotNil(t, timer.LastRun)
	assert.Equal(t, testNow.Add(time.Second), *timer.LastRun)
	assert.Equal(t, testNow.Add(2*time.Second), *fired.New.Internal.Waker.Next)

	// Early wakeups do not fire it again.
	early := transition(t, m, fired.New, wakeupEvent(), testNow.Add(1500*time.Millisecond))
	assert.Equal(t, float64(1), early.New.ReportedState["timer"].Value)
}

func TestTimerInitialDelay(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	delay := thing.Duration(10 * time.Second)
	current.Reconciliation.Timers = map[string]thing.Timer{
		"slow": {
			Script:       `context.newState.reportedState.ticked = {value: true};`,
			Period:       thing.Duration(time.Second),
			InitialDelay: &delay,
		},
	}

	armed := transition(t, m, current, wakeupEvent(), testNow)
	assert.Equal(t, testNow.Add(10*time.Second), *armed.New.Internal.Waker.Next)

	tooEarly := transition(t, m, armed.New, wakeupEvent(), testNow.Add(time.Second))
	assert.NotContains(t, tooEarly.New.ReportedState, "ticked")

	onTime := transition(t, m, tooEarly.New, wakeupEvent(), testNow.Add(10*time.Second))
	assert.Contains(t, onTime.New.ReportedState, "ticked")
}

func TestStoppedTimerDoesNothing(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.Reconciliation.Timers = map[string]thing.Timer{
		"off": {Script: `context.newState.reportedState.x = {value: 1};`, Period: thing.Duration(time.Second), Stopped: true},
	}

	outcome := transition(t, m, current, wakeupEvent(), testNow.Add(time.Hour))
	assert.NotContains(t, outcome.New.ReportedState, "x")
	assert.Nil(t, outcome.New.Internal)
}

func TestWakeupIdempotent(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.DesiredState = map[string]thing.DesiredFeature{
		"x": {Value: 1.0, Mode: thing.ModeSync, Method: thing.DesiredMethod{Kind: thing.MethodExternal}},
	}

	once := transition(t, m, current, wakeupEvent(), testNow)
	twice := transition(t, m, once.New, wakeupEvent(), testNow)
	assert.True(t, thing.StateEqual(once.New, twice.New))
}

func TestDeleteRunsDeletingHooksUntilTerminal(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.Reconciliation.Deleting = map[string]thing.Script{
		"cleanup": {JavaScript: `
			if (!context.newState.metadata.annotations || !context.newState.metadata.annotations.notified) {
				sendMerge("registry", {reportedState: {gone: {value: "foo"}}});
				context.newState.metadata.annotations = {notified: "yes"};
			}
		`},
	}
	current.Reconciliation.Timers = map[string]thing.Timer{
		"tick": {Script: `context.newState.reportedState.x = {value: 1};`, Period: thing.Duration(time.Second)},
	}

	del := event.New("default/foo", event.Payload{Type: event.TypeDelete})
	first := transition(t, m, current, del, testNow)
	require.NotNil(t, first.New.Metadata.DeletionTimestamp)
	assert.False(t, first.Terminal, "outbox entry still pending")
	require.Len(t, first.New.Internal.Outbox, 1)
	// Timers do not fire once deletion started.
	assert.NotContains(t, first.New.ReportedState, "x")

	// Acknowledge the outbox entry; the next cycle quiesces and the thing
	// becomes removable.
	ack := event.New("default/foo", event.Payload{
		Type:     event.TypeOutboxDelivery,
		Delivery: &event.OutboxDelivery{Ref: first.New.Internal.Outbox[0].Ref},
	})
	second := transition(t, m, first.New, ack, testNow.Add(time.Second))
	assert.True(t, second.Terminal)
}

func TestWakerMinimality(t *testing.T) {
	m := newMachine(t)
	current := baseThing()
	current.Reconciliation.Timers = map[string]thing.Timer{
		"fast": {Script: `1;`, Period: thing.Duration(5 * time.Second)},
		"slow": {Script: `1;`, Period: thing.Duration(time.Hour)},
	}

	outcome := transition(t, m, current, wakeupEvent(), testNow)
	require.NotNil(t, outcome.New.Internal.Waker.Next)
	assert.Equal(t, testNow.Add(5*time.Second), *outcome.New.Internal.Waker.Next,
		"waker equals the minimum of all scheduled work")

	// With nothing pending the waker is null.
	bare := transition(t, m, baseThing(), wakeupEvent(), testNow)
	assert.Nil(t, bare.New.Internal)
}
