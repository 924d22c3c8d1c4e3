package thing

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtectedFieldError reports a script mutating identity metadata.
type ProtectedFieldError struct {
	Field string
}

func (e *ProtectedFieldError) Error() string {
	return fmt.Sprintf("script mutated protected field metadata.%s", e.Field)
}

// scriptDocument is the state shape handed to user scripts: the mutable
// portion of a thing, in wire form. Hooks, schema and internal bookkeeping
// are not exposed.
type scriptDocument struct {
	Metadata       Metadata                    `json:"metadata"`
	ReportedState  map[string]ReportedFeature  `json:"reportedState,omitempty"`
	SyntheticState map[string]SyntheticFeature `json:"syntheticState,omitempty"`
	DesiredState   map[string]DesiredFeature   `json:"desiredState,omitempty"`
}

// ToDocument converts a thing into the plain-map state document scripts see.
func ToDocument(t *Thing) (map[string]any, error) {
	doc := scriptDocument{
		Metadata:       t.Metadata,
		ReportedState:  t.ReportedState,
		SyntheticState: t.SyntheticState,
		DesiredState:   t.DesiredState,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode state document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode state document: %w", err)
	}
	// Every state map is present, even when empty, so scripts can assign
	// into it directly.
	for _, key := range []string{"reportedState", "syntheticState", "desiredState"} {
		if _, ok := out[key]; !ok {
			out[key] = map[string]any{}
		}
	}
	return out, nil
}

// ApplyDocument merges a script-mutated state document back into a copy of
// the thing. Identity metadata must be untouched; everything the document
// does not cover (schema, hooks, internal bookkeeping) is carried over.
func ApplyDocument(t *Thing, doc map[string]any) (*Thing, error) {
	normalizeBareValues(doc, "reportedState")
	normalizeBareValues(doc, "syntheticState")

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode mutated document: %w", err)
	}
	var mutated scriptDocument
	if err := json.Unmarshal(data, &mutated); err != nil {
		return nil, fmt.Errorf("decode mutated document: %w", err)
	}

	if err := checkProtected(t.Metadata, mutated.Metadata); err != nil {
		return nil, err
	}

	out := t.Clone()
	out.Metadata.Labels = mutated.Metadata.Labels
	out.Metadata.Annotations = mutated.Metadata.Annotations
	out.ReportedState = mutated.ReportedState
	out.SyntheticState = mutated.SyntheticState
	out.DesiredState = mutated.DesiredState
	return out, nil
}

func checkProtected(before, after Metadata) error {
	switch {
	case after.Name != before.Name:
		return &ProtectedFieldError{Field: "name"}
	case after.Application != before.Application:
		return &ProtectedFieldError{Field: "application"}
	case after.UID != before.UID:
		return &ProtectedFieldError{Field: "uid"}
	case !after.CreationTimestamp.Equal(before.CreationTimestamp):
		return &ProtectedFieldError{Field: "creationTimestamp"}
	case after.ResourceVersion != before.ResourceVersion:
		return &ProtectedFieldError{Field: "resourceVersion"}
	}
	return nil
}

// normalizeBareValues accepts the shorthand where a script assigns a bare
// value instead of a {value: …} feature object.
func normalizeBareValues(doc map[string]any, key string) {
	raw, ok := doc[key].(map[string]any)
	if !ok {
		return
	}
	for name, entry := range raw {
		if _, isObject := entry.(map[string]any); !isObject {
			raw[name] = map[string]any{"value": entry}
		}
	}
}

// StampLastUpdates enforces last-update stability: for every feature of the
// candidate state whose value differs from the previous state, last_update is
// set to now; unchanged values keep their previous timestamp.
func StampLastUpdates(previous, candidate *Thing, now time.Time) {
	for name, f := range candidate.ReportedState {
		prev, existed := previous.ReportedState[name]
		if existed && Equal(prev.Value, f.Value) {
			f.LastUpdate = prev.LastUpdate
		} else {
			f.LastUpdate = now
		}
		candidate.ReportedState[name] = f
	}
	for name, f := range candidate.SyntheticState {
		prev, existed := previous.SyntheticState[name]
		if existed && Equal(prev.Value, f.Value) {
			f.LastUpdate = prev.LastUpdate
		} else {
			f.LastUpdate = now
		}
		candidate.SyntheticState[name] = f
	}
	for name, f := range candidate.DesiredState {
		prev, existed := previous.DesiredState[name]
		if existed && Equal(prev.Value, f.Value) {
			f.LastUpdate = prev.LastUpdate
		} else {
			f.LastUpdate = now
		}
		candidate.DesiredState[name] = f
	}
}
