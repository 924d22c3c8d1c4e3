package thing

import (
	"encoding/json"
	"reflect"
)

// Normalize round-trips a value through JSON so that equality comparisons do
// not depend on the Go types a producer happened to use (ints vs floats,
// typed maps vs map[string]any).
func Normalize(v Value) Value {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out Value
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// Equal compares two JSON values structurally.
func Equal(a, b Value) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// Clone deep-copies a thing through JSON. Resource bookkeeping is carried
// along unchanged.
func (t *Thing) Clone() *Thing {
	if t == nil {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		copied := *t
		return &copied
	}
	var out Thing
	if err := json.Unmarshal(data, &out); err != nil {
		copied := *t
		return &copied
	}
	return &out
}

// StateEqual compares two things ignoring resource_version and generation,
// the fields rewritten on every commit. The service uses it to skip no-op
// persists.
func StateEqual(a, b *Thing) bool {
	if a == nil || b == nil {
		return a == b
	}
	ca, cb := a.Clone(), b.Clone()
	ca.Metadata.ResourceVersion = ""
	cb.Metadata.ResourceVersion = ""
	ca.Metadata.Generation = 0
	cb.Metadata.Generation = 0
	da, err := json.Marshal(ca)
	if err != nil {
		return false
	}
	db, err := json.Marshal(cb)
	if err != nil {
		return false
	}
	var na, nb any
	if err := json.Unmarshal(da, &na); err != nil {
		return false
	}
	if err := json.Unmarshal(db, &nb); err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}
