package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Snapshot is the full serialized state of a syncable entity, keyed by field name.
// Numbers are kept as json.Number so hashing sees the same digits on both sides.
type Snapshot map[string]any

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	*s = m
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

// ChangedFields returns the sorted names of fields whose values differ between prev and s.
func (s Snapshot) ChangedFields(prev Snapshot) []string {
	changed := make(map[string]struct{})
	for k, v := range s {
		if pv, ok := prev[k]; !ok || !ValuesEqual(pv, v) {
			changed[k] = struct{}{}
		}
	}
	for k := range prev {
		if _, ok := s[k]; !ok {
			changed[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(changed))
}

// ValuesEqual compares two decoded JSON values, treating numbers by their textual value.
func ValuesEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	if bytes.Equal(ab, bb) {
		return true
	}
	na, okA := a.(json.Number)
	nb, okB := b.(json.Number)
	if okA && okB {
		fa, errA := na.Float64()
		fb, errB := nb.Float64()
		return errA == nil && errB == nil && fa == fb
	}
	return false
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return val
	}
}
