package stategraph

import (
	"fmt"
	"reflect"
	"sort"
)

// Reducer kinds determine how a field's value from a node delta is folded
// into the accumulated state when a superstep's results are merged.
const (
	// ReducerAppend concatenates sequences. Order follows node completion
	// order within the superstep.
	ReducerAppend ReducerKind = "append"

	// ReducerMerge shallow-merges mappings, right side overriding left.
	ReducerMerge ReducerKind = "merge"

	// ReducerLastWriteWins keeps the latest non-nil write.
	ReducerLastWriteWins ReducerKind = "lastWriteWins"

	// ReducerSum accumulates numeric values (token and cost counters).
	ReducerSum ReducerKind = "sum"
)

// ReducerKind names the merge strategy for one state field.
type ReducerKind string

// Valid reports whether the kind is one of the known reducer kinds.
func (k ReducerKind) Valid() bool {
	switch k {
	case ReducerAppend, ReducerMerge, ReducerLastWriteWins, ReducerSum:
		return true
	}
	return false
}

// Schema declares the reducer kind for each state field a graph's nodes may
// write. Fields not present in the schema default to last-write-wins.
type Schema map[string]ReducerKind

// KindOf returns the reducer kind for a field, defaulting to last-write-wins
// for undeclared fields.
func (s Schema) KindOf(field string) ReducerKind {
	if s == nil {
		return ReducerLastWriteWins
	}
	if kind, ok := s[field]; ok {
		return kind
	}
	return ReducerLastWriteWins
}

// Violations returns a description of each unknown reducer kind in the
// schema, sorted by field name. An empty result means the schema is valid.
func (s Schema) Violations() []string {
	var fields []string
	for field, kind := range s {
		if !kind.Valid() {
			fields = append(fields, fmt.Sprintf("field %q has unknown reducer kind %q", field, kind))
		}
	}
	sort.Strings(fields)
	return fields
}

// FieldShouldContinue is the state field the executor consults after each
// merge. An explicit false value ends the run even if outgoing edges exist.
const FieldShouldContinue = "shouldContinue"

// FieldOutput is the conventional state field a terminal node assembles
// an execution's result into. The API reports it as the execution output.
const FieldOutput = "output"

// State is the open record of named workflow fields. Values must be
// JSON-serializable since state snapshots are persisted in checkpoints.
type State map[string]any

// Clone returns a copy of the state. Generic maps and slices are copied
// recursively; other values are shared, so nodes must treat the snapshot
// they receive as read-only and report changes through their delta.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// GetString returns the named field as a string.
func (s State) GetString(key string) (string, bool) {
	value, ok := s[key].(string)
	return value, ok
}

// GetBool returns the named field as a bool.
func (s State) GetBool(key string) (bool, bool) {
	value, ok := s[key].(bool)
	return value, ok
}

// GetInt returns the named field as an int, coercing numeric types.
// JSON round-trips turn integers into float64, so both are accepted.
func (s State) GetInt(key string) (int, bool) {
	value, exists := s[key]
	if !exists {
		return 0, false
	}
	f, ok := toFloat64(value)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// GetFloat returns the named field as a float64, coercing numeric types.
func (s State) GetFloat(key string) (float64, bool) {
	value, exists := s[key]
	if !exists {
		return 0, false
	}
	return toFloat64(value)
}

// ShouldContinue reports the value of the shouldContinue field, defaulting
// to true when the field is absent or not a bool.
func (s State) ShouldContinue() bool {
	value, ok := s.GetBool(FieldShouldContinue)
	if !ok {
		return true
	}
	return value
}

// Merge folds node deltas into the base state, one field at a time, using
// the schema's reducer kind for each field. Deltas must be ordered by node
// completion within the superstep: this is the single point where
// concurrent node outputs interact, and the result is deterministic for a
// fixed delta order. The base state is not modified.
func Merge(schema Schema, base State, deltas []State) State {
	out := base.Clone()
	for _, delta := range deltas {
		for field, value := range delta {
			out[field] = reduceField(schema.KindOf(field), out[field], value)
		}
	}
	return out
}

func reduceField(kind ReducerKind, existing, value any) any {
	switch kind {
	case ReducerAppend:
		return appendValues(existing, value)
	case ReducerMerge:
		return mergeMaps(existing, value)
	case ReducerSum:
		return sumValues(existing, value)
	default:
		// Last write wins; nil writes preserve the existing value.
		if value == nil {
			return existing
		}
		return value
	}
}

func appendValues(existing, value any) any {
	out := toSlice(existing)
	for _, item := range toSlice(value) {
		out = append(out, item)
	}
	return out
}

// toSlice normalizes a value into a []any. Nil yields an empty slice,
// slices of any element type are flattened into []any, and scalar values
// become single-element slices.
func toSlice(v any) []any {
	if v == nil {
		return nil
	}
	if items, ok := v.([]any); ok {
		out := make([]any, len(items))
		copy(out, items)
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}

func mergeMaps(existing, value any) any {
	right, rightOK := toStringMap(value)
	if !rightOK {
		// Not a mapping; behave like last-write-wins
		if value == nil {
			return existing
		}
		return value
	}
	out := map[string]any{}
	if left, ok := toStringMap(existing); ok {
		for k, v := range left {
			out[k] = v
		}
	}
	for k, v := range right {
		out[k] = v
	}
	return out
}

func toStringMap(v any) (map[string]any, bool) {
	if v == nil {
		return nil, false
	}
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if m, ok := v.(State); ok {
		return m, true
	}
	return nil, false
}

func sumValues(existing, value any) any {
	add, ok := toFloat64(value)
	if !ok {
		return existing
	}
	if existing == nil {
		return value
	}
	base, ok := toFloat64(existing)
	if !ok {
		return value
	}
	if isInteger(existing) && isInteger(value) {
		return int64(base) + int64(add)
	}
	return base + add
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func isInteger(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func copyMapAny(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
