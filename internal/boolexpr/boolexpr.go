// Package boolexpr implements the small boolean-expression language used
// to gate hooks against the Observation Table: alert predicates and
// Zigbee switch "is on" rules are each one Expression evaluated against
// a Getter. Grounded on original_source's utils/boolean.rs.
package boolexpr

import (
	"encoding/json"
	"fmt"
)

// Operator is a comparison operator usable in a Condition.
type Operator string

const (
	OpEq Operator = "eq"
	OpNe Operator = "ne"
	OpGt Operator = "gt"
	OpGe Operator = "ge"
	OpLt Operator = "lt"
	OpLe Operator = "le"
)

// Getter is anything a Condition can read a key's current value from.
// obstable.Table.ForEndpoint returns a Getter[string] over one
// endpoint's keys.
type Getter[K comparable] interface {
	Get(key K) (json.RawMessage, bool)
}

// Condition compares a single table key against a configured value.
type Condition[K comparable] struct {
	Key   K               `toml:"key" json:"key"`
	Op    Operator        `toml:"op" json:"op"`
	Value json.RawMessage `toml:"value" json:"value"`
}

// Test evaluates the condition against table. A missing key is treated
// as JSON null; "eq null" against a missing key is true (so a hook can
// assert a key has not yet been observed), everything else is false.
func (c Condition[K]) Test(table Getter[K]) (bool, error) {
	raw, ok := table.Get(c.Key)
	if !ok {
		if c.Op == OpEq && isJSONNull(c.Value) {
			return true, nil
		}
		return false, nil
	}

	switch c.Op {
	case OpEq:
		return jsonEqual(raw, c.Value), nil
	case OpNe:
		return !jsonEqual(raw, c.Value), nil
	case OpGt, OpGe, OpLt, OpLe:
		if isJSONNull(raw) {
			return false, nil
		}
		tableVal, ok := asFloat(raw)
		if !ok {
			return false, fmt.Errorf("boolexpr: expected number for key %v, got %s", c.Key, raw)
		}
		configVal, ok := asFloat(c.Value)
		if !ok {
			return false, fmt.Errorf("boolexpr: expected number in configured value, got %s", c.Value)
		}
		switch c.Op {
		case OpGt:
			return tableVal > configVal, nil
		case OpGe:
			return tableVal >= configVal, nil
		case OpLt:
			return tableVal < configVal, nil
		case OpLe:
			return tableVal <= configVal, nil
		}
	}
	return false, fmt.Errorf("boolexpr: unknown operator %q", c.Op)
}

// Kind discriminates an Expression's shape, standing in for the Rust
// source's untagged enum since Go has no sum types.
type Kind int

const (
	KindUnary Kind = iota
	KindAnd
	KindOr
)

// Expression is either a single Condition, an AND, or an OR of nested
// expressions. Construct with Unary, And, or Or.
type Expression[K comparable] struct {
	kind  Kind
	cond  Condition[K]
	exprs []Expression[K]
}

// Unary wraps a single condition as an Expression.
func Unary[K comparable](c Condition[K]) Expression[K] {
	return Expression[K]{kind: KindUnary, cond: c}
}

// And requires every sub-expression to hold.
func And[K comparable](exprs ...Expression[K]) Expression[K] {
	return Expression[K]{kind: KindAnd, exprs: exprs}
}

// Or requires at least one sub-expression to hold. Unlike And, a
// sub-expression's evaluation error is swallowed as false rather than
// propagated, matching the source's any(matches!(v, Ok(true))).
func Or[K comparable](exprs ...Expression[K]) Expression[K] {
	return Expression[K]{kind: KindOr, exprs: exprs}
}

// Test evaluates the expression against table.
func (e Expression[K]) Test(table Getter[K]) (bool, error) {
	switch e.kind {
	case KindUnary:
		return e.cond.Test(table)
	case KindAnd:
		for _, sub := range e.exprs {
			ok, err := sub.Test(table)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case KindOr:
		for _, sub := range e.exprs {
			if ok, err := sub.Test(table); err == nil && ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("boolexpr: unknown expression kind %d", e.kind)
	}
}

// Keys returns the set of table keys this expression reads, so a caller
// can pre-plan which Observation Table subscriptions it needs before
// evaluating anything.
func (e Expression[K]) Keys() map[K]struct{} {
	out := make(map[K]struct{})
	e.collectKeys(out)
	return out
}

func (e Expression[K]) collectKeys(out map[K]struct{}) {
	switch e.kind {
	case KindUnary:
		out[e.cond.Key] = struct{}{}
	case KindAnd, KindOr:
		for _, sub := range e.exprs {
			sub.collectKeys(out)
		}
	}
}

// Spec is a declarative, config-file-decodable form of Expression: a
// single condition, or an "all"/"any" of nested Specs. Build converts
// it to an Expression for evaluation. Exists because Expression's
// fields are unexported (Test/Keys are the only public surface a
// running predicate needs), so config loaders decode into Spec and
// call Build once at startup rather than decoding into Expression
// directly.
type Spec[K comparable] struct {
	Key   K               `toml:"key,omitempty" json:"key,omitempty"`
	Op    Operator        `toml:"op,omitempty" json:"op,omitempty"`
	Value json.RawMessage `toml:"value,omitempty" json:"value,omitempty"`
	All   []Spec[K]       `toml:"all,omitempty" json:"all,omitempty"`
	Any   []Spec[K]       `toml:"any,omitempty" json:"any,omitempty"`
}

// Build converts the Spec into an Expression. A Spec with a non-empty
// All wins over Any, which wins over the bare condition fields.
func (s Spec[K]) Build() Expression[K] {
	if len(s.All) > 0 {
		subs := make([]Expression[K], len(s.All))
		for i, sub := range s.All {
			subs[i] = sub.Build()
		}
		return And(subs...)
	}
	if len(s.Any) > 0 {
		subs := make([]Expression[K], len(s.Any))
		for i, sub := range s.Any {
			subs[i] = sub.Build()
		}
		return Or(subs...)
	}
	return Unary(Condition[K]{Key: s.Key, Op: s.Op, Value: s.Value})
}

func isJSONNull(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v == nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return deepEqual(va, vb)
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !deepEqual(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func asFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}
