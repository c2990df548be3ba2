package filter

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Op is a condition operator.
type Op string

const (
	OpIn      Op = "in"
	OpExists  Op = "exists"
	OpPrefix  Op = "prefix"
	OpNe      Op = "ne"
	OpGt      Op = "gt"
	OpGte     Op = "gte"
	OpLt      Op = "lt"
	OpLte     Op = "lte"
	OpBetween Op = "between"
)

// Condition is one operator applied to one attribute.
type Condition struct {
	Op Op
	// Values holds the operands: the candidate set for in, one value for the
	// single operand operators and the inclusive bounds for between.
	Values []any
}

// In matches when the attribute equals any of values. An array attribute
// matches when any of its elements does.
func In(values ...any) Condition { return Condition{Op: OpIn, Values: values} }

// Exists matches on presence (want true) or absence (want false) of the attribute.
func Exists(want bool) Condition { return Condition{Op: OpExists, Values: []any{want}} }

// Prefix matches string attributes starting with p.
func Prefix(p string) Condition { return Condition{Op: OpPrefix, Values: []any{p}} }

// Ne matches attributes that exist and differ from v.
func Ne(v any) Condition { return Condition{Op: OpNe, Values: []any{v}} }

func Gt(v any) Condition  { return Condition{Op: OpGt, Values: []any{v}} }
func Gte(v any) Condition { return Condition{Op: OpGte, Values: []any{v}} }
func Lt(v any) Condition  { return Condition{Op: OpLt, Values: []any{v}} }
func Lte(v any) Condition { return Condition{Op: OpLte, Values: []any{v}} }

// Between matches lo <= attribute <= hi.
func Between(lo, hi any) Condition { return Condition{Op: OpBetween, Values: []any{lo, hi}} }

// Validate checks the operator and its operand count.
func (c Condition) Validate() error {
	want := 1
	switch c.Op {
	case OpIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("filter: %s needs at least one value", c.Op)
		}
		return nil
	case OpExists:
		if len(c.Values) != 1 {
			return fmt.Errorf("filter: %s needs one value", c.Op)
		}
		if _, ok := c.Values[0].(bool); !ok {
			return fmt.Errorf("filter: %s takes a boolean", c.Op)
		}
		return nil
	case OpPrefix:
		if len(c.Values) != 1 {
			return fmt.Errorf("filter: %s needs one value", c.Op)
		}
		if _, ok := c.Values[0].(string); !ok {
			return fmt.Errorf("filter: %s takes a string", c.Op)
		}
		return nil
	case OpNe:
	case OpGt, OpGte, OpLt, OpLte:
		for _, v := range c.Values {
			if !orderable(v) {
				return fmt.Errorf("filter: %s takes a number or a string, got %T", c.Op, v)
			}
		}
	case OpBetween:
		want = 2
		for _, v := range c.Values {
			if !orderable(v) {
				return fmt.Errorf("filter: %s takes numbers or strings, got %T", c.Op, v)
			}
		}
	default:
		return fmt.Errorf("filter: unknown operator %q", c.Op)
	}
	if len(c.Values) != want {
		return fmt.Errorf("filter: %s needs %d value(s), got %d", c.Op, want, len(c.Values))
	}
	return nil
}

// eval applies the condition to the looked up attribute.
func (c Condition) eval(r gjson.Result) bool {
	if c.Op == OpExists {
		want, _ := c.Values[0].(bool)
		return r.Exists() == want
	}
	if !r.Exists() {
		return false
	}

	if c.Op == OpNe {
		if r.IsArray() {
			for _, el := range r.Array() {
				if equal(el, c.Values[0]) {
					return false
				}
			}
			return true
		}
		return !equal(r, c.Values[0])
	}

	if r.IsArray() {
		for _, el := range r.Array() {
			if c.evalScalar(el) {
				return true
			}
		}
		return false
	}
	return c.evalScalar(r)
}

func (c Condition) evalScalar(r gjson.Result) bool {
	switch c.Op {
	case OpIn:
		for _, v := range c.Values {
			if equal(r, v) {
				return true
			}
		}
		return false
	case OpPrefix:
		p, _ := c.Values[0].(string)
		return r.Type == gjson.String && strings.HasPrefix(r.Str, p)
	case OpGt:
		cmp, ok := compare(r, c.Values[0])
		return ok && cmp > 0
	case OpGte:
		cmp, ok := compare(r, c.Values[0])
		return ok && cmp >= 0
	case OpLt:
		cmp, ok := compare(r, c.Values[0])
		return ok && cmp < 0
	case OpLte:
		cmp, ok := compare(r, c.Values[0])
		return ok && cmp <= 0
	case OpBetween:
		lo, okLo := compare(r, c.Values[0])
		hi, okHi := compare(r, c.Values[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	default:
		return false
	}
}

// MarshalJSON writes the single operator object form.
func (c Condition) MarshalJSON() ([]byte, error) {
	var operand any
	switch c.Op {
	case OpIn, OpBetween:
		operand = c.Values
	default:
		if len(c.Values) > 0 {
			operand = c.Values[0]
		}
	}
	return json.Marshal(map[string]any{string(c.Op): operand})
}

// UnmarshalJSON reads a single operator object such as {"in": ["a", "b"]}.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("filter: condition must be an object: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("filter: condition must have exactly one operator, got %d", len(raw))
	}
	for key, operand := range raw {
		op := Op(key)
		var values []any
		switch op {
		case OpIn, OpBetween:
			if bytes.HasPrefix(bytes.TrimSpace(operand), []byte("[")) {
				if err := json.Unmarshal(operand, &values); err != nil {
					return fmt.Errorf("filter: %s: %w", op, err)
				}
				break
			}
			fallthrough
		default:
			var v any
			if err := json.Unmarshal(operand, &v); err != nil {
				return fmt.Errorf("filter: %s: %w", op, err)
			}
			values = []any{v}
		}
		next := Condition{Op: op, Values: values}
		if err := next.Validate(); err != nil {
			return err
		}
		*c = next
	}
	return nil
}

func equal(r gjson.Result, v any) bool {
	switch want := v.(type) {
	case nil:
		return r.Type == gjson.Null
	case string:
		return r.Type == gjson.String && r.Str == want
	case bool:
		return (r.Type == gjson.True || r.Type == gjson.False) && r.Bool() == want
	default:
		f, ok := toFloat(v)
		return ok && r.Type == gjson.Number && r.Num == f
	}
}

// compare orders r against v; ok is false when the two are not comparable.
func compare(r gjson.Result, v any) (int, bool) {
	if s, isString := v.(string); isString {
		if r.Type != gjson.String {
			return 0, false
		}
		return strings.Compare(r.Str, s), true
	}
	f, ok := toFloat(v)
	if !ok || r.Type != gjson.Number {
		return 0, false
	}
	switch {
	case r.Num < f:
		return -1, true
	case r.Num > f:
		return 1, true
	default:
		return 0, true
	}
}

func orderable(v any) bool {
	if _, ok := v.(string); ok {
		return true
	}
	_, ok := toFloat(v)
	return ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
