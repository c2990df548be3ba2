package filter

import (
	"bytes"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Policy maps attribute dot paths to conditions.
type Policy map[string][]Condition

// Parse reads the JSON form of a policy.
func Parse(data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks every condition.
func (p Policy) Validate() error {
	for _, key := range p.keys() {
		if len(p[key]) == 0 {
			return fmt.Errorf("filter: key %q has no conditions", key)
		}
		for _, c := range p[key] {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("%w (key %q)", err, key)
			}
		}
	}
	return nil
}

// Match evaluates the policy against attrs. Empty attributes only match the
// empty policy.
func (p Policy) Match(attrs map[string]any) bool {
	if len(p) == 0 {
		return true
	}
	if len(attrs) == 0 {
		return false
	}
	doc, err := json.Marshal(attrs)
	if err != nil {
		return false
	}
	return p.MatchJSON(doc)
}

// MatchJSON evaluates the policy against a JSON object of attributes.
func (p Policy) MatchJSON(doc []byte) bool {
	if len(p) == 0 {
		return true
	}
	root := gjson.ParseBytes(doc)
	if !root.IsObject() || len(root.Map()) == 0 {
		return false
	}
	for key, conds := range p {
		r := root.Get(key)
		matched := false
		for _, c := range conds {
			if c.eval(r) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// UnmarshalJSON accepts one condition object or a list of them per key.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("filter: policy must be an object: %w", err)
	}
	out := make(Policy, len(raw))
	for key, value := range raw {
		var conds []Condition
		if bytes.HasPrefix(bytes.TrimSpace(value), []byte("[")) {
			if err := json.Unmarshal(value, &conds); err != nil {
				return fmt.Errorf("filter: key %q: %w", key, err)
			}
		} else {
			var c Condition
			if err := json.Unmarshal(value, &c); err != nil {
				return fmt.Errorf("filter: key %q: %w", key, err)
			}
			conds = []Condition{c}
		}
		if len(conds) == 0 {
			return fmt.Errorf("filter: key %q has no conditions", key)
		}
		out[key] = conds
	}
	*p = out
	return nil
}

func (p Policy) keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
