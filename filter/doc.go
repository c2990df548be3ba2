// Package filter evaluates attribute based delivery policies.
//
// A Policy maps attribute keys to conditions. Conditions on the same key are
// OR'd, distinct keys are AND'd. Keys are dot paths, so "customer.tier"
// addresses a nested attribute.
//
//	policy := filter.Policy{
//		"status": {filter.In("new", "paid")},
//		"role":   {filter.Ne("guest")},
//	}
//	policy.Match(map[string]any{"status": "new", "role": "admin"}) // true
//
// Policies also have a JSON form, one operator per condition object:
//
//	{"status": {"in": ["new", "paid"]}, "amount": [{"lt": 10}, {"gte": 100}]}
package filter
