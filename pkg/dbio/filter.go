package dbio

import (
	"fmt"
	"strings"
)

// Constraint keys the plain select operation supports. Multi-valued
// constraints are OR-within a key and AND-across keys.
var supportedConstraints = map[string]string{
	"name":         "name",
	"id":           "id",
	"owner":        "owner",
	"status_state": "status.state",
}

// normalizeConstraints maps the supported constraint names onto dotted
// document paths, dropping anything unrecognized.
func normalizeConstraints(constraints map[string][]any) map[string][]any {
	out := map[string][]any{}
	for k, vals := range constraints {
		if path, ok := supportedConstraints[k]; ok && len(vals) > 0 {
			out[path] = vals
		}
	}
	return out
}

// MatchesConstraints evaluates normalized constraints against a record
// document: equality on dotted paths, OR within a key's values, AND across
// keys.
func MatchesConstraints(doc map[string]any, constraints map[string][]any) bool {
	for path, vals := range constraints {
		got, ok := lookupPath(doc, path)
		if !ok {
			return false
		}
		matched := false
		for _, want := range vals {
			if jsonEqual(got, want) {
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

// lookupPath walks a dotted path through nested maps.
func lookupPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func jsonEqual(a, b any) bool {
	// numbers arriving from JSON are float64; normalize ints for literal
	// constraint values
	if ai, ok := a.(int); ok {
		a = float64(ai)
	}
	if bi, ok := b.(int); ok {
		b = float64(bi)
	}
	return a == b
}

// CheckFilterStructure validates a document against the restricted query
// grammar: a top-level $and whose elements are either dotted-path equality
// maps or nested $or lists of equality maps. A bare map of equalities is
// accepted as an implicit single-element $and.
//
// When compatNoRecurse is set, elements nested under $or are accepted
// without validation, reproducing the unfinished recursion in the legacy
// implementation.
func CheckFilterStructure(filter map[string]any, compatNoRecurse bool) error {
	for key, v := range filter {
		switch key {
		case "$and":
			clauses, ok := v.([]any)
			if !ok {
				return fmt.Errorf("filter: $and requires a list of clauses")
			}
			for _, c := range clauses {
				cm, ok := c.(map[string]any)
				if !ok {
					return fmt.Errorf("filter: $and clauses must be objects")
				}
				if err := CheckFilterStructure(cm, compatNoRecurse); err != nil {
					return err
				}
			}
		case "$or":
			clauses, ok := v.([]any)
			if !ok {
				return fmt.Errorf("filter: $or requires a list of clauses")
			}
			if compatNoRecurse {
				continue
			}
			for _, c := range clauses {
				cm, ok := c.(map[string]any)
				if !ok {
					return fmt.Errorf("filter: $or clauses must be objects")
				}
				if err := CheckFilterStructure(cm, compatNoRecurse); err != nil {
					return err
				}
			}
		default:
			if strings.HasPrefix(key, "$") {
				return fmt.Errorf("filter: unsupported operator %q", key)
			}
			switch v.(type) {
			case map[string]any, []any:
				return fmt.Errorf("filter: value for %q must be a scalar", key)
			}
		}
	}
	return nil
}

// MatchesFilter evaluates a validated filter against a record document.
func MatchesFilter(doc map[string]any, filter map[string]any) bool {
	for key, v := range filter {
		switch key {
		case "$and":
			clauses, _ := v.([]any)
			for _, c := range clauses {
				cm, _ := c.(map[string]any)
				if !MatchesFilter(doc, cm) {
					return false
				}
			}
		case "$or":
			clauses, _ := v.([]any)
			matched := false
			for _, c := range clauses {
				cm, _ := c.(map[string]any)
				if MatchesFilter(doc, cm) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			got, ok := lookupPath(doc, key)
			if !ok || !jsonEqual(got, v) {
				return false
			}
		}
	}
	return true
}
