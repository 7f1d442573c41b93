// Package match evaluates backing-store filter expressions against in-memory
// documents. The notifier uses it to recompute subscriber visibility without
// a round trip to the backing store, and the memory persistence driver uses
// it as its only filter implementation, so its semantics are the reference
// for the filter language.
package match

import (
	"fmt"
	"strings"

	"corestore/internal/script"
	"corestore/pkg/domain"
)

// Env carries the evaluation context for a match.
type Env struct {
	// Eval resolves $expression leaves. A nil Eval fails any filter that
	// still contains expression source.
	Eval func(source string, env map[string]any) (any, error)
	// User is exposed to expression leaves as "user".
	User domain.User
	// IgnoreProps lists property names whose clauses evaluate as satisfied
	// regardless of the document value. Move classification uses this to
	// re-match with the lifecycle state property ignored.
	IgnoreProps map[string]bool
}

// Document reports whether the document satisfies the filter. A nil filter
// matches everything.
func Document(filter domain.Filter, doc domain.Document, env Env) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	for key, expected := range filter {
		ok, err := matchClause(key, expected, doc, env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchClause(key string, expected any, doc domain.Document, env Env) (bool, error) {
	switch key {
	case domain.OpAnd:
		subs, err := subFilters(key, expected)
		if err != nil {
			return false, err
		}
		for _, sub := range subs {
			ok, err := Document(sub, doc, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case domain.OpOr:
		subs, err := subFilters(key, expected)
		if err != nil {
			return false, err
		}
		for _, sub := range subs {
			ok, err := Document(sub, doc, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case domain.OpNot:
		sub, err := asFilter(expected)
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		ok, err := Document(sub, doc, env)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case domain.OpExpression:
		// A top-level expression clause is a standalone predicate; its
		// result is truth-tested rather than compared to a field.
		resolved, err := evalExpression(expected, doc, env)
		if err != nil {
			return false, err
		}
		return script.Truthy(resolved), nil
	}

	if env.IgnoreProps != nil {
		root := key
		if i := strings.IndexByte(key, '.'); i >= 0 {
			root = key[:i]
		}
		if env.IgnoreProps[root] {
			return true, nil
		}
	}

	value, valueExists := lookup(doc, key)
	return matchValue(value, valueExists, expected, doc, env)
}

func matchValue(value any, valueExists bool, expected any, doc domain.Document, env Env) (bool, error) {
	if ops, ok := operatorMap(expected); ok {
		if src, isExpr := ops[domain.OpExpression]; isExpr {
			resolved, err := evalExpression(src, doc, env)
			if err != nil {
				return false, err
			}
			return matchValue(value, valueExists, resolved, doc, env)
		}
		return matchOperators(value, valueExists, ops, doc, env)
	}
	return looseEquals(value, expected), nil
}

func matchOperators(value any, valueExists bool, ops map[string]any, doc domain.Document, env Env) (bool, error) {
	for op, operand := range ops {
		if resolved, ok := operatorMap(operand); ok {
			if src, isExpr := resolved[domain.OpExpression]; isExpr {
				r, err := evalExpression(src, doc, env)
				if err != nil {
					return false, err
				}
				operand = r
			}
		}
		switch op {
		case domain.OpNe:
			if looseEquals(value, operand) {
				return false, nil
			}
		case domain.OpIn:
			if !containsValue(operand, value) {
				return false, nil
			}
		case domain.OpNotIn:
			if containsValue(operand, value) {
				return false, nil
			}
		case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
			cmp, ok := compareValues(value, operand)
			if !ok {
				return false, nil
			}
			switch op {
			case domain.OpGt:
				if cmp <= 0 {
					return false, nil
				}
			case domain.OpGte:
				if cmp < 0 {
					return false, nil
				}
			case domain.OpLt:
				if cmp >= 0 {
					return false, nil
				}
			case domain.OpLte:
				if cmp > 0 {
					return false, nil
				}
			}
		case domain.OpExists:
			want, _ := operand.(bool)
			if valueExists != want {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unknown filter operator %q", op)
		}
	}
	return true, nil
}

func evalExpression(src any, doc domain.Document, env Env) (any, error) {
	source, ok := src.(string)
	if !ok {
		return nil, fmt.Errorf("%s: source must be a string", domain.OpExpression)
	}
	if env.Eval == nil {
		return nil, fmt.Errorf("%s: no expression evaluator available", domain.OpExpression)
	}
	return env.Eval(source, map[string]any{
		"user": map[string]any{
			"id":    env.User.ID,
			"roles": env.User.Roles,
			"guest": env.User.Guest,
		},
		"item": map[string]any(doc),
	})
}

// operatorMap reports whether the value is an operator map, i.e. a map whose
// keys all start with '$'.
func operatorMap(v any) (map[string]any, bool) {
	var m map[string]any
	switch tv := v.(type) {
	case domain.Filter:
		m = tv
	case map[string]any:
		m = tv
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func subFilters(op string, v any) ([]domain.Filter, error) {
	switch tv := v.(type) {
	case []domain.Filter:
		return tv, nil
	case []any:
		out := make([]domain.Filter, 0, len(tv))
		for _, item := range tv {
			f, err := asFilter(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expects a filter list", op)
	}
}

func asFilter(v any) (domain.Filter, error) {
	switch tv := v.(type) {
	case domain.Filter:
		return tv, nil
	case map[string]any:
		return domain.Filter(tv), nil
	default:
		return nil, fmt.Errorf("expected a filter, got %T", v)
	}
}

// lookup resolves a possibly dotted field path against the document.
func lookup(doc domain.Document, path string) (any, bool) {
	var current any = map[string]any(doc)
	for _, seg := range strings.Split(path, ".") {
		m, ok := asPlainMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asPlainMap(v any) (map[string]any, bool) {
	switch tv := v.(type) {
	case map[string]any:
		return tv, true
	case domain.Document:
		return tv, true
	case domain.Filter:
		return tv, true
	default:
		return nil, false
	}
}

// looseEquals compares with numeric and time normalization. A list value on
// the document side matches when any element equals the expected value.
func looseEquals(value, expected any) bool {
	if list, ok := value.([]any); ok {
		if _, expectedIsList := expected.([]any); !expectedIsList {
			for _, item := range list {
				if looseEquals(item, expected) {
					return true
				}
			}
			return false
		}
	}

	if value == nil || expected == nil {
		return value == nil && expected == nil
	}

	if va, okA := domain.AsFloat(value); okA {
		if vb, okB := domain.AsFloat(expected); okB {
			return va == vb
		}
		return false
	}
	if ta, okA := domain.AsTime(value); okA {
		if tb, okB := domain.AsTime(expected); okB {
			return ta.Equal(tb)
		}
	}

	switch tv := value.(type) {
	case string:
		s, ok := expected.(string)
		return ok && tv == s
	case bool:
		b, ok := expected.(bool)
		return ok && tv == b
	case []any:
		list, ok := expected.([]any)
		if !ok || len(list) != len(tv) {
			return false
		}
		for i := range tv {
			if !looseEquals(tv[i], list[i]) {
				return false
			}
		}
		return true
	case map[string]any, domain.Document:
		ma, _ := asPlainMap(value)
		mb, ok := asPlainMap(expected)
		if !ok || len(ma) != len(mb) {
			return false
		}
		for k, av := range ma {
			bv, present := mb[k]
			if !present || !looseEquals(av, bv) {
				return false
			}
		}
		return true
	default:
		return value == expected
	}
}

func containsValue(operand, value any) bool {
	list, ok := operand.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEquals(value, item) {
			return true
		}
	}
	return false
}

// compareValues orders numbers, strings, and times. The second return is
// false when the values are not comparable.
func compareValues(a, b any) (int, bool) {
	if fa, ok := domain.AsFloat(a); ok {
		if fb, ok := domain.AsFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if ta, ok := domain.AsTime(a); ok {
		if tb, ok := domain.AsTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), true
		}
	}
	return 0, false
}
