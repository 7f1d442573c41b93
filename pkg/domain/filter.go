package domain

// Filter is a backing-store filter expression. It mirrors the document
// query language the persistence drivers understand: field keys map to
// expected values or operator maps, and the reserved keys below combine
// sub-filters.
//
//	Filter{"state": "open"}
//	Filter{"$or": []Filter{{"a": 1}, {"b": Filter{"$gt": 2}}}}
//	Filter{"_ownerId": Filter{"$expression": "user.id"}}
//
// An $expression leaf holds expression source compiled through the script
// engine; access compilation resolves these against the requesting user
// before the filter reaches a driver.
type Filter map[string]any

// Reserved filter operator keys.
const (
	OpAnd        = "$and"
	OpOr         = "$or"
	OpNot        = "$not"
	OpIn         = "$in"
	OpNotIn      = "$nin"
	OpNe         = "$ne"
	OpGt         = "$gt"
	OpGte        = "$gte"
	OpLt         = "$lt"
	OpLte        = "$lte"
	OpExists     = "$exists"
	OpExpression = "$expression"
)

// ByID returns the canonical single-document filter.
func ByID(id string) Filter {
	return Filter{FieldID: id}
}

// And combines filters, skipping nils. A nil result means "no restriction".
func And(filters ...Filter) Filter {
	var parts []Filter
	for _, f := range filters {
		if f != nil {
			parts = append(parts, f)
		}
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	default:
		return Filter{OpAnd: parts}
	}
}

// Or combines filters with OR semantics, skipping nils.
func Or(filters ...Filter) Filter {
	var parts []Filter
	for _, f := range filters {
		if f != nil {
			parts = append(parts, f)
		}
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	default:
		return Filter{OpOr: parts}
	}
}

// Not negates a filter. Not(nil) is nil.
func Not(f Filter) Filter {
	if f == nil {
		return nil
	}
	return Filter{OpNot: f}
}

// Clone deep-copies the filter.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = cloneFilterValue(v)
	}
	return out
}

func cloneFilterValue(v any) any {
	switch tv := v.(type) {
	case Filter:
		return tv.Clone()
	case map[string]any:
		return CloneValue(tv)
	case []Filter:
		out := make([]Filter, len(tv))
		for i, f := range tv {
			out[i] = f.Clone()
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneFilterValue(item)
		}
		return out
	default:
		return v
	}
}
