package domain

import "time"

// Reserved document field names. The backing store treats these as engine
// owned; they are never declared in a schema.
const (
	FieldID        = "_id"
	FieldVersion   = "__v"
	FieldOwner     = "_ownerId"
	FieldDeleted   = "_deleted"
	FieldCreatedAt = "createdAt"
	FieldCreatedBy = "createdBy"
	FieldUpdatedAt = "updatedAt"
	FieldUpdatedBy = "updatedBy"
)

// Document is one stored record. Values are JSON-shaped: strings, bools,
// float64/int64, time.Time, []any, and nested map[string]any.
type Document map[string]any

// ID returns the document id, or the empty string when unset.
func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// Version returns the monotonic document version, or 0 when unset.
func (d Document) Version() int64 {
	return AsInt(d[FieldVersion])
}

// Deleted reports whether the document carries the soft-delete marker.
func (d Document) Deleted() bool {
	b, _ := d[FieldDeleted].(bool)
	return b
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value.
func CloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = CloneValue(item)
		}
		return out
	case Document:
		return map[string]any(tv.Clone())
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	default:
		return v
	}
}

// AsInt coerces a numeric value to int64, returning 0 for non-numerics.
func AsInt(v any) int64 {
	switch tv := v.(type) {
	case int64:
		return tv
	case int:
		return int64(tv)
	case int32:
		return int64(tv)
	case float64:
		return int64(tv)
	case float32:
		return int64(tv)
	default:
		return 0
	}
}

// AsFloat coerces a numeric value to float64. The second return reports
// whether the value was numeric.
func AsFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case int32:
		return float64(tv), true
	case int:
		return float64(tv), true
	default:
		return 0, false
	}
}

// AsTime returns the value as a time.Time when it is one, or parses an
// RFC3339 string. The second return reports success.
func AsTime(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, tv); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, tv); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
