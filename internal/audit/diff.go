// Package audit computes the forward and reverse diffs persisted in store
// log collections and replays reverse diffs to reconstruct historical
// document versions. Diffs are flat per-property maps: a property maps to
// its value on the target side of the diff, and to nil when it is absent
// there, matching the merge semantics where nil deletes a field.
package audit

import (
	"reflect"
	"time"

	"github.com/google/uuid"

	"corestore/pkg/domain"
)

// Diff returns the forward diff (apply to prev to obtain next) and the
// reverse diff (apply to next to obtain prev) between two date-normalized
// snapshots. Engine-owned bookkeeping fields are diffed like any other
// field so replay restores them too.
func Diff(prev, next domain.Document) (forward, reverse map[string]any) {
	prevNorm := Normalize(prev)
	nextNorm := Normalize(next)
	forward = make(map[string]any)
	reverse = make(map[string]any)

	for key, nextVal := range nextNorm {
		prevVal, hadPrev := prevNorm[key]
		if hadPrev && reflect.DeepEqual(prevVal, nextVal) {
			continue
		}
		forward[key] = nextVal
		if hadPrev {
			reverse[key] = prevVal
		} else {
			reverse[key] = nil
		}
	}
	for key, prevVal := range prevNorm {
		if _, stillThere := nextNorm[key]; stillThere {
			continue
		}
		forward[key] = nil
		reverse[key] = prevVal
	}
	return forward, reverse
}

// Apply returns a copy of the document with the diff applied: non-nil diff
// values replace the field, nil values delete it.
func Apply(doc domain.Document, diff map[string]any) domain.Document {
	out := doc.Clone()
	if out == nil {
		out = domain.Document{}
	}
	for key, value := range diff {
		if value == nil {
			delete(out, key)
			continue
		}
		out[key] = domain.CloneValue(value)
	}
	return out
}

// Normalize returns a copy of the document with every time value rendered
// as an RFC3339 string, so diffs compare equal regardless of whether a
// snapshot came from memory or from a JSON round trip.
func Normalize(doc domain.Document) domain.Document {
	if doc == nil {
		return nil
	}
	out := make(domain.Document, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch tv := v.(type) {
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = normalizeValue(item)
		}
		return out
	case domain.Document:
		return normalizeValue(map[string]any(tv))
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = normalizeValue(item)
		}
		return out
	case int:
		return float64(tv)
	case int32:
		return float64(tv)
	case int64:
		return float64(tv)
	case float32:
		return float64(tv)
	default:
		return v
	}
}

// NewRecord assembles the immutable log entry for one update.
func NewRecord(prev, next domain.Document, by string, at time.Time) domain.LogRecord {
	forward, reverse := Diff(prev, next)
	return domain.LogRecord{
		ID:        uuid.NewString(),
		ItemID:    next.ID(),
		Ver:       next.Version(),
		PrevVer:   prev.Version(),
		Diff:      forward,
		Reverse:   reverse,
		CreatedAt: at.UTC(),
		CreatedBy: by,
	}
}

// Replay applies reverse diffs to the current document until the requested
// version is rebuilt. Records must be ordered by descending PrevVer, as
// Backend.ScanLog returns them. The second return is false when the chain
// does not reach the requested version.
func Replay(current domain.Document, targetVersion int64, records []domain.LogRecord) (domain.Document, bool) {
	doc := Normalize(current)
	version := doc.Version()
	for _, rec := range records {
		if version <= targetVersion {
			break
		}
		if rec.Ver != version {
			// Gap in the chain; the requested version cannot be rebuilt.
			return nil, false
		}
		doc = Apply(doc, rec.Reverse)
		version = rec.PrevVer
		doc[domain.FieldVersion] = float64(version)
	}
	if version != targetVersion {
		return nil, false
	}
	return doc, true
}
