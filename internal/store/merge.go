package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"corestore/pkg/domain"
)

// Merge operator keys accepted inside incoming items.
const (
	opInc  = "$inc"
	opPush = "$push"
)

var reservedFields = map[string]bool{
	domain.FieldID:        true,
	domain.FieldVersion:   true,
	domain.FieldOwner:     true,
	domain.FieldDeleted:   true,
	domain.FieldCreatedAt: true,
	domain.FieldCreatedBy: true,
	domain.FieldUpdatedAt: true,
	domain.FieldUpdatedBy: true,
}

// mergeItems merges an incoming item into the previous document value.
// Plain values overwrite, $inc adds to the previous numeric value, $push
// appends to an array field, and nil deletes the field. Properties absent
// from the schema are dropped, as are schema-undeclared leftovers in the
// previous value.
func mergeItems(desc domain.StoreDescriptor, prev, item domain.Document) (domain.Document, error) {
	out := prev.Clone()
	if out == nil {
		out = domain.Document{}
	}

	for key, value := range item {
		if reservedFields[key] {
			continue
		}
		if _, declared := desc.Props[key]; !declared {
			continue
		}
		if value == nil {
			delete(out, key)
			continue
		}
		if m, ok := asOperandMap(value); ok {
			if n, isInc := m[opInc]; isInc {
				merged, err := applyInc(desc.Name, key, out[key], n)
				if err != nil {
					return nil, err
				}
				out[key] = merged
				continue
			}
			if v, isPush := m[opPush]; isPush {
				merged, err := applyPush(desc.Name, key, out[key], v)
				if err != nil {
					return nil, err
				}
				out[key] = merged
				continue
			}
		}
		out[key] = domain.CloneValue(value)
	}

	for key := range out {
		if reservedFields[key] {
			continue
		}
		if _, declared := desc.Props[key]; !declared {
			delete(out, key)
		}
	}
	return out, nil
}

func asOperandMap(v any) (map[string]any, bool) {
	switch tv := v.(type) {
	case map[string]any:
		return tv, true
	case domain.Document:
		return tv, true
	default:
		return nil, false
	}
}

func applyInc(store, key string, prev, delta any) (any, error) {
	d, ok := domain.AsFloat(delta)
	if !ok {
		return nil, validationIssue(store, key, "inc", "$inc requires a numeric operand")
	}
	base := 0.0
	if prev != nil {
		b, ok := domain.AsFloat(prev)
		if !ok {
			return nil, validationIssue(store, key, "inc", "$inc target is not numeric")
		}
		base = b
	}
	return base + d, nil
}

func applyPush(store, key string, prev, value any) (any, error) {
	var list []any
	if prev != nil {
		l, ok := prev.([]any)
		if !ok {
			return nil, validationIssue(store, key, "push", "$push target is not an array")
		}
		list = append(list, l...)
	}
	if items, ok := value.([]any); ok {
		for _, item := range items {
			list = append(list, domain.CloneValue(item))
		}
		return list, nil
	}
	return append(list, domain.CloneValue(value)), nil
}

func validationIssue(store, prop, rule, message string) error {
	return domain.ValidationError{
		Store: store,
		Issues: map[string][]domain.ValidationIssue{
			prop: {{Rule: rule, Message: message}},
		},
	}
}

// prepareItem applies schema type coercion in place of the merged value:
// numeric casts, string trimming, date parsing (failure aborts the write),
// salted one-way password hashing with a fresh salt per write, uuid
// defaulting, and recursion over object/objectList. A password value byte
// identical to the stored previous value was carried over by the merge and
// keeps its hash; everything else is hashed anew. Virtual properties are
// always stripped; they are computed on read, never persisted.
func prepareItem(desc domain.StoreDescriptor, prev, doc domain.Document) (domain.Document, error) {
	coerced, err := coerceProps(desc.Name, desc.Props, map[string]any(doc), map[string]any(prev))
	if err != nil {
		return nil, err
	}
	out := domain.Document(coerced)
	for key, value := range doc {
		if reservedFields[key] {
			out[key] = value
		}
	}
	return out, nil
}

func coerceProps(store string, props map[string]domain.PropertyDescriptor, values, prev map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, prop := range props {
		value, present := values[name]

		switch prop.Type {
		case domain.PropVirtual, domain.PropVirtualRefList:
			continue
		case domain.PropUUID:
			if !present || value == "" {
				out[name] = uuid.NewString()
				continue
			}
		}
		if !present {
			continue
		}
		coerced, err := coerceValue(store, name, prop, value, prev[name])
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}
	return out, nil
}

func coerceValue(store, name string, prop domain.PropertyDescriptor, value, prev any) (any, error) {
	switch prop.Type {
	case domain.PropInt:
		if f, ok := domain.AsFloat(value); ok {
			return int64(f), nil
		}
		if s, ok := value.(string); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return n, nil
			}
		}
		return nil, validationIssue(store, name, "type", "not an integer")
	case domain.PropFloat:
		if f, ok := domain.AsFloat(value); ok {
			return f, nil
		}
		if s, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, nil
			}
		}
		return nil, validationIssue(store, name, "type", "not a number")
	case domain.PropBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, validationIssue(store, name, "type", "not a boolean")
	case domain.PropString, domain.PropComments, domain.PropAction:
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprint(value)
		}
		if !prop.NoAutoTrim {
			s = strings.TrimSpace(s)
		}
		return s, nil
	case domain.PropDate:
		if t, ok := domain.AsTime(value); ok {
			return t.UTC(), nil
		}
		return nil, validationIssue(store, name, "type", "not a parsable date")
	case domain.PropPassword:
		s, ok := value.(string)
		if !ok || s == "" {
			return nil, validationIssue(store, name, "type", "password must be a non-empty string")
		}
		if stored, ok := prev.(string); ok && stored == s {
			// Merge carried the stored hash over unchanged; re-hashing a
			// hash would lock the account out.
			return s, nil
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
		if err != nil {
			return nil, validationIssue(store, name, "hash", err.Error())
		}
		return string(hash), nil
	case domain.PropRef, domain.PropUUID, domain.PropFile:
		return value, nil
	case domain.PropRefList, domain.PropFileList:
		if list, ok := value.([]any); ok {
			return list, nil
		}
		return nil, validationIssue(store, name, "type", "not a list")
	case domain.PropObject:
		m, ok := asOperandMap(value)
		if !ok {
			return nil, validationIssue(store, name, "type", "not an object")
		}
		prevM, _ := asOperandMap(prev)
		return coerceProps(store, prop.Props, m, prevM)
	case domain.PropObjectList:
		list, ok := value.([]any)
		if !ok {
			return nil, validationIssue(store, name, "type", "not an object list")
		}
		out := make([]any, 0, len(list))
		for _, item := range list {
			m, ok := asOperandMap(item)
			if !ok {
				return nil, validationIssue(store, name, "type", "not an object list")
			}
			// List elements have no stable previous-value alignment.
			coerced, err := coerceProps(store, prop.Props, m, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, coerced)
		}
		return out, nil
	default:
		return value, nil
	}
}
