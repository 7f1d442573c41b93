// Package validation provides the default schema validator applied before
// a write is persisted.
package validation

import (
	"fmt"

	"corestore/pkg/domain"
)

// Validator checks merged documents against property constraints declared
// in the store schema: required, enum membership, and numeric or length
// bounds.
type Validator struct{}

var _ domain.Validator = Validator{}

// New returns the default validator.
func New() Validator { return Validator{} }

// Validate returns the constraint violations for item, keyed by property
// name. An empty map means the document is acceptable.
func (Validator) Validate(desc domain.StoreDescriptor, item domain.Document, base domain.Document, user domain.User) map[string][]domain.ValidationIssue {
	issues := map[string][]domain.ValidationIssue{}
	checkProps(desc.Props, map[string]any(item), "", issues)
	return issues
}

func checkProps(props map[string]domain.PropertyDescriptor, values map[string]any, prefix string, issues map[string][]domain.ValidationIssue) {
	for name, prop := range props {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		value, present := values[name]
		if !present || value == nil || value == "" {
			if prop.Required {
				add(issues, path, "required", "value is required")
			}
			continue
		}
		checkValue(prop, path, value, issues)
	}
}

func checkValue(prop domain.PropertyDescriptor, path string, value any, issues map[string][]domain.ValidationIssue) {
	if len(prop.Enum) > 0 {
		if s, ok := value.(string); ok && !contains(prop.Enum, s) {
			add(issues, path, "enum", fmt.Sprintf("%q is not one of the allowed values", s))
		}
	}

	switch prop.Type {
	case domain.PropInt, domain.PropFloat:
		n, ok := domain.AsFloat(value)
		if !ok {
			return
		}
		if prop.Min != nil && n < *prop.Min {
			add(issues, path, "min", fmt.Sprintf("value %v is below the minimum %v", n, *prop.Min))
		}
		if prop.Max != nil && n > *prop.Max {
			add(issues, path, "max", fmt.Sprintf("value %v is above the maximum %v", n, *prop.Max))
		}
	case domain.PropString, domain.PropPassword:
		s, ok := value.(string)
		if !ok {
			return
		}
		length := float64(len([]rune(s)))
		if prop.Min != nil && length < *prop.Min {
			add(issues, path, "min", fmt.Sprintf("length %d is below the minimum %v", int(length), *prop.Min))
		}
		if prop.Max != nil && length > *prop.Max {
			add(issues, path, "max", fmt.Sprintf("length %d is above the maximum %v", int(length), *prop.Max))
		}
	case domain.PropObject:
		if nested, ok := value.(map[string]any); ok && len(prop.Props) > 0 {
			checkProps(prop.Props, nested, path, issues)
		}
	case domain.PropObjectList:
		list, ok := value.([]any)
		if !ok || len(prop.Props) == 0 {
			return
		}
		for i, item := range list {
			if nested, ok := item.(map[string]any); ok {
				checkProps(prop.Props, nested, fmt.Sprintf("%s.%d", path, i), issues)
			}
		}
	case domain.PropRefList, domain.PropFileList:
		list, ok := value.([]any)
		if !ok {
			return
		}
		length := float64(len(list))
		if prop.Min != nil && length < *prop.Min {
			add(issues, path, "min", fmt.Sprintf("%d items is below the minimum %v", len(list), *prop.Min))
		}
		if prop.Max != nil && length > *prop.Max {
			add(issues, path, "max", fmt.Sprintf("%d items is above the maximum %v", len(list), *prop.Max))
		}
	}
}

func add(issues map[string][]domain.ValidationIssue, path, rule, message string) {
	issues[path] = append(issues[path], domain.ValidationIssue{Rule: rule, Message: message})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
