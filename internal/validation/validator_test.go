package validation

import (
	"testing"

	"corestore/pkg/domain"
)

func ptr(f float64) *float64 { return &f }

func validate(desc domain.StoreDescriptor, item domain.Document) map[string][]domain.ValidationIssue {
	return New().Validate(desc, item, nil, domain.User{ID: "u1"})
}

func hasRule(issues map[string][]domain.ValidationIssue, path, rule string) bool {
	for _, issue := range issues[path] {
		if issue.Rule == rule {
			return true
		}
	}
	return false
}

func TestRequiredProperties(t *testing.T) {
	desc := domain.StoreDescriptor{
		Name: "doc",
		Props: map[string]domain.PropertyDescriptor{
			"title":    {Type: domain.PropString, Required: true},
			"optional": {Type: domain.PropString},
		},
	}

	for _, item := range []domain.Document{
		{},
		{"title": nil},
		{"title": ""},
	} {
		issues := validate(desc, item)
		if !hasRule(issues, "title", "required") {
			t.Fatalf("missing required issue for %v: %v", item, issues)
		}
		if len(issues["optional"]) != 0 {
			t.Fatalf("optional property flagged: %v", issues)
		}
	}

	if issues := validate(desc, domain.Document{"title": "x"}); len(issues) != 0 {
		t.Fatalf("valid item flagged: %v", issues)
	}
}

func TestEnumMembership(t *testing.T) {
	desc := domain.StoreDescriptor{
		Name: "doc",
		Props: map[string]domain.PropertyDescriptor{
			"state": {Type: domain.PropString, Enum: []string{"draft", "published"}},
		},
	}

	if issues := validate(desc, domain.Document{"state": "draft"}); len(issues) != 0 {
		t.Fatalf("allowed value flagged: %v", issues)
	}
	issues := validate(desc, domain.Document{"state": "limbo"})
	if !hasRule(issues, "state", "enum") {
		t.Fatalf("enum violation missed: %v", issues)
	}
}

func TestNumericBounds(t *testing.T) {
	desc := domain.StoreDescriptor{
		Name: "doc",
		Props: map[string]domain.PropertyDescriptor{
			"age": {Type: domain.PropInt, Min: ptr(0), Max: ptr(150)},
		},
	}

	if issues := validate(desc, domain.Document{"age": int64(30)}); len(issues) != 0 {
		t.Fatalf("in-range value flagged: %v", issues)
	}
	if issues := validate(desc, domain.Document{"age": int64(-1)}); !hasRule(issues, "age", "min") {
		t.Fatalf("below-minimum missed: %v", issues)
	}
	if issues := validate(desc, domain.Document{"age": float64(200)}); !hasRule(issues, "age", "max") {
		t.Fatalf("above-maximum missed: %v", issues)
	}
}

func TestStringLengthBounds(t *testing.T) {
	desc := domain.StoreDescriptor{
		Name: "doc",
		Props: map[string]domain.PropertyDescriptor{
			"handle": {Type: domain.PropString, Min: ptr(3), Max: ptr(8)},
		},
	}

	if issues := validate(desc, domain.Document{"handle": "ab"}); !hasRule(issues, "handle", "min") {
		t.Fatalf("short string missed: %v", issues)
	}
	if issues := validate(desc, domain.Document{"handle": "aaaaaaaaa"}); !hasRule(issues, "handle", "max") {
		t.Fatalf("long string missed: %v", issues)
	}
	// Length counts runes, not bytes.
	if issues := validate(desc, domain.Document{"handle": "héllo"}); len(issues) != 0 {
		t.Fatalf("multibyte string flagged: %v", issues)
	}
}

func TestListLengthBounds(t *testing.T) {
	desc := domain.StoreDescriptor{
		Name: "doc",
		Props: map[string]domain.PropertyDescriptor{
			"tags": {Type: domain.PropRefList, Ref: "tag", Min: ptr(1), Max: ptr(2)},
		},
	}

	if issues := validate(desc, domain.Document{"tags": []any{}}); !hasRule(issues, "tags", "min") {
		t.Fatalf("empty list missed: %v", issues)
	}
	if issues := validate(desc, domain.Document{"tags": []any{"a", "b", "c"}}); !hasRule(issues, "tags", "max") {
		t.Fatalf("long list missed: %v", issues)
	}
	if issues := validate(desc, domain.Document{"tags": []any{"a"}}); len(issues) != 0 {
		t.Fatalf("valid list flagged: %v", issues)
	}
}

func TestNestedObjectPaths(t *testing.T) {
	desc := domain.StoreDescriptor{
		Name: "doc",
		Props: map[string]domain.PropertyDescriptor{
			"meta": {Type: domain.PropObject, Props: map[string]domain.PropertyDescriptor{
				"owner": {Type: domain.PropString, Required: true},
			}},
			"rows": {Type: domain.PropObjectList, Props: map[string]domain.PropertyDescriptor{
				"qty": {Type: domain.PropInt, Min: ptr(1)},
			}},
		},
	}

	issues := validate(desc, domain.Document{
		"meta": map[string]any{},
		"rows": []any{
			map[string]any{"qty": int64(2)},
			map[string]any{"qty": int64(0)},
		},
	})
	if !hasRule(issues, "meta.owner", "required") {
		t.Fatalf("nested required missed: %v", issues)
	}
	if !hasRule(issues, "rows.1.qty", "min") {
		t.Fatalf("indexed nested bound missed: %v", issues)
	}
	if len(issues["rows.0.qty"]) != 0 {
		t.Fatalf("valid row flagged: %v", issues)
	}
}
