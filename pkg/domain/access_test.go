package domain

import (
	"reflect"
	"testing"
)

func TestNormalizeRoles(t *testing.T) {
	cases := []struct {
		name string
		user User
		want []string
	}{
		{"guest flag wins", User{Guest: true, Roles: []string{"editor"}}, []string{RoleGuest}},
		{"member gains all", User{ID: "u1", Roles: []string{"editor"}}, []string{"editor", RoleAll}},
		{"all not duplicated", User{ID: "u1", Roles: []string{"editor", RoleAll}}, []string{"editor", RoleAll}},
		{"guest role kept and suppresses all", User{ID: "u1", Roles: []string{"editor", RoleGuest}}, []string{"editor", RoleGuest}},
		{"no roles", User{ID: "u1"}, []string{RoleAll}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeRoles(tc.user)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("roles: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAccessRuleGrantsAndDenies(t *testing.T) {
	rule := AccessRule{Role: "editor", Permissions: "vr-u"}
	if !rule.Grants(PermRead) || rule.Grants(PermUpdate) {
		t.Fatalf("grants misread for %q", rule.Permissions)
	}
	if !rule.Denies(PermUpdate) || rule.Denies(PermRead) {
		t.Fatalf("denies misread for %q", rule.Permissions)
	}
}
