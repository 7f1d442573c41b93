package domain

import "strings"

// Permission characters recognised in access rules.
const (
	PermView    = 'v'
	PermCreate  = 'c'
	PermRead    = 'r'
	PermUpdate  = 'u'
	PermDelete  = 'd'
	PermExecute = 'x'
)

// FullPermissions is the complete permission set in canonical order.
const FullPermissions = "vcrudx"

// Well-known role names with engine-level semantics.
const (
	// RoleAll matches every authenticated user.
	RoleAll = "all"
	// RoleGuest matches unauthenticated users exclusively.
	RoleGuest = "guest"
	// RoleSystem is the internal engine identity; configuration can never
	// restrict it.
	RoleSystem = "system"
	// RoleRoot is the administrative identity; it always retains a default
	// full-access rule.
	RoleRoot = "root"
)

// AccessRule is one grant or deny statement. Rules are evaluated in slice
// order; later rules can widen or narrow earlier results. A Condition limits
// the rule's read grant to matching documents and is compiled into the
// backing-store read filter rather than enforced per request.
type AccessRule struct {
	Role string `json:"role" yaml:"role"`
	// Permissions holds permission characters, each optionally prefixed
	// with '-' to deny.
	Permissions string `json:"permissions" yaml:"permissions"`
	Condition   Filter `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Grants reports whether the rule's permission string contains a bare grant
// of the given character.
func (r AccessRule) Grants(perm byte) bool {
	return r.hasToken(perm, false)
}

// Denies reports whether the rule's permission string contains a '-' denial
// of the given character.
func (r AccessRule) Denies(perm byte) bool {
	return r.hasToken(perm, true)
}

func (r AccessRule) hasToken(perm byte, denied bool) bool {
	s := r.Permissions
	for i := 0; i < len(s); i++ {
		neg := false
		if s[i] == '-' {
			neg = true
			i++
			if i >= len(s) {
				return false
			}
		}
		if s[i] == perm && neg == denied {
			return true
		}
	}
	return false
}

// NormalizeRoles returns the effective role list for a user: guests hold
// exactly the guest role, every other user gains "all" unless the list
// already carries "all" or "guest".
func NormalizeRoles(u User) []string {
	if u.Guest {
		return []string{RoleGuest}
	}
	roles := make([]string, 0, len(u.Roles)+1)
	gainAll := true
	for _, r := range u.Roles {
		if r == RoleGuest || r == RoleAll {
			gainAll = false
		}
		roles = append(roles, r)
	}
	if gainAll {
		roles = append(roles, RoleAll)
	}
	return roles
}

// HasRole reports whether roles contains the given role.
func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// ValidPermissions reports whether every non-'-' character of the string is
// a known permission character.
func ValidPermissions(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			continue
		}
		if !strings.ContainsRune(FullPermissions, rune(s[i])) {
			return false
		}
	}
	return true
}
