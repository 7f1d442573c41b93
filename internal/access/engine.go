// Package access implements the role and condition based permission engine.
// It is a pure function of rules and user: rule slices supplied by callers
// are never mutated, and default system/root rules are injected into a
// per-call effective copy.
package access

import (
	"strings"

	"corestore/internal/script"
	"corestore/pkg/domain"
)

// Engine computes granted permissions and compiles access rules into
// backing-store read filters.
type Engine struct {
	scripts *script.Engine
}

// NewEngine constructs an access engine. The script engine resolves
// $expression condition leaves; it must not be nil when conditions use them.
func NewEngine(scripts *script.Engine) *Engine {
	return &Engine{scripts: scripts}
}

var defaultAllRule = domain.AccessRule{Role: domain.RoleAll, Permissions: domain.FullPermissions}

// effectiveRules returns the rule list actually evaluated: caller rules with
// any configured system rules discarded, followed by a fresh deny-free
// system rule and, unless a root rule grants something, a default root rule.
// The input slice is never modified.
func effectiveRules(rules []domain.AccessRule) []domain.AccessRule {
	out := make([]domain.AccessRule, 0, len(rules)+2)
	if len(rules) == 0 {
		out = append(out, defaultAllRule)
	}
	rootGrants := false
	for _, r := range rules {
		if r.Role == domain.RoleRoot && grantsAny(r) {
			rootGrants = true
		}
	}
	for _, r := range rules {
		if r.Role == domain.RoleSystem {
			// A caller-supplied system rule is discarded, not honoured:
			// configuration can never restrict the system role.
			continue
		}
		if r.Role == domain.RoleRoot && !rootGrants {
			// Deny-only root rules cannot lock root out; they are dropped
			// in favour of the default rule appended below.
			continue
		}
		out = append(out, r)
	}
	out = append(out, domain.AccessRule{Role: domain.RoleSystem, Permissions: domain.FullPermissions})
	if !rootGrants {
		out = append(out, domain.AccessRule{Role: domain.RoleRoot, Permissions: domain.FullPermissions})
	}
	return out
}

// grantsAny reports whether the rule grants at least one permission.
func grantsAny(r domain.AccessRule) bool {
	for i := 0; i < len(domain.FullPermissions); i++ {
		if r.Grants(domain.FullPermissions[i]) {
			return true
		}
	}
	return false
}

// Compute walks the rules in order and returns the permission characters
// granted to the user, restricted to the requested set. An empty requested
// string asks for the full permission set.
func (e *Engine) Compute(rules []domain.AccessRule, user domain.User, requested string) string {
	if requested == "" {
		requested = domain.FullPermissions
	}
	roles := domain.NormalizeRoles(user)

	// grantable tracks characters not yet revoked by an unconditional deny.
	grantable := make(map[byte]bool, len(domain.FullPermissions))
	for i := 0; i < len(domain.FullPermissions); i++ {
		grantable[domain.FullPermissions[i]] = true
	}
	granted := make(map[byte]bool)

	for _, rule := range effectiveRules(rules) {
		if !domain.HasRole(roles, rule.Role) {
			continue
		}
		s := rule.Permissions
		for i := 0; i < len(s); i++ {
			deny := false
			if s[i] == '-' {
				deny = true
				i++
				if i >= len(s) {
					break
				}
			}
			perm := s[i]
			if !strings.ContainsRune(domain.FullPermissions, rune(perm)) {
				continue
			}
			if deny {
				// Conditional denies only narrow the read filter; an
				// unconditional deny revokes the character globally for
				// all remaining rules.
				if rule.Condition == nil {
					grantable[perm] = false
					delete(granted, perm)
				}
				continue
			}
			if grantable[perm] {
				granted[perm] = true
			}
		}
	}

	var b strings.Builder
	for i := 0; i < len(domain.FullPermissions); i++ {
		perm := domain.FullPermissions[i]
		if granted[perm] && strings.IndexByte(requested, perm) >= 0 {
			b.WriteByte(perm)
		}
	}
	return b.String()
}

// HasCreate reports whether the user holds the create permission.
func (e *Engine) HasCreate(rules []domain.AccessRule, user domain.User) bool {
	return e.Compute(rules, user, "c") == "c"
}

// HasRead reports whether the user holds the read permission.
func (e *Engine) HasRead(rules []domain.AccessRule, user domain.User) bool {
	return e.Compute(rules, user, "r") == "r"
}

// HasUpdate reports whether the user holds the update permission.
func (e *Engine) HasUpdate(rules []domain.AccessRule, user domain.User) bool {
	return e.Compute(rules, user, "u") == "u"
}

// HasDelete reports whether the user holds the delete permission.
func (e *Engine) HasDelete(rules []domain.AccessRule, user domain.User) bool {
	return e.Compute(rules, user, "d") == "d"
}

// HasExecute reports whether the user holds the execute permission.
func (e *Engine) HasExecute(rules []domain.AccessRule, user domain.User) bool {
	return e.Compute(rules, user, "x") == "x"
}

// ReadFilter compiles the rules into the row-level read restriction for the
// user. A nil filter with a nil error means "no restriction": at least one
// matching rule grants read without a condition. Conditional read grants are
// OR-combined into an allow set, conditional read denies into a deny set,
// and the result is allow AND NOT deny. When ownerCheck is set an ownership
// clause on the requesting user's id is AND-ed in (single-display stores).
func (e *Engine) ReadFilter(rules []domain.AccessRule, user domain.User, ownerCheck bool) (domain.Filter, error) {
	roles := domain.NormalizeRoles(user)

	var allows []domain.Filter
	var denies []domain.Filter
	unrestricted := false

	for _, rule := range effectiveRules(rules) {
		if !domain.HasRole(roles, rule.Role) {
			continue
		}
		if rule.Condition == nil {
			if rule.Grants(domain.PermRead) {
				// An unconditional read grant short-circuits every
				// conditional allow.
				unrestricted = true
			}
			continue
		}
		resolved, err := e.resolveCondition(rule.Condition, user)
		if err != nil {
			return nil, err
		}
		if rule.Denies(domain.PermRead) {
			denies = append(denies, resolved)
		} else if rule.Grants(domain.PermRead) {
			allows = append(allows, resolved)
		}
	}

	var filter domain.Filter
	switch {
	case unrestricted:
		filter = nil
	case len(allows) == 0 && len(denies) == 0:
		filter = nil
	default:
		filter = domain.And(domain.Or(allows...), domain.Not(domain.Or(denies...)))
	}

	if ownerCheck {
		filter = domain.And(filter, domain.Filter{domain.FieldOwner: user.ID})
	}
	return filter, nil
}

// resolveCondition returns a copy of the condition with every $expression
// leaf evaluated against the user. Compilation of the expression source is
// memoized by the script engine, so repeated checks reuse the program.
func (e *Engine) resolveCondition(cond domain.Filter, user domain.User) (domain.Filter, error) {
	out := make(domain.Filter, len(cond))
	for key, value := range cond {
		resolved, err := e.resolveValue(value, user)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

func (e *Engine) resolveValue(value any, user domain.User) (any, error) {
	switch tv := value.(type) {
	case domain.Filter:
		return e.resolveMap(map[string]any(tv), user)
	case map[string]any:
		return e.resolveMap(tv, user)
	case []domain.Filter:
		out := make([]domain.Filter, len(tv))
		for i, sub := range tv {
			r, err := e.resolveCondition(sub, user)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			r, err := e.resolveValue(item, user)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// resolveMap resolves a map value. A single-key {$expression: src} leaf is
// replaced by its evaluation result; any other map is resolved recursively.
func (e *Engine) resolveMap(m map[string]any, user domain.User) (any, error) {
	if src, ok := m[domain.OpExpression]; ok && len(m) == 1 {
		source, ok := src.(string)
		if !ok {
			return nil, script.Error{Err: errNonStringSource}
		}
		return e.scripts.Eval(source, map[string]any{
			"user": map[string]any{
				"id":    user.ID,
				"roles": user.Roles,
				"guest": user.Guest,
			},
		})
	}
	out := make(domain.Filter, len(m))
	for key, value := range m {
		resolved, err := e.resolveValue(value, user)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

var errNonStringSource = errString("$expression source must be a string")

type errString string

func (e errString) Error() string { return string(e) }
