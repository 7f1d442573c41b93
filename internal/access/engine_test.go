package access

import (
	"testing"

	"corestore/internal/script"
	"corestore/pkg/domain"
)

func newTestEngine() *Engine {
	return NewEngine(script.NewEngine(0))
}

func TestComputeRespectsRequestedSet(t *testing.T) {
	e := newTestEngine()
	rules := []domain.AccessRule{{Role: "editor", Permissions: "vcrud"}}
	user := domain.User{ID: "u1", Roles: []string{"editor"}}

	got := e.Compute(rules, user, "r")
	if got != "r" {
		t.Fatalf("requested r, got %q", got)
	}
	full := e.Compute(rules, user, "")
	for i := 0; i < len(got); i++ {
		found := false
		for j := 0; j < len(full); j++ {
			if full[j] == got[i] {
				found = true
			}
		}
		if !found {
			t.Fatalf("restricted result %q is not a subset of full result %q", got, full)
		}
	}
	if full != "vcrud" {
		t.Fatalf("full request: got %q, want vcrud", full)
	}
}

func TestComputeRuleOrderMatters(t *testing.T) {
	e := newTestEngine()
	user := domain.User{ID: "u1", Roles: []string{"editor"}}

	// An unconditional deny revokes the character for all later rules.
	denyFirst := []domain.AccessRule{
		{Role: "editor", Permissions: "-u"},
		{Role: "editor", Permissions: "vcru"},
	}
	if got := e.Compute(denyFirst, user, ""); got != "vcr" {
		t.Fatalf("deny-then-grant: got %q, want vcr", got)
	}

	// A grant before the deny is also revoked.
	grantFirst := []domain.AccessRule{
		{Role: "editor", Permissions: "vcru"},
		{Role: "editor", Permissions: "-u"},
	}
	if got := e.Compute(grantFirst, user, ""); got != "vcr" {
		t.Fatalf("grant-then-deny: got %q, want vcr", got)
	}
}

func TestConditionalDenyDoesNotRevoke(t *testing.T) {
	e := newTestEngine()
	user := domain.User{ID: "u1", Roles: []string{"editor"}}
	rules := []domain.AccessRule{
		{Role: "editor", Permissions: "vr"},
		{Role: "editor", Permissions: "-r", Condition: domain.Filter{"secret": true}},
	}
	if got := e.Compute(rules, user, "r"); got != "r" {
		t.Fatalf("conditional deny revoked read: got %q", got)
	}
}

func TestSystemRoleCannotBeRestricted(t *testing.T) {
	e := newTestEngine()
	rules := []domain.AccessRule{{Role: domain.RoleSystem, Permissions: "-r"}}
	if got := e.Compute(rules, domain.System(), "r"); got != "r" {
		t.Fatalf("system deny took effect: got %q", got)
	}
}

func TestRootFallbackRule(t *testing.T) {
	e := newTestEngine()
	root := domain.User{ID: "admin", Roles: []string{domain.RoleRoot}}

	// A deny-only root rule cannot lock root out: it is dropped and the
	// default full-access root rule is appended.
	denyOnly := []domain.AccessRule{{Role: domain.RoleRoot, Permissions: "-r"}}
	if got := e.Compute(denyOnly, root, "r"); got != "r" {
		t.Fatalf("deny-only root rule locked root out: got %q, want r", got)
	}

	// With no root rule at all, the appended default grants everything.
	rules := []domain.AccessRule{{Role: "editor", Permissions: "vr"}}
	if got := e.Compute(rules, root, ""); got != domain.FullPermissions {
		t.Fatalf("root fallback: got %q, want %q", got, domain.FullPermissions)
	}

	// A granting root rule replaces the default; its own denies still hold.
	configured := []domain.AccessRule{{Role: domain.RoleRoot, Permissions: "vr-x"}}
	if got := e.Compute(configured, root, ""); got != "vr" {
		t.Fatalf("configured root rule: got %q, want vr", got)
	}
}

func TestEmptyRulesGrantEveryone(t *testing.T) {
	e := newTestEngine()
	user := domain.User{ID: "u1", Roles: []string{"whatever"}}
	if got := e.Compute(nil, user, ""); got != domain.FullPermissions {
		t.Fatalf("empty rules: got %q, want %q", got, domain.FullPermissions)
	}
}

func TestGuestSeesOnlyGuestRules(t *testing.T) {
	e := newTestEngine()
	rules := []domain.AccessRule{
		{Role: domain.RoleAll, Permissions: "vr"},
		{Role: domain.RoleGuest, Permissions: "v"},
	}
	guest := domain.User{Guest: true}
	if got := e.Compute(rules, guest, ""); got != "v" {
		t.Fatalf("guest: got %q, want v", got)
	}
	member := domain.User{ID: "u1"}
	if got := e.Compute(rules, member, ""); got != "vr" {
		t.Fatalf("member: got %q, want vr", got)
	}
}

func TestComputeDoesNotMutateRules(t *testing.T) {
	e := newTestEngine()
	rules := []domain.AccessRule{{Role: "editor", Permissions: "vr"}}
	_ = e.Compute(rules, domain.User{ID: "u1", Roles: []string{"editor"}}, "")
	_ = e.Compute(rules, domain.System(), "")
	if len(rules) != 1 || rules[0].Role != "editor" || rules[0].Permissions != "vr" {
		t.Fatalf("rules slice was mutated: %+v", rules)
	}
}

func TestReadFilterUnconditionalAllowShortCircuits(t *testing.T) {
	e := newTestEngine()
	user := domain.User{ID: "u1", Roles: []string{"editor"}}
	rules := []domain.AccessRule{
		{Role: "editor", Permissions: "r"},
		{Role: "editor", Permissions: "r", Condition: domain.Filter{"state": "published"}},
	}
	filter, err := e.ReadFilter(rules, user, false)
	if err != nil {
		t.Fatalf("ReadFilter: %v", err)
	}
	if filter != nil {
		t.Fatalf("expected nil filter, got %v", filter)
	}
}

func TestReadFilterCombinesAllowAndDeny(t *testing.T) {
	e := newTestEngine()
	user := domain.User{ID: "u1", Roles: []string{"editor"}}
	rules := []domain.AccessRule{
		{Role: "editor", Permissions: "r", Condition: domain.Filter{"state": "published"}},
		{Role: "editor", Permissions: "r", Condition: domain.Filter{"state": "review"}},
		{Role: "editor", Permissions: "-r", Condition: domain.Filter{"hidden": true}},
	}
	filter, err := e.ReadFilter(rules, user, false)
	if err != nil {
		t.Fatalf("ReadFilter: %v", err)
	}
	if filter == nil {
		t.Fatal("expected a restriction filter")
	}
	and, ok := filter[domain.OpAnd].([]domain.Filter)
	if !ok || len(and) != 2 {
		t.Fatalf("expected AND of allow and deny branches, got %v", filter)
	}
	if _, ok := and[0][domain.OpOr]; !ok {
		t.Fatalf("allow branch should OR the two conditions, got %v", and[0])
	}
	if _, ok := and[1][domain.OpNot]; !ok {
		t.Fatalf("deny branch should be negated, got %v", and[1])
	}
}

func TestReadFilterResolvesExpressions(t *testing.T) {
	e := newTestEngine()
	user := domain.User{ID: "u1", Roles: []string{"editor"}}
	rules := []domain.AccessRule{
		{Role: "editor", Permissions: "r", Condition: domain.Filter{
			"_ownerId": domain.Filter{domain.OpExpression: `user.id`},
		}},
	}
	filter, err := e.ReadFilter(rules, user, false)
	if err != nil {
		t.Fatalf("ReadFilter: %v", err)
	}
	cond, ok := filter["_ownerId"]
	if !ok {
		t.Fatalf("missing resolved condition: %v", filter)
	}
	if cond != "u1" {
		t.Fatalf("expression resolved to %v, want u1", cond)
	}
}

func TestReadFilterOwnerCheck(t *testing.T) {
	e := newTestEngine()
	user := domain.User{ID: "u1", Roles: []string{"editor"}}
	rules := []domain.AccessRule{{Role: "editor", Permissions: "r"}}
	filter, err := e.ReadFilter(rules, user, true)
	if err != nil {
		t.Fatalf("ReadFilter: %v", err)
	}
	if got := filter[domain.FieldOwner]; got != "u1" {
		t.Fatalf("owner check: got %v, want u1 in %v", got, filter)
	}
}
