package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"corestore/internal/access"
	"corestore/internal/script"
	"corestore/pkg/domain"
)

func newRegistry(t *testing.T, descs ...domain.StoreDescriptor) *Registry {
	t.Helper()
	scripts := script.NewEngine(0)
	r, err := NewRegistry(access.NewEngine(scripts), scripts, descs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func TestNormalizeRejectsBadDescriptors(t *testing.T) {
	scripts := script.NewEngine(0)
	engine := access.NewEngine(scripts)

	cases := []struct {
		name string
		desc domain.StoreDescriptor
		want string
	}{
		{
			name: "missing name",
			desc: domain.StoreDescriptor{},
			want: "without a name",
		},
		{
			name: "bad store permissions",
			desc: domain.StoreDescriptor{
				Name:   "a",
				Access: []domain.AccessRule{{Role: "all", Permissions: "vz"}},
			},
			want: "invalid permission",
		},
		{
			name: "missing prop type",
			desc: domain.StoreDescriptor{
				Name:  "a",
				Props: map[string]domain.PropertyDescriptor{"x": {}},
			},
			want: "has no type",
		},
		{
			name: "bad prop permissions",
			desc: domain.StoreDescriptor{
				Name: "a",
				Props: map[string]domain.PropertyDescriptor{"x": {
					Type:   domain.PropString,
					Access: []domain.AccessRule{{Role: "all", Permissions: "q"}},
				}},
			},
			want: "invalid permission",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(engine, scripts, tc.desc)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("got %v, want message containing %q", err, tc.want)
			}
		})
	}

	dup := domain.StoreDescriptor{Name: "a"}
	if _, err := NewRegistry(engine, scripts, dup, dup); err == nil || !strings.Contains(err.Error(), "twice") {
		t.Fatalf("duplicate store: got %v", err)
	}
}

func TestStoreVisibilityGating(t *testing.T) {
	r := newRegistry(t, domain.StoreDescriptor{
		Name: "secret",
		Access: []domain.AccessRule{
			{Role: "staff", Permissions: "vr"},
		},
	})

	if _, ok := r.Store("secret", domain.User{ID: "u", Roles: []string{"staff"}}); !ok {
		t.Fatal("staff cannot see the store")
	}
	if _, ok := r.Store("secret", domain.User{ID: "u"}); ok {
		t.Fatal("unprivileged user sees the store")
	}
	if _, ok := r.Store("absent", domain.User{ID: "u"}); ok {
		t.Fatal("unknown store resolved")
	}
	// Descriptor skips the visibility check.
	if _, ok := r.Descriptor("secret"); !ok {
		t.Fatal("raw descriptor lookup failed")
	}
}

func TestKindDefaultsToDirectory(t *testing.T) {
	r := newRegistry(t, domain.StoreDescriptor{Name: "plain"})
	desc, _ := r.Descriptor("plain")
	if desc.Kind != domain.KindDirectory {
		t.Fatalf("kind: got %q", desc.Kind)
	}
}

func TestReadablePropsInheritAndOverride(t *testing.T) {
	r := newRegistry(t, domain.StoreDescriptor{
		Name: "doc",
		Access: []domain.AccessRule{
			{Role: "all", Permissions: "vr"},
			{Role: "staff", Permissions: "vcrud"},
		},
		Props: map[string]domain.PropertyDescriptor{
			"title": {Type: domain.PropString},
			"notes": {Type: domain.PropString, Access: []domain.AccessRule{
				{Role: "staff", Permissions: "vr"},
			}},
		},
	})
	desc, _ := r.Descriptor("doc")

	member := r.ReadableProps(desc, domain.User{ID: "m"})
	if member["title"] != "vr" {
		t.Fatalf("inherited perms: %q", member["title"])
	}
	if member["notes"] != "" {
		t.Fatalf("override should hide notes from members: %q", member["notes"])
	}

	staff := r.ReadableProps(desc, domain.User{ID: "s", Roles: []string{"staff"}})
	if staff["title"] != "vcrud" || staff["notes"] != "vr" {
		t.Fatalf("staff perms: %v", staff)
	}
}

func TestHookCompilationAndCaching(t *testing.T) {
	r := newRegistry(t, domain.StoreDescriptor{
		Name: "doc",
		Hooks: map[domain.HookName]string{
			domain.HookWillSave:   `item.ok == true`,
			domain.HookWillCreate: `this is not an expression ((((`,
		},
	})

	compiled, ok := r.Hook("doc", domain.HookWillSave)
	if !ok || compiled == nil {
		t.Fatal("valid hook did not compile")
	}
	again, ok := r.Hook("doc", domain.HookWillSave)
	if !ok || again != compiled {
		t.Fatal("compiled hook not cached")
	}
	result, err := compiled.Evaluate(map[string]any{"item": map[string]any{"ok": true}})
	if err != nil || result != true {
		t.Fatalf("hook evaluation: %v, %v", result, err)
	}

	if _, ok := r.Hook("doc", domain.HookWillCreate); ok {
		t.Fatal("broken hook reported as present")
	}
	// The failure is cached too.
	if _, ok := r.Hook("doc", domain.HookWillCreate); ok {
		t.Fatal("broken hook resurfaced")
	}
	if _, ok := r.Hook("doc", domain.HookDidSave); ok {
		t.Fatal("undeclared hook reported as present")
	}
	if _, ok := r.Hook("absent", domain.HookWillSave); ok {
		t.Fatal("hook on unknown store")
	}
}

func TestBaseItemDefaultsAndOwner(t *testing.T) {
	r := newRegistry(t,
		domain.StoreDescriptor{
			Name: "doc",
			Props: map[string]domain.PropertyDescriptor{
				"state": {Type: domain.PropString, Default: "new"},
				"tags":  {Type: domain.PropRefList, Ref: "tag", Default: []any{"a"}},
				"title": {Type: domain.PropString},
			},
		},
		domain.StoreDescriptor{
			Name: "settings",
			Kind: domain.KindSingle,
			Props: map[string]domain.PropertyDescriptor{
				"theme": {Type: domain.PropString},
			},
		},
	)
	user := domain.User{ID: "u1"}

	desc, _ := r.Descriptor("doc")
	base := r.BaseItem(desc, user)
	if base["state"] != "new" {
		t.Fatalf("default missing: %v", base)
	}
	if _, ok := base["title"]; ok {
		t.Fatal("defaultless property present in base item")
	}
	// Defaults are cloned, not shared.
	base["tags"].([]any)[0] = "mutated"
	if r.BaseItem(desc, user)["tags"].([]any)[0] != "a" {
		t.Fatal("default value shared between base items")
	}

	single, _ := r.Descriptor("settings")
	if owner := r.BaseItem(single, user)[domain.FieldOwner]; owner != "u1" {
		t.Fatalf("single-kind owner: %v", owner)
	}
}

func TestResolveUserCachesResolvedIdentities(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	// Without a resolver the id maps to a bare identity.
	user, err := r.ResolveUser(ctx, "u1")
	if err != nil || user.ID != "u1" || len(user.Roles) != 0 {
		t.Fatalf("bare identity: %v, %v", user, err)
	}

	calls := 0
	r.SetUserResolver(func(_ context.Context, id string) (domain.User, error) {
		calls++
		if id == "boom" {
			return domain.User{}, errors.New("resolver down")
		}
		return domain.User{ID: id, Roles: []string{"staff"}}, nil
	})

	for i := 0; i < 3; i++ {
		user, err = r.ResolveUser(ctx, "u2")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("resolver called %d times, want 1", calls)
	}
	if len(user.Roles) != 1 || user.Roles[0] != "staff" {
		t.Fatalf("resolved identity: %v", user)
	}

	if _, err := r.ResolveUser(ctx, "boom"); err == nil {
		t.Fatal("resolver error swallowed")
	}
}

func TestRefPairResolution(t *testing.T) {
	r := newRegistry(t,
		domain.StoreDescriptor{
			Name: "task",
			Props: map[string]domain.PropertyDescriptor{
				"project": {Type: domain.PropRef, Ref: "project"},
			},
		},
		domain.StoreDescriptor{
			Name: "project",
			Props: map[string]domain.PropertyDescriptor{
				"tasks": {Type: domain.PropRefList, Ref: "task"},
			},
		},
	)

	pairs := r.RefPairs("task")
	if len(pairs) != 1 {
		t.Fatalf("task pairs: %v", pairs)
	}
	p := pairs[0]
	if p.LocalProp != "project" || p.OppositeStore != "project" || p.OppositeProp != "tasks" {
		t.Fatalf("auto pair wrong: %+v", p)
	}

	reverse := r.RefPairs("project")
	if len(reverse) != 1 || reverse[0].OppositeProp != "project" {
		t.Fatalf("reverse pair wrong: %v", reverse)
	}
	if amb := r.AmbiguousRefs("task"); len(amb) != 0 {
		t.Fatalf("unexpected ambiguity: %v", amb)
	}
}

func TestRefPairAmbiguityAndExplicitOpposite(t *testing.T) {
	author := domain.StoreDescriptor{
		Name: "author",
		Props: map[string]domain.PropertyDescriptor{
			"written":  {Type: domain.PropRefList, Ref: "book"},
			"reviewed": {Type: domain.PropRefList, Ref: "book"},
		},
	}
	ambiguousBook := domain.StoreDescriptor{
		Name: "book",
		Props: map[string]domain.PropertyDescriptor{
			"author": {Type: domain.PropRef, Ref: "author"},
		},
	}
	r := newRegistry(t, author, ambiguousBook)
	if pairs := r.RefPairs("book"); len(pairs) != 0 {
		t.Fatalf("ambiguous ref paired anyway: %v", pairs)
	}
	if amb := r.AmbiguousRefs("book"); len(amb) != 1 || amb[0] != "author" {
		t.Fatalf("ambiguity not reported: %v", amb)
	}

	explicitBook := ambiguousBook
	explicitBook.Props = map[string]domain.PropertyDescriptor{
		"author": {Type: domain.PropRef, Ref: "author", OppositeProp: "written"},
	}
	r = newRegistry(t, author, explicitBook)
	pairs := r.RefPairs("book")
	if len(pairs) != 1 || pairs[0].OppositeProp != "written" {
		t.Fatalf("explicit opposite not honoured: %v", pairs)
	}
	if amb := r.AmbiguousRefs("book"); len(amb) != 0 {
		t.Fatalf("explicit pairing still ambiguous: %v", amb)
	}
}

func TestLoadFileParsesStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.yaml")
	raw := `
stores:
  - name: article
    logging: true
    access:
      - role: editor
        permissions: vcrud
    props:
      title:
        type: string
        required: true
      state:
        type: string
        default: draft
        enum: [draft, published]
  - name: settings
    kind: single
    props:
      theme:
        type: string
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	descs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("store count: %d", len(descs))
	}
	article := descs[0]
	if article.Name != "article" || !article.Logging {
		t.Fatalf("article: %+v", article)
	}
	if article.Props["title"].Type != domain.PropString || !article.Props["title"].Required {
		t.Fatalf("title prop: %+v", article.Props["title"])
	}
	if article.Props["state"].Default != "draft" || len(article.Props["state"].Enum) != 2 {
		t.Fatalf("state prop: %+v", article.Props["state"])
	}
	if len(article.Access) != 1 || article.Access[0].Permissions != "vcrud" {
		t.Fatalf("access rules: %+v", article.Access)
	}
	if descs[1].Kind != domain.KindSingle {
		t.Fatalf("settings kind: %q", descs[1].Kind)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file did not error")
	}
}
