package refsync

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"corestore/internal/access"
	"corestore/internal/config"
	"corestore/internal/infra/persistence/memory"
	"corestore/internal/script"
	"corestore/internal/store"
	"corestore/pkg/domain"
)

func newSyncedService(t *testing.T) *store.Service {
	t.Helper()
	scripts := script.NewEngine(0)
	engine := access.NewEngine(scripts)
	registry, err := config.NewRegistry(engine, scripts,
		domain.StoreDescriptor{
			Name: "task",
			Props: map[string]domain.PropertyDescriptor{
				"title":   {Type: domain.PropString},
				"project": {Type: domain.PropRef, Ref: "project"},
			},
		},
		domain.StoreDescriptor{
			Name: "project",
			Props: map[string]domain.PropertyDescriptor{
				"name":  {Type: domain.PropString},
				"tasks": {Type: domain.PropRefList, Ref: "task"},
			},
		},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	svc := store.NewService(memory.NewStore(), registry, engine,
		store.WithSynchronousPropagation(),
	)
	sync := New(svc, registry, zap.NewNop())
	svc.OnPostWrite(sync.HandleChange)
	return svc
}

var user = domain.User{ID: "u1"}

func taskIDs(t *testing.T, svc *store.Service, projectID string) []string {
	t.Helper()
	project, err := svc.Get(context.Background(), "project", projectID, store.Options{User: user})
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	list, _ := project["tasks"].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, v.(string))
	}
	return out
}

func TestSettingRefAddsToOppositeList(t *testing.T) {
	svc := newSyncedService(t)
	ctx := context.Background()

	project, err := svc.Set(ctx, "project", domain.Document{"name": "p"}, store.Options{User: user})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	task, err := svc.Set(ctx, "task", domain.Document{"title": "t", "project": project.ID()}, store.Options{User: user})
	if err != nil {
		t.Fatalf("task: %v", err)
	}

	ids := taskIDs(t, svc, project.ID())
	if len(ids) != 1 || ids[0] != task.ID() {
		t.Fatalf("project tasks: %v", ids)
	}
}

func TestClearingRefRemovesFromOppositeList(t *testing.T) {
	svc := newSyncedService(t)
	ctx := context.Background()

	project, _ := svc.Set(ctx, "project", domain.Document{"name": "p"}, store.Options{User: user})
	task, _ := svc.Set(ctx, "task", domain.Document{"title": "t", "project": project.ID()}, store.Options{User: user})

	if _, err := svc.Set(ctx, "task", domain.Document{"_id": task.ID(), "project": nil}, store.Options{User: user}); err != nil {
		t.Fatalf("clear ref: %v", err)
	}
	if ids := taskIDs(t, svc, project.ID()); len(ids) != 0 {
		t.Fatalf("stale backlink: %v", ids)
	}
}

func TestDeleteRemovesBacklinks(t *testing.T) {
	svc := newSyncedService(t)
	ctx := context.Background()

	project, _ := svc.Set(ctx, "project", domain.Document{"name": "p"}, store.Options{User: user})
	task, _ := svc.Set(ctx, "task", domain.Document{"title": "t", "project": project.ID()}, store.Options{User: user})

	if _, err := svc.Delete(ctx, "task", task.ID(), store.Options{User: user}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ids := taskIDs(t, svc, project.ID()); len(ids) != 0 {
		t.Fatalf("deleted task still referenced: %v", ids)
	}
}

func TestListSideDrivesRefSide(t *testing.T) {
	svc := newSyncedService(t)
	ctx := context.Background()

	task, _ := svc.Set(ctx, "task", domain.Document{"title": "t"}, store.Options{User: user})
	project, err := svc.Set(ctx, "project", domain.Document{"name": "p", "tasks": []any{task.ID()}}, store.Options{User: user})
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	got, _ := svc.Get(ctx, "task", task.ID(), store.Options{User: user})
	if got["project"] != project.ID() {
		t.Fatalf("task project: %v", got["project"])
	}

	// Dropping the task from the list clears the single side.
	if _, err := svc.Set(ctx, "project", domain.Document{"_id": project.ID(), "tasks": []any{}}, store.Options{User: user}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	got, _ = svc.Get(ctx, "task", task.ID(), store.Options{User: user})
	if _, ok := got["project"]; ok {
		t.Fatalf("single side not cleared: %v", got["project"])
	}
}

func TestMissingOppositeIsANoOp(t *testing.T) {
	svc := newSyncedService(t)
	ctx := context.Background()

	task, err := svc.Set(ctx, "task", domain.Document{"title": "t", "project": "ghost"}, store.Options{User: user})
	if err != nil {
		t.Fatalf("dangling ref rejected: %v", err)
	}
	got, _ := svc.Get(ctx, "task", task.ID(), store.Options{User: user})
	if got["project"] != "ghost" {
		t.Fatalf("dangling ref rewritten: %v", got["project"])
	}
}

func TestUnrelatedUpdateLeavesOppositeUntouched(t *testing.T) {
	svc := newSyncedService(t)
	ctx := context.Background()

	project, _ := svc.Set(ctx, "project", domain.Document{"name": "p"}, store.Options{User: user})
	task, _ := svc.Set(ctx, "task", domain.Document{"title": "t", "project": project.ID()}, store.Options{User: user})

	before, _ := svc.Get(ctx, "project", project.ID(), store.Options{User: user})
	if _, err := svc.Set(ctx, "task", domain.Document{"_id": task.ID(), "title": "renamed"}, store.Options{User: user}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	after, _ := svc.Get(ctx, "project", project.ID(), store.Options{User: user})
	if after.Version() != before.Version() {
		t.Fatalf("opposite rewritten without a ref change: %d -> %d", before.Version(), after.Version())
	}
}
