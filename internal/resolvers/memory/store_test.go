package memory

import (
	"context"
	"encoding/json"
	"testing"

	"loomcore/pkg/instance"
	"loomcore/pkg/path"
	"loomcore/pkg/resolver"
)

func projectInstance(id string, attrs map[string]any) *instance.Instance {
	p := path.Root("lab", "Project", id)
	all := map[string]any{"id": id, instance.AttrPath: p.Encode()}
	for k, v := range attrs {
		all[k] = v
	}
	return &instance.Instance{FQName: "lab/Project", Attrs: all, Path: p}
}

func mustCreate(t *testing.T, s *Session, req resolver.Request) *instance.Instance {
	t.Helper()
	out, err := s.CreateInstance(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	return out
}

func TestCreateConflictAndResurrect(t *testing.T) {
	store := NewStore()
	session := store.Session()
	ctx := context.Background()

	mustCreate(t, session, resolver.Request{Instance: projectInstance("p1", map[string]any{"name": "Apollo"})})
	if _, err := session.CreateInstance(ctx, resolver.Request{Instance: projectInstance("p1", nil)}); err == nil {
		t.Fatal("expected conflict creating over a live record")
	}

	gone, err := session.DeleteInstance(ctx, resolver.Request{Instance: projectInstance("p1", nil)})
	if err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if !gone.Deleted || gone.Attrs[instance.AttrIsDeleted] != true {
		t.Fatalf("delete result not marked deleted: %+v", gone)
	}

	rows, err := session.QueryInstances(ctx, resolver.Request{Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}}})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("soft-deleted record visible in default query: %d rows", len(rows))
	}
	all, err := session.QueryInstances(ctx, resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}},
		QueryAll: true,
	})
	if err != nil {
		t.Fatalf("QueryInstances all: %v", err)
	}
	if len(all) != 1 || !all[0].Deleted {
		t.Fatalf("QueryAll rows = %+v, want one deleted row", all)
	}

	// The key resurrects on a fresh create.
	mustCreate(t, session, resolver.Request{Instance: projectInstance("p1", map[string]any{"name": "Artemis"})})
	rows, err = session.QueryInstances(ctx, resolver.Request{Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}}})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(rows) != 1 || rows[0].Attrs["name"] != "Artemis" {
		t.Fatalf("resurrected rows = %+v, want one Artemis row", rows)
	}
}

func TestQueryInsertionOrder(t *testing.T) {
	store := NewStore()
	session := store.Session()
	for _, id := range []string{"z", "a", "m"} {
		mustCreate(t, session, resolver.Request{Instance: projectInstance(id, nil)})
	}
	rows, err := session.QueryInstances(context.Background(), resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	for i, want := range []string{"z", "a", "m"} {
		if rows[i].Attrs["id"] != want {
			t.Fatalf("row %d id = %v, want %s", i, rows[i].Attrs["id"], want)
		}
	}
}

func TestUpdateByFilter(t *testing.T) {
	store := NewStore()
	session := store.Session()
	mustCreate(t, session, resolver.Request{Instance: projectInstance("p1", map[string]any{"name": "Apollo"})})

	updated, err := session.UpdateInstance(context.Background(), resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{"name": "Apollo"}},
		NewAttrs: map[string]any{"name": "Gemini"},
	})
	if err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}
	if updated.Attrs["name"] != "Gemini" {
		t.Fatalf("updated name = %v, want Gemini", updated.Attrs["name"])
	}

	missing, err := session.UpdateInstance(context.Background(), resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{"name": "Nobody"}},
		NewAttrs: map[string]any{"name": "X"},
	})
	if err != nil {
		t.Fatalf("UpdateInstance miss: %v", err)
	}
	if missing != nil {
		t.Fatalf("update of absent record returned %+v, want nil", missing)
	}
}

func TestTransactionOverlay(t *testing.T) {
	store := NewStore()
	session := store.Session()
	ctx := context.Background()

	txn, err := session.StartTransaction(ctx)
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	mustCreate(t, session, resolver.Request{Instance: projectInstance("p1", nil), Txn: txn})

	outside, err := session.QueryInstances(ctx, resolver.Request{Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}}})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(outside) != 0 {
		t.Fatalf("staged write visible outside transaction: %d rows", len(outside))
	}
	inside, err := session.QueryInstances(ctx, resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}},
		Txn:      txn,
	})
	if err != nil {
		t.Fatalf("QueryInstances txn: %v", err)
	}
	if len(inside) != 1 {
		t.Fatalf("staged write invisible inside transaction: %d rows", len(inside))
	}

	if err := session.RollbackTransaction(ctx, txn); err != nil {
		t.Fatalf("RollbackTransaction: %v", err)
	}
	after, err := session.QueryInstances(ctx, resolver.Request{Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}}})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("rolled-back write persisted: %d rows", len(after))
	}

	txn2, err := session.StartTransaction(ctx)
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	mustCreate(t, session, resolver.Request{Instance: projectInstance("p2", nil), Txn: txn2})
	if err := session.CommitTransaction(ctx, txn2); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	committed, err := session.QueryInstances(ctx, resolver.Request{Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}}})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(committed) != 1 || committed[0].Attrs["id"] != "p2" {
		t.Fatalf("committed rows = %+v, want one p2 row", committed)
	}

	if err := session.CommitTransaction(ctx, txn2); err == nil {
		t.Fatal("expected error committing an unknown transaction")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewStore()
	session := store.Session()
	for _, id := range []string{"a", "b"} {
		mustCreate(t, session, resolver.Request{Instance: projectInstance(id, map[string]any{"name": id})})
	}

	raw, err := session.ExportSnapshot(context.Background())
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	restored := NewStore()
	restored.ImportState(snap)
	rows, err := restored.Session().QueryInstances(context.Background(), resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(rows) != 2 || rows[0].Attrs["id"] != "a" || rows[1].Attrs["id"] != "b" {
		t.Fatalf("restored rows = %+v, want a then b", rows)
	}

	// Sequence numbering continues past the imported state.
	mustCreate(t, restored.Session(), resolver.Request{Instance: projectInstance("c", nil)})
	rows, err = restored.Session().QueryInstances(context.Background(), resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(rows) != 3 || rows[2].Attrs["id"] != "c" {
		t.Fatalf("rows after import+create = %+v, want c last", rows)
	}
}
