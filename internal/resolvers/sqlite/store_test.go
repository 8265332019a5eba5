package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"loomcore/pkg/instance"
	"loomcore/pkg/path"
	"loomcore/pkg/resolver"
)

func projectInstance(id string) *instance.Instance {
	p := path.Root("lab", "Project", id)
	return &instance.Instance{
		FQName: "lab/Project",
		Attrs:  map[string]any{"id": id, instance.AttrPath: p.Encode()},
		Path:   p,
	}
}

func openStore(t *testing.T, dbPath string) *Store {
	t.Helper()
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%s): %v", dbPath, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func session(t *testing.T, store *Store) *Session {
	t.Helper()
	s, ok := store.Factory()().(*Session)
	if !ok {
		t.Fatal("factory did not produce a sqlite session")
	}
	return s
}

func TestPersistedStateSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store := openStore(t, dbPath)
	s := session(t, store)
	if _, err := s.CreateInstance(ctx, resolver.Request{Instance: projectInstance("p1")}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openStore(t, dbPath)
	rows, err := session(t, reopened).QueryInstances(ctx, resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(rows) != 1 || rows[0].Attrs["id"] != "p1" {
		t.Fatalf("rows after reopen = %+v, want one p1 row", rows)
	}
}

func TestTransactionalWritesPersistAtCommit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store := openStore(t, dbPath)
	s := session(t, store)
	txn, err := s.StartTransaction(ctx)
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if _, err := s.CreateInstance(ctx, resolver.Request{Instance: projectInstance("p1"), Txn: txn}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	// Staged writes must not reach the database before commit.
	probe := openStore(t, store.Path())
	rows, err := session(t, probe).QueryInstances(ctx, resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("uncommitted write reached disk: %d rows", len(rows))
	}

	if err := s.CommitTransaction(ctx, txn); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openStore(t, dbPath)
	rows, err = session(t, reopened).QueryInstances(ctx, resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows after commit and reopen = %d, want 1", len(rows))
	}
}

func TestRolledBackWritesNeverPersist(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store := openStore(t, dbPath)
	s := session(t, store)
	txn, err := s.StartTransaction(ctx)
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if _, err := s.CreateInstance(ctx, resolver.Request{Instance: projectInstance("p1"), Txn: txn}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := s.RollbackTransaction(ctx, txn); err != nil {
		t.Fatalf("RollbackTransaction: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openStore(t, dbPath)
	rows, err := session(t, reopened).QueryInstances(ctx, resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rolled-back write survived reopen: %d rows", len(rows))
	}
}

func TestSoftDeletePersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store := openStore(t, dbPath)
	s := session(t, store)
	if _, err := s.CreateInstance(ctx, resolver.Request{Instance: projectInstance("p1")}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if _, err := s.DeleteInstance(ctx, resolver.Request{Instance: projectInstance("p1")}); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openStore(t, dbPath)
	all, err := session(t, reopened).QueryInstances(ctx, resolver.Request{
		Instance: &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{}},
		QueryAll: true,
	})
	if err != nil {
		t.Fatalf("QueryInstances: %v", err)
	}
	if len(all) != 1 || !all[0].Deleted {
		t.Fatalf("rows after reopen = %+v, want one soft-deleted row", all)
	}
}
