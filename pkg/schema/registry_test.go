package schema

import (
	"testing"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zap.NewNop().Sugar())
}

func addEntity(t *testing.T, reg *Registry, module, name string, attrs ...AttributeSpec) {
	t.Helper()
	if err := reg.AddEntity(module, name, attrs); err != nil {
		t.Fatalf("AddEntity(%s/%s): %v", module, name, err)
	}
}

func TestAddModuleResetsDeclarations(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.AddModule("lab"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	addEntity(t, reg, "lab", "Project", AttributeSpec{Name: "id", Type: TypeString, IsID: true})
	if err := reg.AddModule("lab"); err != nil {
		t.Fatalf("re-add module: %v", err)
	}
	if _, err := reg.GetEntry("lab/Project"); err == nil {
		t.Fatalf("re-adding a module must drop its entries")
	}
}

func TestDuplicateEntryNameFails(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.AddModule("lab"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	addEntity(t, reg, "lab", "Project", AttributeSpec{Name: "id", Type: TypeString, IsID: true})
	err := reg.AddRecord("lab", "Project", []AttributeSpec{{Name: "note", Type: TypeString}})
	if !IsCode(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestMultipleIDAttributesFail(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.AddModule("lab"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	err := reg.AddEntity("lab", "Project", []AttributeSpec{
		{Name: "id", Type: TypeString, IsID: true},
		{Name: "alt", Type: TypeString, IsID: true},
	})
	if !IsCode(err, ErrMultipleIDs) {
		t.Fatalf("expected ErrMultipleIDs, got %v", err)
	}
}

func TestUnknownBareTypeFailsHard(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.AddModule("lab"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	err := reg.AddEntity("lab", "Project", []AttributeSpec{{Name: "x", Type: "Nonsense"}})
	if !IsCode(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestUnresolvedCrossModuleReferenceIsTolerated(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.AddModule("lab"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	// other/Sample is not loaded yet; declaration must still succeed so
	// modules can be registered in any order.
	addEntity(t, reg, "lab", "Project",
		AttributeSpec{Name: "id", Type: TypeString, IsID: true},
		AttributeSpec{Name: "sample", Type: "other/Sample"},
	)
}

func TestContainmentCycleRejected(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.AddModule("mod"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	addEntity(t, reg, "mod", "A", AttributeSpec{Name: "id", Type: TypeString, IsID: true})
	addEntity(t, reg, "mod", "B", AttributeSpec{Name: "id", Type: TypeString, IsID: true})
	if err := reg.AddRelationship(Relationship{Module: "mod", Name: "AB", Kind: Contains, Parent: "mod/A", Child: "mod/B"}); err != nil {
		t.Fatalf("AB: %v", err)
	}
	err := reg.AddRelationship(Relationship{Module: "mod", Name: "BA", Kind: Contains, Parent: "mod/B", Child: "mod/A"})
	if !IsCode(err, ErrContainmentCycle) {
		t.Fatalf("expected ErrContainmentCycle, got %v", err)
	}
}

func TestBetweenDefaultsToOneToMany(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.AddModule("mod"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	addEntity(t, reg, "mod", "A", AttributeSpec{Name: "id", Type: TypeString, IsID: true})
	addEntity(t, reg, "mod", "B", AttributeSpec{Name: "id", Type: TypeString, IsID: true})
	if err := reg.AddRelationship(Relationship{Module: "mod", Name: "Assoc", Kind: Between, Parent: "mod/A", Child: "mod/B"}); err != nil {
		t.Fatalf("AddRelationship: %v", err)
	}
	rel, err := reg.GetRelationship("mod/Assoc")
	if err != nil {
		t.Fatalf("GetRelationship: %v", err)
	}
	if rel.Cardinality != OneToMany {
		t.Fatalf("cardinality = %q", rel.Cardinality)
	}
}

func TestRelationshipByBareName(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.AddModule("mod"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	addEntity(t, reg, "mod", "A", AttributeSpec{Name: "id", Type: TypeString, IsID: true})
	addEntity(t, reg, "mod", "B", AttributeSpec{Name: "id", Type: TypeString, IsID: true})
	if err := reg.AddRelationship(Relationship{Module: "mod", Name: "AB", Kind: Contains, Parent: "mod/A", Child: "mod/B"}); err != nil {
		t.Fatalf("AddRelationship: %v", err)
	}
	rel, ok := reg.RelationshipByName("AB")
	if !ok || rel.FQName() != "mod/AB" {
		t.Fatalf("RelationshipByName: %v %v", rel, ok)
	}
	if _, ok := reg.RelationshipByName("missing"); ok {
		t.Fatalf("missing relationship should not resolve")
	}
}

func TestEntriesPreserveDeclarationOrder(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.AddModule("mod"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	names := []string{"Zeta", "Alpha", "Mid"}
	for _, n := range names {
		addEntity(t, reg, "mod", n, AttributeSpec{Name: "id", Type: TypeString, IsID: true})
	}
	entries, err := reg.Entries("mod")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != len(names) {
		t.Fatalf("got %d entries", len(entries))
	}
	for i, e := range entries {
		if e.Name != names[i] {
			t.Fatalf("entries[%d] = %s, want %s", i, e.Name, names[i])
		}
	}
}

func TestWorkflowPairsWithEvent(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.AddModule("mod"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	if err := reg.AddEvent("mod", "Approved", []AttributeSpec{{Name: "at", Type: TypeDateTime}}); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := reg.AddWorkflow("mod", "Approved", "Approved", []string{"draft", "approved"}); err != nil {
		t.Fatalf("AddWorkflow: %v", err)
	}
}

func TestSplitFQName(t *testing.T) {
	cases := []struct {
		in           string
		module, name string
		ok           bool
	}{
		{"lab/Project", "lab", "Project", true},
		{"lab.Project", "lab", "Project", true},
		{"Project", "", "", false},
		{"/Project", "", "", false},
		{"lab/", "", "", false},
	}
	for _, c := range cases {
		module, name, ok := SplitFQName(c.in)
		if module != c.module || name != c.name || ok != c.ok {
			t.Fatalf("SplitFQName(%q) = %q %q %v", c.in, module, name, ok)
		}
	}
}
