package graph

import (
	"reflect"
	"testing"

	"go.uber.org/zap"

	"loomcore/pkg/schema"
)

func buildRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry(zap.NewNop().Sugar())
	if err := reg.AddModule("mod"); err != nil {
		t.Fatalf("AddModule: %v", err)
	}
	for _, name := range []string{"A", "B", "C", "D"} {
		if err := reg.AddEntity("mod", name, []schema.AttributeSpec{{Name: "id", Type: schema.TypeString, IsID: true}}); err != nil {
			t.Fatalf("AddEntity %s: %v", name, err)
		}
	}
	rels := []schema.Relationship{
		{Module: "mod", Name: "AB", Kind: schema.Contains, Parent: "mod/A", Child: "mod/B"},
		{Module: "mod", Name: "AC", Kind: schema.Contains, Parent: "mod/A", Child: "mod/C"},
		{Module: "mod", Name: "BD", Kind: schema.Contains, Parent: "mod/B", Child: "mod/D"},
		{Module: "mod", Name: "Assoc", Kind: schema.Between, Parent: "mod/A", Child: "mod/D"},
	}
	for _, rel := range rels {
		if err := reg.AddRelationship(rel); err != nil {
			t.Fatalf("AddRelationship %s: %v", rel.Name, err)
		}
	}
	return reg
}

func TestBuildRootsAndEdges(t *testing.T) {
	forest, err := Build(buildRegistry(t), "mod")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := forest.Roots(); !reflect.DeepEqual(got, []string{"mod/A"}) {
		t.Fatalf("roots = %v", got)
	}
	edges := forest.Children("mod/A")
	if len(edges) != 2 || edges[0].Relationship != "AB" || edges[1].Relationship != "AC" {
		t.Fatalf("edges of A = %v", edges)
	}
	if got := forest.Children("mod/B"); len(got) != 1 || got[0].Child != "mod/D" {
		t.Fatalf("edges of B = %v", got)
	}
}

func TestBetweenExcludedFromContainment(t *testing.T) {
	forest, err := Build(buildRegistry(t), "mod")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// D is contained via BD only; the Assoc association must not add edges.
	for _, e := range forest.Children("mod/A") {
		if e.Relationship == "Assoc" {
			t.Fatalf("association leaked into containment edges")
		}
	}
	if !forest.IsContainedChild("mod/D") {
		t.Fatalf("D should be a contained child via BD")
	}
	if forest.IsContainedChild("mod/A") {
		t.Fatalf("A is a root, not a contained child")
	}
}

func TestWalkIsDeterministicDepthFirst(t *testing.T) {
	forest, err := Build(buildRegistry(t), "mod")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var visited []string
	forest.Walk(func(entity string, depth int) {
		visited = append(visited, entity)
	})
	want := []string{"mod/A", "mod/B", "mod/D", "mod/C"}
	if !reflect.DeepEqual(visited, want) {
		t.Fatalf("walk order = %v, want %v", visited, want)
	}
}

func TestBuildUnknownModule(t *testing.T) {
	reg := schema.NewRegistry(zap.NewNop().Sugar())
	if _, err := Build(reg, "ghost"); err == nil {
		t.Fatalf("expected error for unknown module")
	}
}
