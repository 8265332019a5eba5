// Package graph builds the per-module containment forest derived from
// Contains relationship declarations. Between relationships are excluded;
// they resolve through join-record lookups at dispatch time, not by path
// nesting.
package graph

import (
	"sort"

	"loomcore/pkg/schema"
)

// Node is one entity in the containment forest, keyed by its module-qualified
// entity path. Nodes and edges use value-equality string keys throughout so
// rebuilds never depend on pointer identity.
type Node struct {
	// Entity is the module-qualified entity name, e.g. "mod/A".
	Entity string
	// Edges are the Contains relationships rooted at this entity, sorted by
	// relationship name for deterministic traversal.
	Edges []Edge
}

// Edge connects a parent node to a contained child entity.
type Edge struct {
	Relationship string
	Child        string
}

// Forest is the immutable per-module containment structure. It is rebuilt
// wholesale on every module (re)load; staleness is never tolerated over the
// bounded rebuild cost.
type Forest struct {
	module string
	nodes  map[string]*Node
	// roots are entities of the module that never appear as a Contains
	// child anywhere.
	roots []string
	// childOf maps a child entity to the relationships containing it.
	childOf map[string][]Edge
}

// Build collects every Contains relationship declared anywhere whose parent
// entity belongs to module and assembles the forest. Acyclicity is
// guaranteed by construction: the schema registry rejects containment cycles
// at declaration time.
func Build(reg *schema.Registry, module string) (*Forest, error) {
	entries, err := reg.Entries(module)
	if err != nil {
		return nil, err
	}
	f := &Forest{
		module:  module,
		nodes:   make(map[string]*Node),
		childOf: make(map[string][]Edge),
	}
	for _, entry := range entries {
		if entry.Kind != schema.KindEntity {
			continue
		}
		fq := entry.FQName()
		f.nodes[fq] = &Node{Entity: fq}
	}

	contained := make(map[string]struct{})
	for _, rel := range reg.Relationships() {
		if rel.Kind != schema.Contains {
			continue
		}
		parent, ok := f.nodes[rel.Parent]
		if !ok {
			// Parent lives in another module; only record child-side
			// membership for root computation.
			if _, local := f.nodes[rel.Child]; local {
				contained[rel.Child] = struct{}{}
				f.childOf[rel.Child] = append(f.childOf[rel.Child], Edge{Relationship: rel.Name, Child: rel.Child})
			}
			continue
		}
		edge := Edge{Relationship: rel.Name, Child: rel.Child}
		parent.Edges = append(parent.Edges, edge)
		contained[rel.Child] = struct{}{}
		f.childOf[rel.Child] = append(f.childOf[rel.Child], edge)
	}

	for _, node := range f.nodes {
		sort.Slice(node.Edges, func(i, j int) bool {
			return node.Edges[i].Relationship < node.Edges[j].Relationship
		})
	}
	for fq := range f.nodes {
		if _, isChild := contained[fq]; !isChild {
			f.roots = append(f.roots, fq)
		}
	}
	sort.Strings(f.roots)
	return f, nil
}

// Module returns the module the forest was built for.
func (f *Forest) Module() string { return f.module }

// Roots returns entities that never appear as a Contains child, sorted.
func (f *Forest) Roots() []string {
	out := make([]string, len(f.roots))
	copy(out, f.roots)
	return out
}

// Node returns the forest node for a module-qualified entity name.
func (f *Forest) Node(entity string) (*Node, bool) {
	n, ok := f.nodes[entity]
	return n, ok
}

// Children returns the Contains edges rooted at entity, in relationship-name
// order.
func (f *Forest) Children(entity string) []Edge {
	n, ok := f.nodes[entity]
	if !ok {
		return nil
	}
	out := make([]Edge, len(n.Edges))
	copy(out, n.Edges)
	return out
}

// IsContainedChild reports whether entity appears as a Contains child of any
// relationship known to the forest.
func (f *Forest) IsContainedChild(entity string) bool {
	_, ok := f.childOf[entity]
	return ok
}

// Walk visits every node reachable from the forest roots depth-first,
// children in relationship-name order. The visit order is deterministic
// across rebuilds.
func (f *Forest) Walk(visit func(entity string, depth int)) {
	var walk func(entity string, depth int)
	walk = func(entity string, depth int) {
		visit(entity, depth)
		node, ok := f.nodes[entity]
		if !ok {
			return
		}
		for _, edge := range node.Edges {
			walk(edge.Child, depth+1)
		}
	}
	for _, root := range f.roots {
		walk(root, 0)
	}
}
