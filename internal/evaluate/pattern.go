// Package evaluate turns one parsed CRUD operation, optionally carrying
// nested relationship links, into a sequence of dispatch calls and assembles
// the result tree.
package evaluate

import (
	"fmt"

	"loomcore/pkg/instance"
)

// Action names the operation a pattern performs.
type Action string

// Pattern actions.
const (
	ActionCreate Action = "create"
	ActionUpsert Action = "upsert"
	ActionUpdate Action = "update"
	ActionQuery  Action = "query"
	ActionDelete Action = "delete"
)

// Link requests work against a related entity under a named relationship.
type Link struct {
	// Relationship is the declared relationship name; bare names are
	// resolved across modules, module-qualified names directly.
	Relationship string
	// Target optionally overrides the linked entity; defaults to the
	// relationship's child participant.
	Target string
	// Attrs are the linked instance's attributes (create) or filters
	// (query), using the same query-marker convention as the root.
	Attrs map[string]any
	// Query requests nested fetching for this link during query patterns.
	Query bool
	// JoinAttrs carries join-only attributes for Between relationships.
	JoinAttrs map[string]any
	// Links nests deeper relationship work; depth is bounded strictly by
	// this explicit chain, never the full schema graph.
	Links []Link
}

// Pattern is one parsed operation for a root entity.
type Pattern struct {
	Action Action
	// Target is the module-qualified root entity name.
	Target string
	Attrs  map[string]any
	Links  []Link
	// Transactional requests a shared transaction for the whole pattern.
	// When any touched resolver lacks transaction support the evaluation
	// degrades to auto-commit per call.
	Transactional bool
}

// Result is the assembled outcome of one pattern evaluation. Create, update
// and delete yield a single root; query yields one instance per result row.
// Nested results hang off each instance's Related map as a tree.
type Result struct {
	Instances []*instance.Instance
}

// Root returns the single root instance for non-query patterns.
func (r *Result) Root() *instance.Instance {
	if len(r.Instances) == 0 {
		return nil
	}
	return r.Instances[0]
}

// LinkError names the failing link of a multi-link pattern. Without an
// active transaction, ancestors created before the failure remain: the
// documented non-atomic fallback, reported, never silently patched over.
type LinkError struct {
	Relationship string
	Entity       string
	Err          error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s (%s): %v", e.Relationship, e.Entity, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }
