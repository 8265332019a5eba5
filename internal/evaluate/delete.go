package evaluate

import (
	"context"
	"fmt"

	"loomcore/pkg/instance"
	"loomcore/pkg/resolver"
)

// deleteRoots deletes every root matching the pattern's filters. Contains
// relationships imply cascade delete: the containment forest drives a
// depth-first removal of children before each root.
func (e *Evaluator) deleteRoots(ctx context.Context, ev *evaluation, p Pattern) ([]*instance.Instance, error) {
	class := instance.Classify(p.Attrs)
	if len(class.Sets) > 0 {
		return nil, fmt.Errorf("evaluate: delete pattern carries unmarked attributes; mark filters with %q", instance.QueryMarker)
	}
	target, err := instance.New(e.schemas, p.Target, class.Filters)
	if err != nil {
		return nil, err
	}
	if err := e.attachRootPath(target); err != nil {
		return nil, err
	}
	rows, err := e.dispatcher.Query(ctx, ev.request(target))
	if err != nil {
		return nil, err
	}

	var deleted []*instance.Instance
	for _, row := range rows {
		if err := e.decodeRowPath(row); err != nil {
			return nil, err
		}
		if err := e.cascadeDelete(ctx, ev, row); err != nil {
			return nil, err
		}
		gone, err := e.dispatcher.Delete(ctx, deleteRequest(ev, row))
		if err != nil {
			return nil, err
		}
		if gone != nil {
			gone.Deleted = true
			deleted = append(deleted, gone)
		}
	}
	return deleted, nil
}

func deleteRequest(ev *evaluation, row *instance.Instance) resolver.Request {
	req := ev.request(row)
	req.Auth.ReadForDelete = true
	return req
}

// cascadeDelete removes every contained descendant of row, children before
// parents, following the containment forest of the row's module.
func (e *Evaluator) cascadeDelete(ctx context.Context, ev *evaluation, row *instance.Instance) error {
	if e.graphs == nil || row.Path.IsZero() {
		return nil
	}
	forest, ok := e.graphs.Forest(row.Path.Module())
	if !ok {
		return nil
	}
	for _, edge := range forest.Children(row.FQName) {
		childFilter, err := instance.New(e.schemas, edge.Child, nil)
		if err != nil {
			// A child declared in a module that is not loaded is a schema
			// bug; surface it rather than leaving orphans silently.
			return fmt.Errorf("cascade %s: %w", edge.Relationship, err)
		}
		childFilter.Attrs[instance.AttrParent] = row.Path.Encode()
		children, err := e.dispatcher.Query(ctx, ev.request(childFilter))
		if err != nil {
			return &LinkError{Relationship: edge.Relationship, Entity: edge.Child, Err: err}
		}
		for _, child := range children {
			if err := e.decodeRowPath(child); err != nil {
				return err
			}
			if err := e.cascadeDelete(ctx, ev, child); err != nil {
				return err
			}
			if _, err := e.dispatcher.Delete(ctx, deleteRequest(ev, child)); err != nil {
				return &LinkError{Relationship: edge.Relationship, Entity: edge.Child, Err: err}
			}
		}
	}
	return nil
}
