package evaluate

import (
	"context"
	"fmt"

	"loomcore/pkg/instance"
	"loomcore/pkg/path"
	"loomcore/pkg/schema"
)

// queryRoot executes the root query first, then fetches nested links one
// resolver call per relationship per row. Nesting depth is bounded strictly
// by the relationship chain explicitly present in the pattern, never the
// full schema graph. Result ordering from each resolver call is preserved
// verbatim; the evaluator never re-sorts.
func (e *Evaluator) queryRoot(ctx context.Context, ev *evaluation, p Pattern) ([]*instance.Instance, error) {
	class := instance.Classify(p.Attrs)
	if len(class.Sets) > 0 {
		return nil, fmt.Errorf("evaluate: query pattern carries unmarked attributes; mark filters with %q", instance.QueryMarker)
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
	for _, row := range rows {
		if err := e.decodeRowPath(row); err != nil {
			return nil, err
		}
		if err := e.queryLinks(ctx, ev, row, p.Links); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// decodeRowPath restores the structured path from the reserved attribute a
// resolver persisted with the row.
func (e *Evaluator) decodeRowPath(row *instance.Instance) error {
	if !row.Path.IsZero() {
		return nil
	}
	raw, ok := row.Attrs[instance.AttrPath].(string)
	if !ok || raw == "" {
		return nil
	}
	decoded, err := path.Decode(raw)
	if err != nil {
		return fmt.Errorf("row path: %w", err)
	}
	row.Path = decoded
	return nil
}

func (e *Evaluator) queryLinks(ctx context.Context, ev *evaluation, row *instance.Instance, links []Link) error {
	for _, link := range links {
		if !link.Query {
			continue
		}
		rel, target, err := e.resolveLink(link)
		if err != nil {
			return err
		}
		children, err := e.queryLink(ctx, ev, row, rel, target, link)
		if err != nil {
			return &LinkError{Relationship: rel.Name, Entity: target, Err: err}
		}
		if row.Related == nil {
			row.Related = make(map[string][]*instance.Instance)
		}
		row.Related[rel.Name] = children
		for _, child := range children {
			if err := e.queryLinks(ctx, ev, child, link.Links); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Evaluator) queryLink(ctx context.Context, ev *evaluation, row *instance.Instance, rel *schema.Relationship, target string, link Link) ([]*instance.Instance, error) {
	class := instance.Classify(link.Attrs)
	switch rel.Kind {
	case schema.Contains:
		return e.queryContained(ctx, ev, row, target, rel, class.Filters)
	case schema.Between:
		return e.queryAssociated(ctx, ev, row, target, rel, class.Filters)
	default:
		return nil, fmt.Errorf("unknown relationship kind %q", rel.Kind)
	}
}

// queryContained scopes the child query by the parent's path: one resolver
// call for this relationship and row.
func (e *Evaluator) queryContained(ctx context.Context, ev *evaluation, row *instance.Instance, target string, rel *schema.Relationship, filters map[string]any) ([]*instance.Instance, error) {
	child, err := instance.New(e.schemas, target, filters)
	if err != nil {
		return nil, err
	}
	if row.Path.IsZero() {
		return nil, fmt.Errorf("parent row for %s carries no path", rel.Name)
	}
	child.Attrs[instance.AttrParent] = row.Path.Encode()
	children, err := e.dispatcher.Query(ctx, ev.request(child))
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if err := e.decodeRowPath(c); err != nil {
			return nil, err
		}
	}
	return children, nil
}

// queryAssociated resolves a Between link through its join records: one
// lookup keyed by the relationship name, then one fetch per associated path.
// Each related instance stays independently addressable at its own top-level
// path.
func (e *Evaluator) queryAssociated(ctx context.Context, ev *evaluation, row *instance.Instance, target string, rel *schema.Relationship, filters map[string]any) ([]*instance.Instance, error) {
	joinFilter := &instance.Instance{
		FQName: rel.FQName(),
		Attrs:  map[string]any{joinLeft: row.Path.Encode()},
	}
	joins, err := e.dispatcher.Query(ctx, ev.request(joinFilter))
	if err != nil {
		return nil, err
	}
	var out []*instance.Instance
	for _, join := range joins {
		right, ok := join.Attrs[joinRight].(string)
		if !ok || right == "" {
			continue
		}
		child, err := instance.New(e.schemas, target, filters)
		if err != nil {
			return nil, err
		}
		child.Attrs[instance.AttrPath] = right
		matches, err := e.dispatcher.Query(ctx, ev.request(child))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if err := e.decodeRowPath(m); err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}
