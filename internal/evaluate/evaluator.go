package evaluate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"loomcore/internal/dispatch"
	"loomcore/internal/graph"
	"loomcore/internal/rules"
	"loomcore/internal/txn"
	"loomcore/pkg/instance"
	"loomcore/pkg/path"
	"loomcore/pkg/resolver"
	"loomcore/pkg/schema"
)

// GraphProvider supplies the containment forest for a module. The runtime
// rebuilds forests on module (re)load; the evaluator only reads them.
type GraphProvider interface {
	Forest(module string) (*graph.Forest, bool)
}

// Evaluator executes patterns against the resolver registry. Nested link
// dispatches run depth-first, one link at a time, so cascading writes have
// deterministic side-effect ordering.
type Evaluator struct {
	schemas    *schema.Registry
	dispatcher *dispatch.Dispatcher
	graphs     GraphProvider
	checks     *rules.Engine
	logger     *zap.SugaredLogger
}

// New wires an evaluator. checks may be nil to disable check expressions.
func New(schemas *schema.Registry, dispatcher *dispatch.Dispatcher, graphs GraphProvider, checks *rules.Engine, logger *zap.SugaredLogger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Evaluator{schemas: schemas, dispatcher: dispatcher, graphs: graphs, checks: checks, logger: logger}
}

// evaluation carries the per-pattern state: auth context and the optional
// shared transaction. It lives for exactly one Evaluate call.
type evaluation struct {
	auth resolver.AuthContext
	coor *txn.Coordinator
}

func (ev *evaluation) request(inst *instance.Instance) resolver.Request {
	req := resolver.Request{Auth: ev.auth, Instance: inst}
	if ev.coor != nil {
		req.Txn = ev.coor.IDFor(inst.FQName)
	}
	return req
}

// Evaluate runs one pattern. The attribute duality (query marker) is
// resolved here, once, and never re-interpreted downstream.
func (e *Evaluator) Evaluate(ctx context.Context, auth resolver.AuthContext, p Pattern) (*Result, error) {
	ev := &evaluation{auth: auth}
	if p.Transactional {
		ev.coor = txn.NewCoordinator(e.dispatcher.Registry(), e.logger)
		touched, err := e.touchedResolvers(p)
		if err != nil {
			return nil, err
		}
		if err := ev.coor.Begin(ctx, touched); err != nil {
			return nil, err
		}
	}

	result, err := e.evaluate(ctx, ev, p)
	if err != nil {
		if ev.coor != nil {
			ev.coor.Rollback(ctx)
		}
		return nil, err
	}
	if ev.coor != nil {
		if err := ev.coor.Commit(ctx); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Evaluator) evaluate(ctx context.Context, ev *evaluation, p Pattern) (*Result, error) {
	switch p.Action {
	case ActionCreate, ActionUpsert:
		root, err := e.createRoot(ctx, ev, p)
		if err != nil {
			return nil, err
		}
		if root == nil {
			return &Result{}, nil
		}
		return &Result{Instances: []*instance.Instance{root}}, nil
	case ActionQuery:
		rows, err := e.queryRoot(ctx, ev, p)
		if err != nil {
			return nil, err
		}
		return &Result{Instances: rows}, nil
	case ActionUpdate:
		updated, err := e.updateRoot(ctx, ev, p)
		if err != nil {
			return nil, err
		}
		if updated == nil {
			return &Result{}, nil
		}
		return &Result{Instances: []*instance.Instance{updated}}, nil
	case ActionDelete:
		deleted, err := e.deleteRoots(ctx, ev, p)
		if err != nil {
			return nil, err
		}
		return &Result{Instances: deleted}, nil
	default:
		return nil, fmt.Errorf("evaluate: unknown action %q", p.Action)
	}
}

// touchedResolvers collects every distinct resolver name the pattern will
// dispatch to: the root entity, each linked entity, and join records for
// Between links, recursively along the explicit link chain.
func (e *Evaluator) touchedResolvers(p Pattern) ([]string, error) {
	var names []string
	add := func(entityPath string) error {
		name, err := e.dispatcher.Registry().ResolverName(entityPath)
		if err != nil {
			return err
		}
		names = append(names, name)
		return nil
	}
	if err := add(p.Target); err != nil {
		return nil, err
	}
	var walk func(links []Link) error
	walk = func(links []Link) error {
		for _, link := range links {
			rel, target, err := e.resolveLink(link)
			if err != nil {
				return err
			}
			if err := add(target); err != nil {
				return err
			}
			if rel.Kind == schema.Between {
				if err := add(rel.FQName()); err != nil {
					return err
				}
			}
			if err := walk(link.Links); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(p.Links); err != nil {
		return nil, err
	}
	return names, nil
}

// resolveLink resolves the relationship declaration and the linked entity's
// module-qualified name.
func (e *Evaluator) resolveLink(link Link) (*schema.Relationship, string, error) {
	var rel *schema.Relationship
	if _, _, qualified := schema.SplitFQName(link.Relationship); qualified {
		found, err := e.schemas.GetRelationship(link.Relationship)
		if err != nil {
			return nil, "", err
		}
		rel = found
	} else {
		found, ok := e.schemas.RelationshipByName(link.Relationship)
		if !ok {
			return nil, "", fmt.Errorf("evaluate: unknown relationship %q", link.Relationship)
		}
		rel = found
	}
	target := link.Target
	if target == "" {
		target = rel.Child
	}
	return rel, target, nil
}

// buildForWrite validates attrs, applies declared defaults, generates a
// string id when the schema allows it, and computes the instance path.
func (e *Evaluator) buildForWrite(fqName string, attrs map[string]any, at path.Path, relName string) (*instance.Instance, error) {
	entry, err := e.schemas.GetEntry(fqName)
	if err != nil {
		return nil, err
	}
	inst, err := instance.New(e.schemas, fqName, attrs)
	if err != nil {
		return nil, err
	}
	for _, spec := range entry.Attributes {
		if spec.DefaultValue == nil {
			continue
		}
		if _, supplied := inst.Attrs[spec.Name]; !supplied {
			inst.Attrs[spec.Name] = spec.DefaultValue
		}
	}
	idSpec, hasID := entry.IDAttribute()
	if hasID {
		if _, supplied := inst.Attrs[idSpec.Name]; !supplied {
			if idSpec.Type != schema.TypeString {
				return nil, &instance.ValidationError{Kind: instance.InvalidValue, Entity: fqName, Key: idSpec.Name,
					Detail: "id attribute missing and only String ids are generated"}
			}
			inst.Attrs[idSpec.Name] = uuid.NewString()
		}
	}
	id, ok := inst.ID(entry)
	if !ok {
		return nil, &instance.ValidationError{Kind: instance.InvalidValue, Entity: fqName, Key: "id",
			Detail: "entity declares no id attribute"}
	}
	if at.IsZero() {
		inst.Path = path.Root(entry.Module, entry.Name, id)
	} else {
		inst.Path = at.Child(relName, entry.Name, id)
	}
	inst.Attrs[instance.AttrPath] = inst.Path.Encode()
	if parent := inst.Path.Parent(); !parent.IsZero() {
		inst.Attrs[instance.AttrParent] = parent.Encode()
	}
	return inst, nil
}

// runChecks evaluates schema-declared check expressions; blocking violations
// abort the pattern before any write is dispatched.
func (e *Evaluator) runChecks(ctx context.Context, inst *instance.Instance) error {
	if e.checks == nil {
		return nil
	}
	res, err := e.checks.Evaluate(ctx, inst)
	if err != nil {
		return err
	}
	for _, v := range res.Violations {
		if v.Severity == rules.SeverityWarn {
			e.logger.Warnw("check violation", "rule", v.Rule, "entity", v.Entity, "message", v.Message)
		}
	}
	if res.HasBlocking() {
		return rules.ViolationError{Result: res}
	}
	return nil
}

// createRoot implements create-with-links: root first, then each link
// depth-first, assembling the result tree under Related.
func (e *Evaluator) createRoot(ctx context.Context, ev *evaluation, p Pattern) (*instance.Instance, error) {
	class := instance.Classify(p.Attrs)
	if len(class.Filters) > 0 {
		return nil, fmt.Errorf("evaluate: %s pattern cannot carry query-marked attributes", p.Action)
	}
	root, err := e.buildForWrite(p.Target, class.Sets, path.Path{}, "")
	if err != nil {
		return nil, err
	}
	if err := e.runChecks(ctx, root); err != nil {
		return nil, err
	}

	created, err := e.dispatchWrite(ctx, ev, p.Action, root)
	if err != nil {
		// A root dispatch failure aborts the whole pattern with no
		// partial result.
		return nil, err
	}
	if created == nil {
		return nil, nil
	}
	created.Path = root.Path

	if err := e.createLinks(ctx, ev, created, p.Links); err != nil {
		return nil, err
	}
	return created, nil
}

func (e *Evaluator) dispatchWrite(ctx context.Context, ev *evaluation, action Action, inst *instance.Instance) (*instance.Instance, error) {
	req := ev.request(inst)
	if action == ActionUpsert {
		return e.dispatcher.Upsert(ctx, req)
	}
	return e.dispatcher.Create(ctx, req)
}

// createLinks dispatches each link in declaration order, depth-first. A
// failure surfaces as a LinkError naming the link; already-created ancestors
// are rolled back only when a shared transaction is active.
func (e *Evaluator) createLinks(ctx context.Context, ev *evaluation, parent *instance.Instance, links []Link) error {
	for _, link := range links {
		rel, target, err := e.resolveLink(link)
		if err != nil {
			return err
		}
		child, err := e.createLink(ctx, ev, parent, rel, target, link)
		if err != nil {
			return &LinkError{Relationship: rel.Name, Entity: target, Err: err}
		}
		if child == nil {
			continue
		}
		if parent.Related == nil {
			parent.Related = make(map[string][]*instance.Instance)
		}
		parent.Related[rel.Name] = append(parent.Related[rel.Name], child)
		if err := e.createLinks(ctx, ev, child, link.Links); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) createLink(ctx context.Context, ev *evaluation, parent *instance.Instance, rel *schema.Relationship, target string, link Link) (*instance.Instance, error) {
	class := instance.Classify(link.Attrs)
	if len(class.Filters) > 0 {
		return nil, fmt.Errorf("create link cannot carry query-marked attributes")
	}
	switch rel.Kind {
	case schema.Contains:
		// The child's path nests under the parent:
		// parentPath/<rel>/<childEntity>/<childID>. The child's resolver
		// may be an entirely different backend than the parent's.
		child, err := e.buildForWrite(target, class.Sets, parent.Path, rel.Name)
		if err != nil {
			return nil, err
		}
		if err := e.runChecks(ctx, child); err != nil {
			return nil, err
		}
		created, err := e.dispatcher.Create(ctx, ev.request(child))
		if err != nil {
			return nil, err
		}
		if created != nil {
			created.Path = child.Path
		}
		return created, nil
	case schema.Between:
		// Members keep independent top-level paths; association state is a
		// separate join record keyed by the relationship name.
		child, err := e.buildForWrite(target, class.Sets, path.Path{}, "")
		if err != nil {
			return nil, err
		}
		if err := e.runChecks(ctx, child); err != nil {
			return nil, err
		}
		created, err := e.dispatcher.Create(ctx, ev.request(child))
		if err != nil {
			return nil, err
		}
		if created != nil {
			created.Path = child.Path
		}
		if err := e.createJoinRecord(ctx, ev, rel, parent.Path, child.Path, link.JoinAttrs); err != nil {
			return nil, err
		}
		return created, nil
	default:
		return nil, fmt.Errorf("unknown relationship kind %q", rel.Kind)
	}
}

// Join record attribute names. Join records are addressed as instances of
// the relationship itself and routed through the binding for its qualified
// name (falling back to the default resolver).
const (
	joinLeft  = "__left__"
	joinRight = "__right__"
)

func (e *Evaluator) createJoinRecord(ctx context.Context, ev *evaluation, rel *schema.Relationship, left, right path.Path, joinAttrs map[string]any) error {
	attrs := map[string]any{
		joinLeft:  left.Encode(),
		joinRight: right.Encode(),
	}
	for key, value := range joinAttrs {
		if _, ok := joinAttribute(rel, key); !ok {
			return &instance.ValidationError{Kind: instance.InvalidAttribute, Entity: rel.FQName(), Key: key}
		}
		attrs[key] = value
	}
	join := &instance.Instance{
		FQName: rel.FQName(),
		Attrs:  attrs,
		Path:   path.Root(rel.Module, rel.Name, uuid.NewString()),
	}
	join.Attrs[instance.AttrPath] = join.Path.Encode()
	if _, err := e.dispatcher.Create(ctx, ev.request(join)); err != nil {
		return fmt.Errorf("join record for %s: %w", rel.Name, err)
	}
	return nil
}

func joinAttribute(rel *schema.Relationship, name string) (schema.AttributeSpec, bool) {
	for _, a := range rel.JoinAttributes {
		if a.Name == name {
			return a, true
		}
	}
	return schema.AttributeSpec{}, false
}

// updateRoot applies the SET half of a mixed pattern to instances matching
// the WHERE half.
func (e *Evaluator) updateRoot(ctx context.Context, ev *evaluation, p Pattern) (*instance.Instance, error) {
	class := instance.Classify(p.Attrs)
	if len(class.Sets) == 0 {
		return nil, fmt.Errorf("evaluate: update pattern carries no attributes to set")
	}
	target, err := instance.New(e.schemas, p.Target, class.Filters)
	if err != nil {
		return nil, err
	}
	if err := e.attachRootPath(target); err != nil {
		return nil, err
	}
	// Validate the SET half against the schema and checks before dispatch.
	setsInst, err := instance.New(e.schemas, p.Target, class.Sets)
	if err != nil {
		return nil, err
	}
	if err := e.runChecks(ctx, setsInst); err != nil {
		return nil, err
	}
	req := ev.request(target)
	req.Auth.ReadForUpdate = true
	req.NewAttrs = class.Sets
	return e.dispatcher.Update(ctx, req)
}

// attachRootPath computes the top-level path when the filter set pins the id
// attribute; resolvers receive it for direct addressing.
func (e *Evaluator) attachRootPath(inst *instance.Instance) error {
	entry, err := e.schemas.GetEntry(inst.FQName)
	if err != nil {
		return err
	}
	if id, ok := inst.ID(entry); ok {
		inst.Path = path.Root(entry.Module, entry.Name, id)
		inst.Attrs[instance.AttrPath] = inst.Path.Encode()
	}
	return nil
}
