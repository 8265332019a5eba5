// Package runtime assembles the engine: schema registry, containment
// graphs, resolver registry, dispatcher, check engine, and snapshot
// archive, all owned explicitly by one Runtime value. No package-level
// singletons; tests construct as many runtimes as they like.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"loomcore/internal/archive"
	"loomcore/internal/dispatch"
	"loomcore/internal/evaluate"
	"loomcore/internal/graph"
	"loomcore/internal/rules"
	"loomcore/pkg/instance"
	"loomcore/pkg/resolver"
	"loomcore/pkg/schema"
)

// Options configures a Runtime. The zero value is usable: nop logger, no
// metrics, no archive, auth not required.
type Options struct {
	Logger      *zap.SugaredLogger
	Metrics     dispatch.MetricsRecorder
	Archive     archive.Store
	RequireAuth bool
}

// Runtime owns all engine state for one deployment.
type Runtime struct {
	logger     *zap.SugaredLogger
	schemas    *schema.Registry
	resolvers  *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	checks     *rules.Engine
	evaluator  *evaluate.Evaluator
	archive    archive.Store

	mu      sync.RWMutex
	forests map[string]*graph.Forest
	closers []func() error
}

// New constructs a runtime from options.
func New(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	schemas := schema.NewRegistry(logger)
	resolvers := dispatch.NewRegistry()
	dispatcher := dispatch.NewDispatcher(resolvers, logger, opts.Metrics, opts.RequireAuth)
	checks := rules.NewEngine()
	rt := &Runtime{
		logger:     logger,
		schemas:    schemas,
		resolvers:  resolvers,
		dispatcher: dispatcher,
		checks:     checks,
		archive:    opts.Archive,
		forests:    make(map[string]*graph.Forest),
	}
	rt.evaluator = evaluate.New(schemas, dispatcher, rt, checks, logger)
	return rt
}

// Close tears down any backends the runtime constructed itself (via
// ApplyConfig). Stores registered directly by the caller stay open.
func (r *Runtime) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()
	var first error
	for _, fn := range closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Schemas exposes the schema registry for module declaration.
func (r *Runtime) Schemas() *schema.Registry { return r.schemas }

// Resolvers exposes the resolver registry for registration and binding.
func (r *Runtime) Resolvers() *dispatch.Registry { return r.resolvers }

// Forest returns the containment forest for module, satisfying the
// evaluator's graph provider.
func (r *Runtime) Forest(module string) (*graph.Forest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.forests[module]
	return f, ok
}

// EntryDef declares one entity, record, or event as plain Go values.
type EntryDef struct {
	Name       string
	Attributes []schema.AttributeSpec
}

// WorkflowDef declares a workflow and the event it pairs with.
type WorkflowDef struct {
	Name   string
	Event  string
	States []string
}

// ModuleDef is a full module declaration consumed by LoadModule.
type ModuleDef struct {
	Name          string
	Entities      []EntryDef
	Records       []EntryDef
	Events        []EntryDef
	Workflows     []WorkflowDef
	Relationships []schema.Relationship
}

// LoadModule registers a module's entries and relationships, rebuilds its
// containment forest, and (re)compiles its check expressions. Loading the
// same module again replaces the previous declaration.
func (r *Runtime) LoadModule(def ModuleDef) error {
	if err := r.schemas.AddModule(def.Name); err != nil {
		return err
	}
	for _, e := range def.Entities {
		if err := r.schemas.AddEntity(def.Name, e.Name, e.Attributes); err != nil {
			return err
		}
	}
	for _, rec := range def.Records {
		if err := r.schemas.AddRecord(def.Name, rec.Name, rec.Attributes); err != nil {
			return err
		}
	}
	for _, ev := range def.Events {
		if err := r.schemas.AddEvent(def.Name, ev.Name, ev.Attributes); err != nil {
			return err
		}
	}
	for _, wf := range def.Workflows {
		if err := r.schemas.AddWorkflow(def.Name, wf.Name, wf.Event, wf.States); err != nil {
			return err
		}
	}
	for _, rel := range def.Relationships {
		if rel.Module == "" {
			rel.Module = def.Name
		}
		if err := r.schemas.AddRelationship(rel); err != nil {
			return err
		}
	}
	if err := r.rebuildModule(def.Name); err != nil {
		return err
	}
	r.logger.Infow("module loaded",
		"module", def.Name,
		"entities", len(def.Entities),
		"relationships", len(def.Relationships))
	return nil
}

func (r *Runtime) rebuildModule(module string) error {
	forest, err := graph.Build(r.schemas, module)
	if err != nil {
		return err
	}
	entries, err := r.schemas.Entries(module)
	if err != nil {
		return err
	}
	compiled := make(map[string][]rules.Rule, len(entries))
	for _, entry := range entries {
		checkRules, err := rules.CompileChecks(entry)
		if err != nil {
			return err
		}
		compiled[entry.FQName()] = checkRules
	}
	r.mu.Lock()
	r.forests[module] = forest
	for fqName, checkRules := range compiled {
		r.checks.Replace(fqName, checkRules)
	}
	r.mu.Unlock()
	return nil
}

// Evaluate runs one pattern under the caller's auth context.
func (r *Runtime) Evaluate(ctx context.Context, auth resolver.AuthContext, p evaluate.Pattern) (*evaluate.Result, error) {
	return r.evaluator.Evaluate(ctx, auth, p)
}

// Create is shorthand for a create pattern without links.
func (r *Runtime) Create(ctx context.Context, auth resolver.AuthContext, entity string, attrs map[string]any) (*instance.Instance, error) {
	res, err := r.Evaluate(ctx, auth, evaluate.Pattern{Action: evaluate.ActionCreate, Target: entity, Attrs: attrs})
	if err != nil {
		return nil, err
	}
	return res.Root(), nil
}

// Query is shorthand for a query pattern without links. Every attribute in
// filters is treated as a query term.
func (r *Runtime) Query(ctx context.Context, auth resolver.AuthContext, entity string, filters map[string]any) ([]*instance.Instance, error) {
	attrs := make(map[string]any, len(filters))
	for k, v := range filters {
		attrs[markQueried(k)] = v
	}
	res, err := r.Evaluate(ctx, auth, evaluate.Pattern{Action: evaluate.ActionQuery, Target: entity, Attrs: attrs})
	if err != nil {
		return nil, err
	}
	return res.Instances, nil
}

// Update is shorthand for an update pattern: filters select, sets assign.
func (r *Runtime) Update(ctx context.Context, auth resolver.AuthContext, entity string, filters, sets map[string]any) (*instance.Instance, error) {
	attrs := make(map[string]any, len(filters)+len(sets))
	for k, v := range filters {
		attrs[markQueried(k)] = v
	}
	for k, v := range sets {
		attrs[k] = v
	}
	res, err := r.Evaluate(ctx, auth, evaluate.Pattern{Action: evaluate.ActionUpdate, Target: entity, Attrs: attrs})
	if err != nil {
		return nil, err
	}
	return res.Root(), nil
}

// Delete is shorthand for a delete pattern selecting by filters.
func (r *Runtime) Delete(ctx context.Context, auth resolver.AuthContext, entity string, filters map[string]any) ([]*instance.Instance, error) {
	attrs := make(map[string]any, len(filters))
	for k, v := range filters {
		attrs[markQueried(k)] = v
	}
	res, err := r.Evaluate(ctx, auth, evaluate.Pattern{Action: evaluate.ActionDelete, Target: entity, Attrs: attrs})
	if err != nil {
		return nil, err
	}
	return res.Instances, nil
}

func markQueried(key string) string {
	if strings.HasSuffix(key, instance.QueryMarker) {
		return key
	}
	return key + instance.QueryMarker
}

// ArchiveSnapshot exports the named resolver's state and stores it in the
// snapshot archive under a fresh key. Returns the archive entry.
func (r *Runtime) ArchiveSnapshot(ctx context.Context, resolverName string) (archive.Entry, error) {
	if r.archive == nil {
		return archive.Entry{}, fmt.Errorf("no snapshot archive configured")
	}
	session, err := r.resolvers.NewSession(resolverName)
	if err != nil {
		return archive.Entry{}, err
	}
	snapshotter, ok := session.(resolver.Snapshotter)
	if !ok {
		return archive.Entry{}, &resolver.NotImplementedError{Driver: session.Driver(), Capability: resolver.CapSnapshot}
	}
	payload, err := snapshotter.ExportSnapshot(ctx)
	if err != nil {
		return archive.Entry{}, fmt.Errorf("export snapshot from %s: %w", resolverName, err)
	}
	key := fmt.Sprintf("snapshots/%s/%s.json", resolverName, uuid.NewString())
	entry, err := r.archive.Put(ctx, key, strings.NewReader(string(payload)), archive.WriteOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"resolver": resolverName, "driver": session.Driver()},
	})
	if err != nil {
		return archive.Entry{}, err
	}
	r.logger.Infow("snapshot archived", "resolver", resolverName, "key", entry.Key, "bytes", entry.Size)
	return entry, nil
}
