package schema

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry catalogs schema modules. It is an explicit, owned value: callers
// construct one per runtime context instead of sharing process globals.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*moduleState
	logger  *zap.SugaredLogger
}

type moduleState struct {
	name          string
	entries       map[string]*Entry
	relationships map[string]*Relationship
	workflows     map[string]*Workflow
	order         []string
}

// NewRegistry constructs an empty registry. The logger is used only for
// load-order warnings; pass zap.NewNop().Sugar() to silence them.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		modules: make(map[string]*moduleState),
		logger:  logger,
	}
}

// AddModule registers an empty module namespace. Re-adding an existing module
// resets its declarations; callers rebuild dependent relationship graphs.
func (r *Registry) AddModule(name string) error {
	if name == "" {
		return &Error{Code: ErrUnknownModule, Detail: "module name must not be empty"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = &moduleState{
		name:          name,
		entries:       make(map[string]*Entry),
		relationships: make(map[string]*Relationship),
		workflows:     make(map[string]*Workflow),
	}
	return nil
}

// Modules returns registered module names in sorted order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasModule reports whether a module is registered.
func (r *Registry) HasModule(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[name]
	return ok
}

// AddEntity declares an entity in module. Duplicate entry or attribute names
// and unknown attribute properties are hard failures; attribute types that
// reference modules not yet loaded are warned about and re-resolved lazily at
// first instance construction.
func (r *Registry) AddEntity(module, name string, attrs []AttributeSpec) error {
	return r.addEntry(module, name, KindEntity, attrs)
}

// AddRecord declares a value record in module.
func (r *Registry) AddRecord(module, name string, attrs []AttributeSpec) error {
	return r.addEntry(module, name, KindRecord, attrs)
}

// AddEvent declares an event in module. An event may share its name with a
// workflow; any other collision is a duplicate-name failure.
func (r *Registry) AddEvent(module, name string, attrs []AttributeSpec) error {
	return r.addEntry(module, name, KindEvent, attrs)
}

// AddWorkflow declares a workflow paired with event.
func (r *Registry) AddWorkflow(module, name, event string, states []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.modules[module]
	if !ok {
		return &Error{Code: ErrUnknownModule, Module: module, Detail: "module not registered"}
	}
	if existing, ok := mod.entries[name]; ok && existing.Kind != KindEvent {
		return &Error{Code: ErrDuplicateName, Module: module, Entry: name, Detail: "name already declared"}
	}
	if _, ok := mod.workflows[name]; ok {
		return &Error{Code: ErrDuplicateName, Module: module, Entry: name, Detail: "workflow already declared"}
	}
	mod.workflows[name] = &Workflow{Module: module, Name: name, Event: event, States: states}
	return nil
}

func (r *Registry) addEntry(module, name string, kind EntryKind, attrs []AttributeSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.modules[module]
	if !ok {
		return &Error{Code: ErrUnknownModule, Module: module, Detail: "module not registered"}
	}
	if _, ok := mod.entries[name]; ok {
		return &Error{Code: ErrDuplicateName, Module: module, Entry: name, Detail: "entry already declared"}
	}
	if _, ok := mod.relationships[name]; ok {
		return &Error{Code: ErrDuplicateName, Module: module, Entry: name, Detail: "name collides with a relationship"}
	}
	seen := make(map[string]struct{}, len(attrs))
	idCount := 0
	for _, a := range attrs {
		if _, dup := seen[a.Name]; dup {
			return &Error{Code: ErrDuplicateName, Module: module, Entry: name, Detail: fmt.Sprintf("duplicate attribute %q", a.Name)}
		}
		seen[a.Name] = struct{}{}
		if a.IsID {
			idCount++
		}
		if err := r.checkTypeLocked(module, name, a.Type); err != nil {
			return err
		}
	}
	if idCount > 1 {
		return &Error{Code: ErrMultipleIDs, Module: module, Entry: name, Detail: "at most one attribute may be marked id"}
	}
	entry := &Entry{Module: module, Name: name, Kind: kind, Attributes: attrs}
	mod.entries[name] = entry
	mod.order = append(mod.order, name)
	return nil
}

// checkTypeLocked validates an attribute type during load. Scalars always
// pass; a qualified reference into a module that is not loaded yet is only a
// warning since modules may arrive out of dependency order.
func (r *Registry) checkTypeLocked(module, entry, typ string) error {
	if IsScalarType(typ) {
		return nil
	}
	refModule, refEntry, ok := SplitFQName(typ)
	if !ok {
		// Same-module shorthand: a bare name must already resolve locally
		// or it is a typo.
		if mod, found := r.modules[module]; found {
			if _, found := mod.entries[typ]; found {
				return nil
			}
		}
		return &Error{Code: ErrUnknownType, Module: module, Entry: entry, Detail: fmt.Sprintf("unknown type %q", typ)}
	}
	target, found := r.modules[refModule]
	if !found {
		r.logger.Warnw("deferred type resolution: module not loaded yet",
			"module", module, "entry", entry, "type", typ)
		return nil
	}
	if _, found := target.entries[refEntry]; !found {
		r.logger.Warnw("deferred type resolution: entry not declared yet",
			"module", module, "entry", entry, "type", typ)
	}
	return nil
}

// AddRelationship declares a relationship in module. A Contains declaration
// that would make an entity its own ancestor fails with a containment-cycle
// error.
func (r *Registry) AddRelationship(rel Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.modules[rel.Module]
	if !ok {
		return &Error{Code: ErrUnknownModule, Module: rel.Module, Detail: "module not registered"}
	}
	if _, ok := mod.relationships[rel.Name]; ok {
		return &Error{Code: ErrDuplicateName, Module: rel.Module, Entry: rel.Name, Detail: "relationship already declared"}
	}
	if _, ok := mod.entries[rel.Name]; ok {
		return &Error{Code: ErrDuplicateName, Module: rel.Module, Entry: rel.Name, Detail: "name collides with an entry"}
	}
	if rel.Kind == Between && rel.Cardinality == "" {
		rel.Cardinality = OneToMany
	}
	if rel.Kind == Contains {
		if err := r.checkContainmentAcyclicLocked(rel); err != nil {
			return err
		}
	}
	stored := rel
	mod.relationships[rel.Name] = &stored
	return nil
}

// checkContainmentAcyclicLocked walks the existing Contains edges plus the
// candidate and rejects any path from the candidate's child back to its
// parent.
func (r *Registry) checkContainmentAcyclicLocked(candidate Relationship) error {
	children := make(map[string][]string)
	for _, mod := range r.modules {
		for _, rel := range mod.relationships {
			if rel.Kind == Contains {
				children[rel.Parent] = append(children[rel.Parent], rel.Child)
			}
		}
	}
	children[candidate.Parent] = append(children[candidate.Parent], candidate.Child)

	visited := make(map[string]bool)
	var walk func(node string) bool
	walk = func(node string) bool {
		if node == candidate.Parent {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, next := range children[node] {
			if walk(next) {
				return true
			}
		}
		return false
	}
	if candidate.Parent == candidate.Child || walk(candidate.Child) {
		return &Error{
			Code:   ErrContainmentCycle,
			Module: candidate.Module,
			Entry:  candidate.Name,
			Detail: fmt.Sprintf("contains(%s, %s) would make the child its own ancestor", candidate.Parent, candidate.Child),
		}
	}
	return nil
}

// GetEntry resolves a module-qualified entry name.
func (r *Registry) GetEntry(fqName string) (*Entry, error) {
	module, name, ok := SplitFQName(fqName)
	if !ok {
		return nil, &Error{Code: ErrUnknownEntry, Detail: fmt.Sprintf("malformed entry name %q", fqName)}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, found := r.modules[module]
	if !found {
		return nil, &Error{Code: ErrUnknownModule, Module: module, Detail: "module not registered"}
	}
	entry, found := mod.entries[name]
	if !found {
		return nil, &Error{Code: ErrUnknownEntry, Module: module, Entry: name, Detail: "entry not declared"}
	}
	return entry, nil
}

// GetRecord resolves a module-qualified name and requires a record entry.
func (r *Registry) GetRecord(fqName string) (*Entry, error) {
	entry, err := r.GetEntry(fqName)
	if err != nil {
		return nil, err
	}
	if entry.Kind != KindRecord {
		return nil, &Error{Code: ErrUnknownEntry, Module: entry.Module, Entry: entry.Name, Detail: "entry is not a record"}
	}
	return entry, nil
}

// GetRelationship resolves a relationship by module-qualified name.
func (r *Registry) GetRelationship(fqName string) (*Relationship, error) {
	module, name, ok := SplitFQName(fqName)
	if !ok {
		return nil, &Error{Code: ErrUnknownEntry, Detail: fmt.Sprintf("malformed relationship name %q", fqName)}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, found := r.modules[module]
	if !found {
		return nil, &Error{Code: ErrUnknownModule, Module: module, Detail: "module not registered"}
	}
	rel, found := mod.relationships[name]
	if !found {
		return nil, &Error{Code: ErrUnknownEntry, Module: module, Entry: name, Detail: "relationship not declared"}
	}
	return rel, nil
}

// RelationshipByName searches every module for a relationship with the given
// bare name. Pattern links reference relationships by bare name, so the first
// match in sorted module order wins.
func (r *Registry) RelationshipByName(name string) (*Relationship, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modules := make([]string, 0, len(r.modules))
	for m := range r.modules {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	for _, m := range modules {
		if rel, ok := r.modules[m].relationships[name]; ok {
			return rel, true
		}
	}
	return nil, false
}

// Relationships returns every relationship declared anywhere, sorted by
// module then name. The graph builder consumes this to collect Contains
// edges whose parent lives in a target module.
func (r *Registry) Relationships() []*Relationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Relationship
	for _, mod := range r.modules {
		for _, rel := range mod.relationships {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Entries returns the module's entries in declaration order.
func (r *Registry) Entries(module string) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, found := r.modules[module]
	if !found {
		return nil, &Error{Code: ErrUnknownModule, Module: module, Detail: "module not registered"}
	}
	out := make([]*Entry, 0, len(mod.order))
	for _, name := range mod.order {
		out = append(out, mod.entries[name])
	}
	return out, nil
}

// IsValidType reports whether typ resolves right now: a built-in scalar or a
// qualified reference to a declared entry. Load-time checking is laxer (see
// checkTypeLocked); this strict form runs at first instance construction.
func (r *Registry) IsValidType(typ string) bool {
	if IsScalarType(typ) {
		return true
	}
	module, name, ok := SplitFQName(typ)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, found := r.modules[module]
	if !found {
		return false
	}
	_, found = mod.entries[name]
	return found
}
