// Package instance defines the validated runtime value for one entity: an
// attribute map plus its computed path, with optional related instances
// attached during pattern evaluation.
package instance

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"loomcore/pkg/path"
	"loomcore/pkg/schema"
)

// Reserved internal attribute names. They bypass user-schema validation.
const (
	AttrPath      = "__path__"
	AttrIsDeleted = "__is_deleted__"
	AttrParent    = "__parent__"
)

// QueryMarker suffixes an attribute name to denote a filter condition rather
// than a value to write.
const QueryMarker = "?"

// Instance is a runtime value for one entity. It is never the system of
// record; a resolver's backing store is. Instances are mutated in place only
// during one pattern's evaluation.
type Instance struct {
	FQName string         `json:"fq_name"`
	Attrs  map[string]any `json:"attrs"`
	Path   path.Path      `json:"-"`
	// Related holds nested results keyed by relationship name, populated
	// after nested dispatch and merge. The tree shape is preserved, never
	// flattened.
	Related map[string][]*Instance `json:"related,omitempty"`
	Deleted bool                   `json:"deleted,omitempty"`
}

// New validates attrs against the schema entry for fqName and returns an
// instance. Every supplied key must exist in the entry's attribute specs and
// its value must satisfy the declared type's predicate. Reserved internal
// attributes bypass validation. Keys carrying the query marker are validated
// against the spec of the unmarked name.
func New(reg *schema.Registry, fqName string, attrs map[string]any) (*Instance, error) {
	entry, err := reg.GetEntry(fqName)
	if err != nil {
		return nil, err
	}
	copied := make(map[string]any, len(attrs))
	for key, value := range attrs {
		name, marked := strings.CutSuffix(key, QueryMarker)
		if isReserved(name) {
			copied[key] = value
			continue
		}
		spec, ok := entry.Attribute(name)
		if !ok {
			return nil, &ValidationError{Kind: InvalidAttribute, Entity: fqName, Key: name}
		}
		// Lazily re-attempt type resolution deferred at load time.
		if !reg.IsValidType(spec.Type) {
			return nil, &schema.Error{Code: schema.ErrUnknownType, Module: entry.Module, Entry: entry.Name,
				Detail: fmt.Sprintf("attribute %q has unresolvable type %q", name, spec.Type)}
		}
		if !marked || value != nil {
			if err := checkValue(spec, value); err != nil {
				return nil, &ValidationError{Kind: InvalidValue, Entity: fqName, Key: name, Detail: err.Error()}
			}
		}
		copied[key] = value
	}
	return &Instance{FQName: fqName, Attrs: copied}, nil
}

func isReserved(name string) bool {
	return name == AttrPath || name == AttrIsDeleted || name == AttrParent
}

// Classification splits a pattern's attributes into write values and filter
// conditions. The duality is resolved exactly once, at pattern-evaluation
// entry, and never re-interpreted downstream.
type Classification struct {
	// Sets holds unmarked attributes: values to write.
	Sets map[string]any
	// Filters holds query-marked attributes with the marker stripped.
	Filters map[string]any
}

// IsPureQuery reports a pattern whose attributes are entirely query-marked.
func (c Classification) IsPureQuery() bool {
	return len(c.Sets) == 0 && len(c.Filters) > 0
}

// IsUpdate reports a mix of marked and unmarked attributes
// (marked = WHERE, unmarked = SET).
func (c Classification) IsUpdate() bool {
	return len(c.Sets) > 0 && len(c.Filters) > 0
}

// Classify splits attrs by query marker. Reserved attributes are never
// classified as filters regardless of marker.
func Classify(attrs map[string]any) Classification {
	c := Classification{
		Sets:    make(map[string]any),
		Filters: make(map[string]any),
	}
	for key, value := range attrs {
		if name, marked := strings.CutSuffix(key, QueryMarker); marked && !isReserved(name) {
			c.Filters[name] = value
			continue
		}
		c.Sets[key] = value
	}
	return c
}

// ID returns the canonical string form of the instance's id attribute.
func (i *Instance) ID(entry *schema.Entry) (string, bool) {
	spec, ok := entry.IDAttribute()
	if !ok {
		return "", false
	}
	value, ok := i.Attrs[spec.Name]
	if !ok {
		return "", false
	}
	return CanonicalID(value), true
}

// CanonicalID renders an id value the way paths encode it. Integral floats
// (the usual JSON decoding of Int attributes) render without a decimal part.
func CanonicalID(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		if v == math.Trunc(v) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}

// Clone deep-copies the instance, its attribute map, and its related tree.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := &Instance{
		FQName:  i.FQName,
		Attrs:   cloneAttrs(i.Attrs),
		Path:    i.Path,
		Deleted: i.Deleted,
	}
	if i.Related != nil {
		out.Related = make(map[string][]*Instance, len(i.Related))
		for rel, children := range i.Related {
			cloned := make([]*Instance, len(children))
			for n, child := range children {
				cloned[n] = child.Clone()
			}
			out.Related[rel] = cloned
		}
	}
	return out
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneAttrs(val)
	case []any:
		cp := make([]any, len(val))
		for n, item := range val {
			cp[n] = cloneValue(item)
		}
		return cp
	default:
		return v
	}
}

// AttributeNames returns the instance's attribute keys in sorted order.
func (i *Instance) AttributeNames() []string {
	names := make([]string, 0, len(i.Attrs))
	for k := range i.Attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Matches reports whether every filter key equals the corresponding attribute
// value. Used by reference resolvers for filter evaluation.
func (i *Instance) Matches(filters map[string]any) bool {
	for key, want := range filters {
		got, ok := i.Attrs[key]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares attribute values across the numeric representations
// JSON decoding produces.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// checkValue enforces one attribute spec's type predicate.
func checkValue(spec schema.AttributeSpec, value any) error {
	if value == nil {
		if spec.IsOptional {
			return nil
		}
		return fmt.Errorf("attribute %q is not optional", spec.Name)
	}
	if spec.IsArray {
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("attribute %q expects an array of %s", spec.Name, spec.Type)
		}
		elem := spec
		elem.IsArray = false
		for n, item := range items {
			if err := checkValue(elem, item); err != nil {
				return fmt.Errorf("element %d: %w", n, err)
			}
		}
		return nil
	}
	return checkScalar(spec.Name, spec.Type, value)
}

func checkScalar(name, typ string, value any) error {
	switch typ {
	case schema.TypeInt:
		switch v := value.(type) {
		case int, int32, int64:
			return nil
		case float64:
			if v == math.Trunc(v) {
				return nil
			}
			return fmt.Errorf("attribute %q expects Int, got fractional %v", name, v)
		default:
			return fmt.Errorf("attribute %q expects Int, got %T", name, value)
		}
	case schema.TypeFloat:
		switch value.(type) {
		case float32, float64, int, int32, int64:
			return nil
		default:
			return fmt.Errorf("attribute %q expects Float, got %T", name, value)
		}
	case schema.TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("attribute %q expects String, got %T", name, value)
		}
		return nil
	case schema.TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("attribute %q expects Boolean, got %T", name, value)
		}
		return nil
	case schema.TypeDateTime:
		switch v := value.(type) {
		case time.Time:
			return nil
		case string:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return fmt.Errorf("attribute %q expects RFC3339 DateTime: %w", name, err)
			}
			return nil
		default:
			return fmt.Errorf("attribute %q expects DateTime, got %T", name, value)
		}
	case schema.TypeJSON:
		return nil
	default:
		// Entity reference: accept a foreign id or an embedded attribute map.
		switch value.(type) {
		case string, map[string]any:
			return nil
		default:
			return fmt.Errorf("attribute %q expects a %s reference, got %T", name, typ, value)
		}
	}
}
