// Package schema defines the declarative schema model for loomcore: modules,
// entities, records, events, relationships and their attribute specifications,
// together with the registry that catalogs them.
package schema

import (
	"fmt"
	"strings"
)

// EntryKind identifies the kind of declaration held by a module.
type EntryKind string

// Supported module entry kinds.
const (
	// KindEntity identifies an addressable, persisted entity declaration.
	KindEntity EntryKind = "entity"
	// KindRecord identifies a value record declaration without standalone identity.
	KindRecord EntryKind = "record"
	// KindEvent identifies an event declaration paired with a workflow.
	KindEvent EntryKind = "event"
	// KindRelationship identifies a relationship declaration.
	KindRelationship EntryKind = "relationship"
	// KindWorkflow identifies a workflow declaration.
	KindWorkflow EntryKind = "workflow"
)

// RelationshipKind distinguishes containment from association.
type RelationshipKind string

const (
	// Contains declares parent-owns-child containment: path nesting and
	// cascade delete.
	Contains RelationshipKind = "contains"
	// Between declares an association of two independently addressed
	// entities with explicit cardinality.
	Between RelationshipKind = "between"
)

// Cardinality applies to Between relationships.
type Cardinality string

// Supported Between cardinalities.
const (
	OneToOne   Cardinality = "one-one"
	OneToMany  Cardinality = "one-many"
	ManyToMany Cardinality = "many-many"
)

// Scalar type names resolvable without a module lookup.
const (
	TypeInt      = "Int"
	TypeFloat    = "Float"
	TypeString   = "String"
	TypeBoolean  = "Boolean"
	TypeDateTime = "DateTime"
	TypeJSON     = "Json"
)

var scalarTypes = map[string]struct{}{
	TypeInt:      {},
	TypeFloat:    {},
	TypeString:   {},
	TypeBoolean:  {},
	TypeDateTime: {},
	TypeJSON:     {},
}

// IsScalarType reports whether name is a built-in scalar type.
func IsScalarType(name string) bool {
	_, ok := scalarTypes[name]
	return ok
}

// AttributeSpec describes one declared attribute of an entity, record or event.
type AttributeSpec struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	IsID         bool   `json:"is_id"`
	IsIndexed    bool   `json:"is_indexed"`
	IsUnique     bool   `json:"is_unique"`
	IsOptional   bool   `json:"is_optional"`
	IsArray      bool   `json:"is_array"`
	DefaultValue any    `json:"default_value,omitempty"`
	// Check holds an optional boolean expression evaluated against the
	// attribute map on create and update.
	Check string `json:"check,omitempty"`
}

// Entry is a named declaration within a module: an entity, record or event
// with its ordered attribute specs.
type Entry struct {
	Module     string          `json:"module"`
	Name       string          `json:"name"`
	Kind       EntryKind       `json:"kind"`
	Attributes []AttributeSpec `json:"attributes"`
}

// FQName returns the module-qualified name of the entry.
func (e *Entry) FQName() string {
	return e.Module + "/" + e.Name
}

// Attribute returns the spec for name.
func (e *Entry) Attribute(name string) (AttributeSpec, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeSpec{}, false
}

// IDAttribute returns the single id-marked attribute, if declared.
func (e *Entry) IDAttribute() (AttributeSpec, bool) {
	for _, a := range e.Attributes {
		if a.IsID {
			return a, true
		}
	}
	return AttributeSpec{}, false
}

// Relationship declares a connection between two entities.
type Relationship struct {
	Module string           `json:"module"`
	Name   string           `json:"name"`
	Kind   RelationshipKind `json:"kind"`
	// Parent and Child are module-qualified entity names. For Between
	// relationships "parent" is the left participant and "child" the right.
	Parent      string      `json:"parent"`
	Child       string      `json:"child"`
	Cardinality Cardinality `json:"cardinality,omitempty"`
	// JoinAttributes are carried only by Between relationships and live on
	// the join record, not on either participant.
	JoinAttributes []AttributeSpec `json:"join_attributes,omitempty"`
}

// FQName returns the module-qualified relationship name.
func (r *Relationship) FQName() string {
	return r.Module + "/" + r.Name
}

// Workflow pairs an event with the entity states it transitions.
type Workflow struct {
	Module string   `json:"module"`
	Name   string   `json:"name"`
	Event  string   `json:"event"`
	States []string `json:"states"`
}

// SplitFQName splits "module/Name" (or "module.Name") into its parts.
func SplitFQName(fq string) (module, name string, ok bool) {
	sep := strings.IndexAny(fq, "/.")
	if sep <= 0 || sep == len(fq)-1 {
		return "", "", false
	}
	return fq[:sep], fq[sep+1:], true
}

// knownAttributeProperties guards against typo'd modifiers in schema sources.
// An unknown property name is a hard load-time failure.
var knownAttributeProperties = map[string]struct{}{
	"id":       {},
	"indexed":  {},
	"unique":   {},
	"optional": {},
	"array":    {},
	"default":  {},
	"check":    {},
}

// ValidateAttributeProperty reports whether name is a recognised attribute
// modifier. Unknown properties fail module load.
func ValidateAttributeProperty(name string) error {
	if _, ok := knownAttributeProperties[strings.ToLower(name)]; !ok {
		return &Error{Code: ErrInvalidProperty, Detail: fmt.Sprintf("unknown attribute property %q", name)}
	}
	return nil
}
