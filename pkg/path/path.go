// Package path implements the canonical instance addressing scheme:
//
//	<module>/<entity>/<id>[/<relationship>/<childEntity>/<childID>]*
//
// Encode and Decode are inverse functions kept in one place so round-trip
// stability is enforced by construction. Paths are persisted by backends
// across restarts; any change to the grammar is a compatibility break.
package path

import (
	"fmt"
	"strings"
)

// Segment addresses one entity along a containment chain. The first segment
// of a path carries the module name in Relationship.
type Segment struct {
	// Relationship holds the module name for the root segment and the
	// Contains relationship name for every nested segment.
	Relationship string
	Entity       string
	ID           string
}

// Path is a structured sequence of segments. The zero value is the empty path.
type Path struct {
	segments []Segment
}

// Root constructs a top-level path for module/entity/id.
func Root(module, entity, id string) Path {
	return Path{segments: []Segment{{Relationship: module, Entity: entity, ID: id}}}
}

// Child returns a new path nested under p via a Contains relationship.
// p is not modified.
func (p Path) Child(relationship, entity, id string) Path {
	segs := make([]Segment, len(p.segments), len(p.segments)+1)
	copy(segs, p.segments)
	segs = append(segs, Segment{Relationship: relationship, Entity: entity, ID: id})
	return Path{segments: segs}
}

// IsZero reports whether the path has no segments.
func (p Path) IsZero() bool { return len(p.segments) == 0 }

// Depth returns the number of segments.
func (p Path) Depth() int { return len(p.segments) }

// Module returns the root module name.
func (p Path) Module() string {
	if p.IsZero() {
		return ""
	}
	return p.segments[0].Relationship
}

// Leaf returns the final segment.
func (p Path) Leaf() Segment {
	if p.IsZero() {
		return Segment{}
	}
	return p.segments[len(p.segments)-1]
}

// Entity returns the module-qualified entity name of the leaf segment.
func (p Path) Entity() string {
	if p.IsZero() {
		return ""
	}
	return p.Module() + "/" + p.Leaf().Entity
}

// Parent returns the path with the leaf segment removed. The parent of a
// root path is the zero path.
func (p Path) Parent() Path {
	if len(p.segments) <= 1 {
		return Path{}
	}
	segs := make([]Segment, len(p.segments)-1)
	copy(segs, p.segments[:len(p.segments)-1])
	return Path{segments: segs}
}

// Segments returns a copy of the segment sequence.
func (p Path) Segments() []Segment {
	out := make([]Segment, len(p.segments))
	copy(out, p.segments)
	return out
}

// HasPrefix reports whether p nests under (or equals) prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if prefix.Depth() > p.Depth() {
		return false
	}
	for i, seg := range prefix.segments {
		if p.segments[i] != seg {
			return false
		}
	}
	return true
}

// Encode renders the canonical slash-delimited string. Byte-identical output
// for identical input is a contract relied on by persisted state.
func (p Path) Encode() string {
	var b strings.Builder
	for i, seg := range p.segments {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(seg.Relationship)
		b.WriteByte('/')
		b.WriteString(seg.Entity)
		b.WriteByte('/')
		b.WriteString(seg.ID)
	}
	return b.String()
}

// String implements fmt.Stringer via Encode.
func (p Path) String() string { return p.Encode() }

// Decode parses a canonical path string. It is the exact inverse of Encode:
// Decode(p.Encode()) == p for every valid path.
func Decode(raw string) (Path, error) {
	if raw == "" {
		return Path{}, fmt.Errorf("path: empty string")
	}
	parts := strings.Split(raw, "/")
	if len(parts)%3 != 0 {
		return Path{}, fmt.Errorf("path: %q: segment count %d not a multiple of 3", raw, len(parts))
	}
	segs := make([]Segment, 0, len(parts)/3)
	for i := 0; i < len(parts); i += 3 {
		seg := Segment{Relationship: parts[i], Entity: parts[i+1], ID: parts[i+2]}
		if seg.Relationship == "" || seg.Entity == "" || seg.ID == "" {
			return Path{}, fmt.Errorf("path: %q: empty component in segment %d", raw, i/3)
		}
		segs = append(segs, seg)
	}
	return Path{segments: segs}, nil
}
