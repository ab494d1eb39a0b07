// Package object defines the replicated object model shared by the store,
// the snapshot codec and the replicator.
package object

import (
	"maps"
	"slices"
)

// State is the lifecycle state of an object.
type State int

const (
	Active State = iota
	Destroyed
)

func (s State) String() string {
	if s == Destroyed {
		return "destroyed"
	}
	return "active"
}

// Attr is a snapshot attribute the codec did not recognise. It is kept so
// that re-encoding an untouched object writes it back.
type Attr struct {
	Name  string
	Value string
}

// Object is a uniquely identified unit of shared state.
type Object struct {
	Identifier string
	Type       string
	Attributes map[string]Value
	Owner      string // peer that created the object
	Parent     string // weak reference to the containing object, "" for roots
	Version    uint64 // Lamport stamp of the last write
	Writer     string // peer that performed the last write
	State      State

	// Forward tolerance: unknown node attributes and raw unknown child elements.
	ExtraAttrs    []Attr
	ExtraElements []string
}

// New creates an active object with an empty attribute map.
func New(id, typeTag string) *Object {
	return &Object{
		Identifier: id,
		Type:       typeTag,
		Attributes: make(map[string]Value),
	}
}

// With sets an attribute and returns the object for chaining.
func (o *Object) With(key string, v Value) *Object {
	if o.Attributes == nil {
		o.Attributes = make(map[string]Value)
	}
	o.Attributes[key] = v
	return o
}

// Get returns an attribute value.
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.Attributes[key]
	return v, ok
}

// References lists the identifiers this object points at, parent included.
func (o *Object) References() []string {
	var refs []string
	if o.Parent != "" {
		refs = append(refs, o.Parent)
	}
	for _, k := range slices.Sorted(maps.Keys(o.Attributes)) {
		if id := o.Attributes[k].RefID(); id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

// IsActive reports whether the object has not been destroyed.
func (o *Object) IsActive() bool { return o.State == Active }

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Attributes = maps.Clone(o.Attributes)
	if cp.Attributes == nil {
		cp.Attributes = make(map[string]Value)
	}
	cp.ExtraAttrs = slices.Clone(o.ExtraAttrs)
	cp.ExtraElements = slices.Clone(o.ExtraElements)
	return &cp
}

// SameContent compares the replicated content of two objects: identifier,
// type, parent and attribute map. Version metadata is ignored.
func (o *Object) SameContent(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.Identifier == other.Identifier &&
		o.Type == other.Type &&
		o.Parent == other.Parent &&
		maps.Equal(o.Attributes, other.Attributes)
}

// NewerThan orders writes by (Version, Writer). The writer breaks ties so
// that every peer picks the same winner regardless of arrival order.
func (o *Object) NewerThan(other *Object) bool {
	if other == nil {
		return true
	}
	if o.Version != other.Version {
		return o.Version > other.Version
	}
	return o.Writer > other.Writer
}
