// Package store is the authoritative local registry of replicated objects.
//
// Every mutation goes through the Store, which applies it and triggers the
// matching event on the bus (OBJECT_ADDED, UPDATE_OBJECT, DELETE_OBJECT).
// Remote changes come back in through Apply under last-writer-wins: each
// write carries a Lamport version and the writer's peer id, the greater
// (version, writer) pair wins, and a destroyed object stays destroyed.
// Peers that have seen the same writes agree on every object regardless of
// the order the writes arrived in.
package store

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/iggydv12/meshtable/internal/events"
	"github.com/iggydv12/meshtable/internal/object"
	"github.com/iggydv12/meshtable/internal/snapshot"
)

var (
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrNotFound            = fmt.Errorf("%w: never existed", ErrUnresolvedReference)
	ErrDestroyed           = fmt.Errorf("%w: destroyed", ErrUnresolvedReference)
	ErrInvalidObject       = errors.New("invalid object")
)

// Data keys of object events.
const (
	KeyIdentifier = "identifier"
	KeyType       = "type"
	KeySnapshot   = "snapshot"
	KeyTree       = "tree" // DELETE_OBJECT only: the subtree as it was before removal
)

// Result describes what Apply did.
type Result int

const (
	Ignored Result = iota
	Created
	Updated
	Destroyed
)

func (r Result) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Destroyed:
		return "destroyed"
	default:
		return "ignored"
	}
}

// Store holds the canonical copy of every object on this peer, tombstones
// included. Getters return copies.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*object.Object
	order   []string
	clock   uint64
	bus     *events.Bus
	logger  *zap.Logger
}

// New creates an empty Store that triggers its events on bus.
func New(bus *events.Bus, logger *zap.Logger) *Store {
	return &Store{
		objects: make(map[string]*object.Object),
		bus:     bus,
		logger:  logger,
	}
}

func validate(o *object.Object) error {
	if o == nil || o.Identifier == "" {
		return fmt.Errorf("%w: no identifier", ErrInvalidObject)
	}
	if !snapshot.ValidTypeTag(o.Type) {
		return fmt.Errorf("%w: %s: type tag %q", ErrInvalidObject, o.Identifier, o.Type)
	}
	for _, text := range []string{o.Identifier, o.Parent, o.Owner} {
		if err := object.ValidText(text); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidObject, err)
		}
	}
	for k, v := range o.Attributes {
		if err := validAttribute(k, v); err != nil {
			return fmt.Errorf("%w: %s %v", ErrInvalidObject, o.Identifier, err)
		}
	}
	return nil
}

func validAttribute(key string, v object.Value) error {
	if key == "" {
		return errors.New("attribute with empty name")
	}
	if err := object.ValidText(key); err != nil {
		return fmt.Errorf("attribute name: %w", err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("attribute %s: %w", key, err)
	}
	return nil
}

// createsCycle reports whether making parent the container of id would
// close a loop. Must be called with the lock held.
func (s *Store) createsCycle(id, parent string) bool {
	seen := make(map[string]bool)
	for cur := parent; cur != ""; {
		if cur == id {
			return true
		}
		if seen[cur] {
			// an existing loop that id is not part of
			return false
		}
		seen[cur] = true
		o, ok := s.objects[cur]
		if !ok {
			return false
		}
		cur = o.Parent
	}
	return false
}

// tick advances the Lamport clock. Must be called with the lock held.
func (s *Store) tick() uint64 {
	s.clock++
	return s.clock
}

// Clock returns the current Lamport clock.
func (s *Store) Clock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock
}

// Add registers a new object. Re-adding an identical active object is a
// no-op; any other collision, including with a destroyed object, fails with
// ErrDuplicateIdentifier.
func (s *Store) Add(o *object.Object) error {
	if err := validate(o); err != nil {
		return err
	}
	self := s.bus.Self()

	s.mu.Lock()
	if cur, ok := s.objects[o.Identifier]; ok {
		s.mu.Unlock()
		if cur.IsActive() && cur.SameContent(o) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, o.Identifier)
	}
	if s.createsCycle(o.Identifier, o.Parent) {
		s.mu.Unlock()
		return cycleError(o.Identifier, o.Parent)
	}
	cp := s.insert(o, self)
	s.mu.Unlock()

	s.emit(events.ObjectAdded, cp, false)
	return nil
}

// insert stores a fresh copy of o. Must be called with the lock held.
func (s *Store) insert(o *object.Object, self string) *object.Object {
	cp := o.Clone()
	cp.State = object.Active
	if cp.Owner == "" {
		cp.Owner = self
	}
	cp.Version = s.tick()
	cp.Writer = self
	s.objects[cp.Identifier] = cp
	s.order = append(s.order, cp.Identifier)
	return cp.Clone()
}

// Put adds o or replaces the content of the active object with the same
// identifier.
func (s *Store) Put(o *object.Object) error {
	if err := validate(o); err != nil {
		return err
	}
	self := s.bus.Self()

	s.mu.Lock()
	cur, ok := s.objects[o.Identifier]
	if ok && !cur.IsActive() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s was destroyed", ErrDuplicateIdentifier, o.Identifier)
	}
	if (!ok || cur.Parent != o.Parent) && s.createsCycle(o.Identifier, o.Parent) {
		s.mu.Unlock()
		return cycleError(o.Identifier, o.Parent)
	}
	if !ok {
		cp := s.insert(o, self)
		s.mu.Unlock()
		s.emit(events.ObjectAdded, cp, false)
		return nil
	}
	if cur.SameContent(o) {
		s.mu.Unlock()
		return nil
	}
	cur.Type = o.Type
	cur.Parent = o.Parent
	cur.Attributes = maps.Clone(o.Attributes)
	if cur.Attributes == nil {
		cur.Attributes = make(map[string]object.Value)
	}
	cur.Version = s.tick()
	cur.Writer = self
	cp := cur.Clone()
	s.mu.Unlock()

	s.emit(events.UpdateObject, cp, false)
	return nil
}

// Change is a set of edits applied to one object as a single write.
type Change struct {
	Set    map[string]object.Value
	Unset  []string
	Parent *string // nil keeps the parent, "" makes the object a root
}

// Edit applies c to an active object. Either every edit is applied and one
// UPDATE_OBJECT is triggered, or nothing changes. An edit that leaves the
// object as it was is not a write.
func (s *Store) Edit(id string, c Change) error {
	for k, v := range c.Set {
		if err := validAttribute(k, v); err != nil {
			return fmt.Errorf("%w: %s %v", ErrInvalidObject, id, err)
		}
	}
	if c.Parent != nil {
		if *c.Parent == id {
			return fmt.Errorf("%w: %s cannot contain itself", ErrInvalidObject, id)
		}
		if err := object.ValidText(*c.Parent); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidObject, err)
		}
	}
	return s.mutate(id, func(o *object.Object) (bool, error) {
		changed := false
		if c.Parent != nil && o.Parent != *c.Parent {
			if s.createsCycle(id, *c.Parent) {
				return false, cycleError(id, *c.Parent)
			}
			o.Parent = *c.Parent
			changed = true
		}
		for _, k := range c.Unset {
			if _, ok := o.Attributes[k]; ok {
				delete(o.Attributes, k)
				changed = true
			}
		}
		for k, v := range c.Set {
			if cur, ok := o.Attributes[k]; !ok || cur != v {
				o.Attributes[k] = v
				changed = true
			}
		}
		return changed, nil
	})
}

// Update merges attrs into an active object.
func (s *Store) Update(id string, attrs map[string]object.Value) error {
	return s.Edit(id, Change{Set: attrs})
}

// Set updates a single attribute.
func (s *Store) Set(id, key string, v object.Value) error {
	return s.Update(id, map[string]object.Value{key: v})
}

// Unset removes attributes.
func (s *Store) Unset(id string, keys ...string) error {
	return s.Edit(id, Change{Unset: keys})
}

// SetParent moves an object under another one. parent may be "". Moving an
// object below one of its own descendants fails with ErrInvalidObject.
func (s *Store) SetParent(id, parent string) error {
	return s.Edit(id, Change{Parent: &parent})
}

func cycleError(id, parent string) error {
	return fmt.Errorf("%w: %s is inside %s, cannot become its parent", ErrInvalidObject, parent, id)
}

func (s *Store) mutate(id string, fn func(*object.Object) (bool, error)) error {
	self := s.bus.Self()

	s.mu.Lock()
	cur, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	work := cur.Clone()
	changed, err := fn(work)
	if err != nil || !changed {
		s.mu.Unlock()
		return err
	}
	work.Version = s.tick()
	work.Writer = self
	s.objects[id] = work
	cp := work.Clone()
	s.mu.Unlock()

	s.emit(events.UpdateObject, cp, false)
	return nil
}

// lookup returns the live object. Must be called with the lock held.
func (s *Store) lookup(id string) (*object.Object, error) {
	cur, ok := s.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !cur.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrDestroyed, id)
	}
	return cur, nil
}

// Get returns a copy of an active object.
func (s *Store) Get(id string) (*object.Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, err := s.lookup(id)
	if err != nil {
		return nil, false
	}
	return cur.Clone(), true
}

// Resolve is Get for callers that need to tell a destroyed object
// (ErrDestroyed) from one that never existed (ErrNotFound). Both wrap
// ErrUnresolvedReference.
func (s *Store) Resolve(id string) (*object.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// ResolveRef follows the reference stored under key. A missing, non-ref or
// dangling attribute resolves to absent.
func (s *Store) ResolveRef(o *object.Object, key string) (*object.Object, bool) {
	v, ok := o.Get(key)
	if !ok || v.RefID() == "" {
		return nil, false
	}
	return s.Get(v.RefID())
}

// Exists reports whether id was ever registered here, destroyed or not.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return ok
}

// GetAll yields active objects of typeTag ("" for every type) in insertion
// order. Each iteration reads the store afresh.
func (s *Store) GetAll(typeTag string) iter.Seq[*object.Object] {
	return func(yield func(*object.Object) bool) {
		s.mu.RLock()
		ids := slices.Clone(s.order)
		s.mu.RUnlock()

		for _, id := range ids {
			o, ok := s.Get(id)
			if !ok || (typeTag != "" && o.Type != typeTag) {
				continue
			}
			if !yield(o) {
				return
			}
		}
	}
}

// All returns every active object in insertion order.
func (s *Store) All() []*object.Object {
	return slices.Collect(s.GetAll(""))
}

// Records returns every object known here, tombstones included, in
// insertion order. Used for full-state sync.
func (s *Store) Records() []*object.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*object.Object, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.objects[id].Clone())
	}
	return out
}

// Len counts active objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, o := range s.objects {
		if o.IsActive() {
			n++
		}
	}
	return n
}

// Children returns the active objects whose parent is id.
func (s *Store) Children(id string) []*object.Object {
	var out []*object.Object
	for o := range s.GetAll("") {
		if o.Parent == id {
			out = append(out, o)
		}
	}
	return out
}

// Subtree returns id and all its active descendants, parents first.
func (s *Store) Subtree(id string) []*object.Object {
	root, ok := s.Get(id)
	if !ok {
		return nil
	}
	all := s.All()
	out := []*object.Object{root}
	seen := map[string]bool{id: true}
	for i := 0; i < len(out); i++ {
		for _, o := range all {
			if o.Parent == out[i].Identifier && !seen[o.Identifier] {
				seen[o.Identifier] = true
				out = append(out, o)
			}
		}
	}
	return out
}

// Remove destroys an object and its descendants. Removing an absent or
// already destroyed object is a no-op. It reports whether anything changed.
func (s *Store) Remove(id string) bool {
	tree := s.Subtree(id)
	if len(tree) == 0 {
		return false
	}
	treeText, err := snapshot.EncodeTree(tree)
	if err != nil {
		s.logger.Warn("could not snapshot removed tree", zap.String("id", id), zap.Error(err))
	}
	self := s.bus.Self()

	s.mu.Lock()
	var removed []*object.Object
	// children first so that observers never see an orphan
	for i := len(tree) - 1; i >= 0; i-- {
		cur, ok := s.objects[tree[i].Identifier]
		if !ok || !cur.IsActive() {
			continue
		}
		tomb := object.New(cur.Identifier, cur.Type)
		tomb.Owner = cur.Owner
		tomb.Parent = cur.Parent
		tomb.State = object.Destroyed
		tomb.Version = s.tick()
		tomb.Writer = self
		s.objects[cur.Identifier] = tomb
		removed = append(removed, tomb.Clone())
	}
	s.mu.Unlock()

	for _, tomb := range removed {
		data := s.data(tomb)
		if tomb.Identifier == id && treeText != "" {
			data[KeyTree] = treeText
		}
		s.bus.Trigger(events.DeleteObject, data)
	}
	return len(removed) > 0
}

// Forget drops an object from this peer only. Nothing is sent to other
// peers and no tombstone is kept.
func (s *Store) Forget(id string) bool {
	s.mu.Lock()
	cur, ok := s.objects[id]
	if !ok || !cur.IsActive() {
		s.mu.Unlock()
		return false
	}
	delete(s.objects, id)
	s.order = slices.DeleteFunc(s.order, func(x string) bool { return x == id })
	s.mu.Unlock()

	s.emit(events.DeleteObject, cur, true)
	return true
}

// Import adds every object or none. Used by restores.
func (s *Store) Import(objs []*object.Object) error {
	seen := make(map[string]bool, len(objs))
	for _, o := range objs {
		if err := validate(o); err != nil {
			return err
		}
		if seen[o.Identifier] {
			return fmt.Errorf("%w: %s appears twice", ErrDuplicateIdentifier, o.Identifier)
		}
		seen[o.Identifier] = true
	}
	self := s.bus.Self()

	s.mu.Lock()
	for _, o := range objs {
		if _, ok := s.objects[o.Identifier]; ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, o.Identifier)
		}
	}
	added := make([]*object.Object, 0, len(objs))
	for _, o := range objs {
		added = append(added, s.insert(o, self))
	}
	s.mu.Unlock()

	for _, o := range added {
		s.emit(events.ObjectAdded, o, false)
	}
	return nil
}

// Apply merges a write received from another peer. Nothing is triggered:
// the caller is already handling the event that carried the write.
func (s *Store) Apply(in *object.Object) (Result, error) {
	if err := validate(in); err != nil {
		return Ignored, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Version > s.clock {
		s.clock = in.Version
	}

	cur, ok := s.objects[in.Identifier]
	switch {
	case !ok:
		s.objects[in.Identifier] = in.Clone()
		s.order = append(s.order, in.Identifier)
		if in.State == object.Destroyed {
			return Destroyed, nil
		}
		return Created, nil
	case !cur.IsActive():
		return Ignored, nil
	case in.State == object.Destroyed:
		tomb := in.Clone()
		if tomb.Owner == "" {
			tomb.Owner = cur.Owner
		}
		s.objects[in.Identifier] = tomb
		return Destroyed, nil
	case in.NewerThan(cur):
		next := in.Clone()
		if next.Owner == "" {
			next.Owner = cur.Owner
		}
		s.objects[in.Identifier] = next
		return Updated, nil
	default:
		return Ignored, nil
	}
}

// Snapshot encodes an object as it is stored, tombstones included.
func (s *Store) Snapshot(id string) (string, error) {
	s.mu.RLock()
	cur, ok := s.objects[id]
	if ok {
		cur = cur.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snapshot.Encode(cur)
}

// Restore re-imports a saved tree with a fresh root identifier.
func (s *Store) Restore(text string) (*object.Object, error) {
	return snapshot.Restore(s, text, s.bus.Self())
}

func (s *Store) data(o *object.Object) events.Data {
	data := events.Data{
		KeyIdentifier: o.Identifier,
		KeyType:       o.Type,
	}
	text, err := snapshot.Encode(o)
	if err != nil {
		s.logger.Error("could not encode object", zap.String("id", o.Identifier), zap.Error(err))
		return data
	}
	data[KeySnapshot] = text
	return data
}

func (s *Store) emit(name string, o *object.Object, local bool) {
	if local {
		s.bus.TriggerLocal(name, s.data(o))
		return
	}
	s.bus.Trigger(name, s.data(o))
}
