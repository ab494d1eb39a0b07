// Package ledger keeps a thread-safe cross index of which peer owns which
// replicated object.
package ledger

import (
	"slices"
	"sync"
)

// Ledger tracks ownership in both directions: object to owning peer and
// peer to owned objects.
type Ledger struct {
	mu          sync.RWMutex
	objectOwner map[string]Entry            // objectID -> {peerID}
	peerObjects map[string]map[string]Entry // peerID -> objectID -> {objectID, type, ephemeral}
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		objectOwner: make(map[string]Entry),
		peerObjects: make(map[string]map[string]Entry),
	}
}

// Track records that peerID owns objectID. A changed owner moves the object.
// It reports whether anything changed.
func (l *Ledger) Track(objectID, typeTag, peerID string, ephemeral bool) bool {
	if objectID == "" || peerID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := Entry{ID: objectID, Type: typeTag, Ephemeral: ephemeral}
	if cur, ok := l.objectOwner[objectID]; ok {
		if cur.ID == peerID && l.peerObjects[peerID][objectID] == next {
			return false
		}
		l.unlink(cur.ID, objectID)
	}
	l.objectOwner[objectID] = Entry{ID: peerID}
	objs, ok := l.peerObjects[peerID]
	if !ok {
		objs = make(map[string]Entry)
		l.peerObjects[peerID] = objs
	}
	objs[objectID] = next
	return true
}

// unlink must be called with the lock held.
func (l *Ledger) unlink(peerID, objectID string) {
	objs := l.peerObjects[peerID]
	delete(objs, objectID)
	if len(objs) == 0 {
		delete(l.peerObjects, peerID)
	}
}

// Drop forgets an object.
func (l *Ledger) Drop(objectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.objectOwner[objectID]
	if !ok {
		return
	}
	delete(l.objectOwner, objectID)
	l.unlink(cur.ID, objectID)
}

// Owner returns the peer that owns objectID.
func (l *Ledger) Owner(objectID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.objectOwner[objectID]
	return e.ID, ok
}

// ObjectsOf lists the objects owned by peerID, sorted.
func (l *Ledger) ObjectsOf(peerID string) []string {
	return l.collect(peerID, func(Entry) bool { return true })
}

// EphemeralOf lists the ephemeral objects owned by peerID, sorted.
func (l *Ledger) EphemeralOf(peerID string) []string {
	return l.collect(peerID, func(e Entry) bool { return e.Ephemeral })
}

func (l *Ledger) collect(peerID string, keep func(Entry) bool) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for id, e := range l.peerObjects[peerID] {
		if keep(e) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// RemovePeer drops every record of peerID and returns the objects it owned.
func (l *Ledger) RemovePeer(peerID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for id := range l.peerObjects[peerID] {
		delete(l.objectOwner, id)
		out = append(out, id)
	}
	delete(l.peerObjects, peerID)
	slices.Sort(out)
	return out
}

// CountOwned returns how many objects peerID owns.
func (l *Ledger) CountOwned(peerID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.peerObjects[peerID])
}

// Peers lists every peer owning at least one object, sorted.
func (l *Ledger) Peers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.peerObjects))
	for p := range l.peerObjects {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Snapshot returns a copy of the peer to objects index.
func (l *Ledger) Snapshot() map[string][]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := make(map[string][]string, len(l.peerObjects))
	for p, objs := range l.peerObjects {
		ids := make([]string, 0, len(objs))
		for id := range objs {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		snap[p] = ids
	}
	return snap
}

// Clear empties the ledger.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.objectOwner = make(map[string]Entry)
	l.peerObjects = make(map[string]map[string]Entry)
}
