// Package replica keeps the local store in step with the rest of the room.
//
// Remote object events are applied before any other handler sees them, a
// newly joined peer receives the full room state, and ephemeral objects
// leave together with their owner.
package replica

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/iggydv12/meshtable/internal/events"
	"github.com/iggydv12/meshtable/internal/ledger"
	"github.com/iggydv12/meshtable/internal/object"
	"github.com/iggydv12/meshtable/internal/snapshot"
	"github.com/iggydv12/meshtable/internal/store"
)

const (
	// Priority runs the replicator ahead of every ordinary handler.
	Priority = -1000
	// EphemeralKey marks objects that live only while their owner is
	// connected, such as peer cursors.
	EphemeralKey = "ephemeral"
	// KeyRoom carries the room snapshot of SYNCHRONIZE_OBJECTS.
	KeyRoom = "room"
)

// Replicator applies remote changes to the store and tracks ownership.
type Replicator struct {
	bus    *events.Bus
	store  *store.Store
	ledger *ledger.Ledger
	logger *zap.Logger
}

// New creates a Replicator. Call Start to attach it to the bus.
func New(bus *events.Bus, st *store.Store, led *ledger.Ledger, logger *zap.Logger) *Replicator {
	return &Replicator{bus: bus, store: st, ledger: led, logger: logger}
}

// Start registers the replicator's handlers.
func (r *Replicator) Start() {
	r.bus.Register(r).
		On(events.ObjectAdded, Priority, r.onObject).
		On(events.UpdateObject, Priority, r.onObject).
		On(events.DeleteObject, Priority, r.onObject).
		On(events.SynchronizeObjects, Priority, r.onSynchronize).
		On(events.PeerJoined, Priority, r.onPeerJoined).
		On(events.PeerLeft, Priority, r.onPeerLeft)
}

// Stop removes every handler registered by Start.
func (r *Replicator) Stop() {
	r.bus.Unregister(r)
}

func isEphemeral(o *object.Object) bool {
	v, ok := o.Get(EphemeralKey)
	return ok && v.Bool()
}

func (r *Replicator) track(o *object.Object, fallbackOwner string) {
	if !o.IsActive() {
		r.ledger.Drop(o.Identifier)
		return
	}
	owner := o.Owner
	if owner == "" {
		owner = fallbackOwner
	}
	r.ledger.Track(o.Identifier, o.Type, owner, isEphemeral(o))
}

func (r *Replicator) onObject(ev events.Event) error {
	text := ev.Data.String(store.KeySnapshot)
	if text == "" {
		return fmt.Errorf("%s without snapshot", ev.Name)
	}
	o, err := snapshot.Decode(text)
	if err != nil {
		return fmt.Errorf("%s from %s: %w", ev.Name, ev.Origin, err)
	}

	if ev.IsFrom(r.bus.Self()) {
		if ev.Local && ev.Name == events.DeleteObject {
			// forgotten, not destroyed
			r.ledger.Drop(o.Identifier)
			return nil
		}
		r.track(o, ev.Origin)
		return nil
	}

	res, err := r.store.Apply(o)
	if err != nil {
		return fmt.Errorf("apply %s from %s: %w", o.Identifier, ev.Origin, err)
	}
	if res == store.Ignored {
		// stale: nothing changed here, later handlers must not react
		return events.ErrStopPropagation
	}
	r.track(o, ev.Origin)
	return nil
}

func (r *Replicator) onPeerJoined(ev events.Event) error {
	peer := ev.Data.String(events.KeyPeer)
	if peer == "" {
		return nil
	}
	room, err := snapshot.EncodeRoom(r.store.Records())
	if err != nil {
		return fmt.Errorf("room snapshot for %s: %w", peer, err)
	}
	r.logger.Debug("Sending room state", zap.String("peer", peer), zap.Int("bytes", len(room)))
	r.bus.Call(events.SynchronizeObjects, events.Data{KeyRoom: room}, peer)
	return nil
}

func (r *Replicator) onSynchronize(ev events.Event) error {
	if ev.IsFrom(r.bus.Self()) {
		return nil
	}
	objs, err := snapshot.DecodeRoom(ev.Data.String(KeyRoom))
	if err != nil {
		return fmt.Errorf("room state from %s: %w", ev.Origin, err)
	}

	applied := 0
	for _, o := range objs {
		res, err := r.store.Apply(o)
		if err != nil {
			r.logger.Warn("skipping synced object", zap.String("id", o.Identifier), zap.Error(err))
			continue
		}
		var name string
		switch res {
		case store.Created:
			name = events.ObjectAdded
		case store.Updated:
			name = events.UpdateObject
		case store.Destroyed:
			name = events.DeleteObject
		default:
			continue
		}
		applied++
		text, err := snapshot.Encode(o)
		if err != nil {
			continue
		}
		// replayed locally so observers learn about the change
		r.bus.TriggerLocal(name, events.Data{
			store.KeyIdentifier: o.Identifier,
			store.KeyType:       o.Type,
			store.KeySnapshot:   text,
		})
	}
	// logged once every replayed event has been dispatched
	r.bus.Post(func() {
		r.logger.Info("Room state merged",
			zap.String("from", ev.Origin),
			zap.Int("objects", len(objs)),
			zap.Int("changed", applied),
			zap.Strings("dangling", r.dangling(objs)),
		)
	})
	return nil
}

// dangling lists the identifiers objs point at that this store has never
// seen.
func (r *Replicator) dangling(objs []*object.Object) []string {
	var out []string
	for _, o := range objs {
		for _, id := range o.References() {
			if !r.store.Exists(id) && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	slices.Sort(out)
	return out
}

func (r *Replicator) onPeerLeft(ev events.Event) error {
	peer := ev.Data.String(events.KeyPeer)
	for _, id := range r.ledger.EphemeralOf(peer) {
		r.store.Forget(id)
		r.ledger.Drop(id)
	}
	return nil
}
