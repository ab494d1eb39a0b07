// Package events provides the in-process event bus: priority-ordered
// publish/subscribe, targeted calls, and a relay hook through which the
// network session forwards events to other peers.
package events

import "errors"

// Event names shared across the node.
const (
	ObjectAdded        = "OBJECT_ADDED"
	UpdateObject       = "UPDATE_OBJECT"
	DeleteObject       = "DELETE_OBJECT"
	PeerJoined         = "PEER_JOINED"
	PeerLeft           = "PEER_LEFT"
	SynchronizeObjects = "SYNCHRONIZE_OBJECTS"
	SelectGameTable    = "SELECT_GAME_TABLE"
	MessageAdded       = "MESSAGE_ADDED"
)

// KeyPeer is the Data key carrying the peer id of PEER_JOINED and PEER_LEFT.
const KeyPeer = "peerId"

// ErrStopPropagation is returned by a handler to keep lower-priority
// handlers from running for the current dispatch. It never affects remote
// delivery.
var ErrStopPropagation = errors.New("stop propagation")

// Data is the event payload. Values must be JSON-compatible (string,
// float64, bool, nil, []any, map[string]any) so the session can put them on
// the wire.
type Data map[string]any

// String returns a string field, or "".
func (d Data) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Event is created at trigger time, handed to every matching handler in one
// dispatch pass and then discarded.
type Event struct {
	Name   string
	Data   Data
	Target string // empty for broadcasts
	Origin string // peer that triggered the event
	Local  bool   // never forwarded to other peers
}

// IsFrom reports whether the event was triggered by peer.
func (e Event) IsFrom(peer string) bool { return e.Origin == peer }

// Handler receives one event.
type Handler func(Event) error

// Relay receives every non-local event triggered on this peer, after the
// local handlers have run.
type Relay interface {
	Relay(Event)
}
