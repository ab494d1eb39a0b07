// Package transport abstracts the peer-to-peer mesh the session runs on.
//
// A Transport joins a room under its rendezvous identifier, delivers opaque
// payloads to individual peers and reports peers joining and leaving. It
// gives no ordering guarantee across peers; payloads on a single link arrive
// in the order they were sent.
package transport

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by Send when the peer cannot be reached.
var ErrUnavailable = errors.New("peer unavailable")

// Handler receives transport callbacks. Implementations must not block: the
// transport calls them from its own goroutines.
type Handler interface {
	Receive(from string, payload []byte)
	PeerJoined(peerID string)
	PeerLeft(peerID string)
}

// Transport is the mesh contract consumed by the session.
type Transport interface {
	// Connect joins the room identified by rendezvous as selfID.
	Connect(ctx context.Context, rendezvous, selfID string) error
	// Send delivers payload to one connected peer.
	Send(ctx context.Context, peerID string, payload []byte) error
	// SetHandler installs the callback receiver. Call before Connect.
	SetHandler(h Handler)
	// Peers lists the currently connected peers.
	Peers() []string
	// Disconnect leaves the room. Peers are not notified through the handler.
	Disconnect() error
}
