package identity

import (
	"errors"
	"fmt"

	"github.com/iggydv12/meshtable/internal/storage/local"
)

const userIDKey = "identity/user"

// PeerContext is the local peer's identity inside one room.
type PeerContext struct {
	UserID         string `json:"userId"`
	RoomID         string `json:"roomId"`
	RoomName       string `json:"roomName"`
	PasswordDigest string `json:"-"`
	IsPrivate      bool   `json:"isPrivate"`
	Rendezvous     string `json:"rendezvous"`
	PeerID         string `json:"peerId"`

	password string
}

// NewPeerContext derives the rendezvous and peer identifiers for a user
// entering a room. The password is kept only in memory.
func NewPeerContext(userID, roomID, roomName, password string) PeerContext {
	ctx := PeerContext{
		UserID:     userID,
		RoomID:     roomID,
		RoomName:   roomName,
		IsPrivate:  password != "",
		Rendezvous: Derive(roomID, roomName, password),
		password:   password,
	}
	if ctx.IsPrivate {
		ctx.PasswordDigest = Digest(roomID, roomName, password)
	}
	ctx.PeerID = userID + ctx.Rendezvous
	return ctx
}

// Validate checks both identifiers against the transport limit.
func (c PeerContext) Validate() error {
	if c.UserID == "" {
		return errors.New("empty user id")
	}
	if err := Validate(c.Rendezvous); err != nil {
		return fmt.Errorf("rendezvous: %w", err)
	}
	if err := Validate(c.PeerID); err != nil {
		return fmt.Errorf("peer id: %w", err)
	}
	return nil
}

// SameRoom reports whether other targets the same rendezvous.
func (c PeerContext) SameRoom(other PeerContext) bool {
	return c.Rendezvous == other.Rendezvous
}

// WithUser returns the same room context for another user.
func (c PeerContext) WithUser(userID string) PeerContext {
	return NewPeerContext(userID, c.RoomID, c.RoomName, c.password)
}

// UserIDOf extracts the user part of a peer id.
func UserIDOf(peerID string) string {
	if len(peerID) < UserIDLength {
		return peerID
	}
	return peerID[:UserIDLength]
}

// LoadOrCreateUserID returns the persisted user id, generating and storing
// one on first run.
func LoadOrCreateUserID(kv local.LocalStorage) (string, error) {
	data, err := kv.Get(userIDKey)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err != nil && !errors.Is(err, local.ErrNotFound) {
		return "", fmt.Errorf("load user id: %w", err)
	}

	id := NewUserID()
	if err := kv.Update(userIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist user id: %w", err)
	}
	return id, nil
}
