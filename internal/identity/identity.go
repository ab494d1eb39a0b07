// Package identity derives room rendezvous identifiers and generates the
// random identifiers used for users, rooms and objects.
package identity

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"
)

const (
	// MaxIdentifierLength is the transport's limit. Identifiers at or above
	// it are rejected before any network attempt.
	MaxIdentifierLength = 64

	UserIDLength = 10
	RoomIDLength = 8
	RoomIDPrefix = "r"

	// DefaultRoomID is the salt used when no room id is shared out of band.
	DefaultRoomID = "r0000000"

	digestBytes = 10
)

// appKey keys the password digest so that digests are specific to this
// application.
var appKey = []byte("meshtable/room-password/v1")

var ErrIdentifierTooLong = errors.New("identifier too long")

// lowercase RFC 4648 alphabet: no '-' so it never collides with the digest separator
var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// GenerateID returns a fresh random identifier, namespaced by prefix.
func GenerateID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}

// NewUserID returns a short random user identifier.
func NewUserID() string {
	return randomPart(UserIDLength)
}

// NewRoomID returns a random room salt.
func NewRoomID() string {
	return RoomIDPrefix + randomPart(RoomIDLength-len(RoomIDPrefix))
}

// randomPart takes n characters from the entropy section of a ULID.
func randomPart(n int) string {
	s := strings.ToLower(ulid.Make().String())
	return s[len(s)-n:]
}

// DerivePeerID returns the rendezvous identifier for roomName and password
// under the default room salt. It is pure and deterministic.
func DerivePeerID(roomName, password string) string {
	return Derive(DefaultRoomID, roomName, password)
}

// Derive returns the rendezvous identifier for a room. Public rooms (empty
// password) have no digest segment.
func Derive(roomID, roomName, password string) string {
	id := roomID + encoding.EncodeToString([]byte(roomName))
	if password == "" {
		return id
	}
	return id + "-" + Digest(roomID, roomName, password)
}

// Digest is the keyed hash of a room password. The clear password never
// leaves this function.
func Digest(roomID, roomName, password string) string {
	h, err := blake2b.New256(appKey)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	for _, part := range []string{roomID, roomName, password} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return encoding.EncodeToString(h.Sum(nil)[:digestBytes])
}

// Validate rejects identifiers the transport would not accept.
func Validate(id string) error {
	if len(id) >= MaxIdentifierLength {
		return fmt.Errorf("%w: %d characters (limit %d)", ErrIdentifierTooLong, len(id), MaxIdentifierLength)
	}
	return nil
}

// RoomInfo is what a rendezvous identifier reveals about its room.
type RoomInfo struct {
	RoomID    string
	RoomName  string
	IsPrivate bool
}

// ParseRendezvous recovers the room id, name and privacy flag.
func ParseRendezvous(rendezvous string) (RoomInfo, error) {
	if len(rendezvous) < RoomIDLength {
		return RoomInfo{}, fmt.Errorf("rendezvous %q too short", rendezvous)
	}
	info := RoomInfo{RoomID: rendezvous[:RoomIDLength]}
	rest := rendezvous[RoomIDLength:]
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		info.IsPrivate = true
		rest = rest[:i]
	}
	name, err := encoding.DecodeString(rest)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("rendezvous %q: room name: %w", rendezvous, err)
	}
	info.RoomName = string(name)
	return info, nil
}
