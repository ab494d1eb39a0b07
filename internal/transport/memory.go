package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// MemoryNetwork is an in-process mesh. Every MemoryTransport created from it
// can reach every other one connected under the same rendezvous. Delivery is
// synchronous and deterministic, which makes it the transport of choice for
// tests and local simulation.
type MemoryNetwork struct {
	mu        sync.Mutex
	rooms     map[string]map[string]*MemoryTransport // rendezvous -> peerID -> endpoint
	cut       map[[2]string]bool
	duplicate bool
	logger    *zap.Logger
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork(logger *zap.Logger) *MemoryNetwork {
	return &MemoryNetwork{
		rooms:  make(map[string]map[string]*MemoryTransport),
		cut:    make(map[[2]string]bool),
		logger: logger,
	}
}

// NewTransport creates an endpoint on the network.
func (n *MemoryNetwork) NewTransport() *MemoryTransport {
	return &MemoryTransport{network: n}
}

func link(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Cut makes every send between a and b fail with ErrUnavailable.
func (n *MemoryNetwork) Cut(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[link(a, b)] = true
}

// Heal restores the link between a and b.
func (n *MemoryNetwork) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, link(a, b))
}

// Duplicate makes the network deliver every payload twice.
func (n *MemoryNetwork) Duplicate(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.duplicate = on
}

// Crash removes peerID from its room as if the process died: the remaining
// peers see it leave, the crashed endpoint is told nothing.
func (n *MemoryNetwork) Crash(peerID string) {
	n.mu.Lock()
	var others []*MemoryTransport
	for _, members := range n.rooms {
		if t, ok := members[peerID]; ok {
			delete(members, peerID)
			t.reset()
			for _, o := range members {
				others = append(others, o)
			}
		}
	}
	n.mu.Unlock()

	for _, o := range others {
		o.notifyLeft(peerID)
	}
}

// MemoryTransport is one endpoint on a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork

	mu         sync.Mutex
	handler    Handler
	rendezvous string
	self       string
}

// SetHandler installs the callback receiver.
func (t *MemoryTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MemoryTransport) state() (Handler, string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler, t.rendezvous, t.self
}

func (t *MemoryTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rendezvous = ""
	t.self = ""
}

// Connect joins the room. Every member already present and the new endpoint
// see each other join.
func (t *MemoryTransport) Connect(ctx context.Context, rendezvous, selfID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rendezvous == "" || selfID == "" {
		return errors.New("rendezvous and peer id are required")
	}

	n := t.network
	n.mu.Lock()
	t.mu.Lock()
	if t.self != "" {
		t.mu.Unlock()
		n.mu.Unlock()
		return fmt.Errorf("already connected as %s", t.self)
	}
	members, ok := n.rooms[rendezvous]
	if !ok {
		members = make(map[string]*MemoryTransport)
		n.rooms[rendezvous] = members
	}
	if _, taken := members[selfID]; taken {
		t.mu.Unlock()
		n.mu.Unlock()
		return fmt.Errorf("peer id %s already in room", selfID)
	}
	t.rendezvous = rendezvous
	t.self = selfID
	t.mu.Unlock()

	existing := make([]*MemoryTransport, 0, len(members))
	for _, id := range sortedKeys(members) {
		existing = append(existing, members[id])
	}
	members[selfID] = t
	n.mu.Unlock()

	n.logger.Debug("memory transport connected",
		zap.String("rendezvous", rendezvous),
		zap.String("peer", selfID),
		zap.Int("members", len(existing)),
	)
	for _, o := range existing {
		_, _, other := o.state()
		o.notifyJoined(selfID)
		t.notifyJoined(other)
	}
	return nil
}

// Send delivers payload to peerID synchronously.
func (t *MemoryTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, rendezvous, self := t.state()
	if self == "" {
		return fmt.Errorf("%w: not connected", ErrUnavailable)
	}

	n := t.network
	n.mu.Lock()
	dst, ok := n.rooms[rendezvous][peerID]
	cut := n.cut[link(self, peerID)]
	times := 1
	if n.duplicate {
		times = 2
	}
	n.mu.Unlock()
	if !ok || cut {
		return fmt.Errorf("%w: %s", ErrUnavailable, peerID)
	}

	h, _, _ := dst.state()
	if h == nil {
		return nil
	}
	for range times {
		h.Receive(self, slices.Clone(payload))
	}
	return nil
}

// Peers lists the other members of the room.
func (t *MemoryTransport) Peers() []string {
	_, rendezvous, self := t.state()
	n := t.network
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, id := range sortedKeys(n.rooms[rendezvous]) {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

// Disconnect leaves the room; the remaining members see this peer leave.
func (t *MemoryTransport) Disconnect() error {
	_, rendezvous, self := t.state()
	if self == "" {
		return nil
	}

	n := t.network
	n.mu.Lock()
	members := n.rooms[rendezvous]
	delete(members, self)
	if len(members) == 0 {
		delete(n.rooms, rendezvous)
	}
	others := make([]*MemoryTransport, 0, len(members))
	for _, id := range sortedKeys(members) {
		others = append(others, members[id])
	}
	t.reset()
	n.mu.Unlock()

	for _, o := range others {
		o.notifyLeft(self)
	}
	return nil
}

func (t *MemoryTransport) notifyJoined(peerID string) {
	if h, _, _ := t.state(); h != nil {
		h.PeerJoined(peerID)
	}
}

func (t *MemoryTransport) notifyLeft(peerID string) {
	if h, _, _ := t.state(); h != nil {
		h.PeerLeft(peerID)
	}
}

func sortedKeys(m map[string]*MemoryTransport) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
