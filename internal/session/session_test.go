package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/meshtable/internal/events"
	"github.com/iggydv12/meshtable/internal/identity"
	"github.com/iggydv12/meshtable/internal/ledger"
	"github.com/iggydv12/meshtable/internal/object"
	"github.com/iggydv12/meshtable/internal/replica"
	"github.com/iggydv12/meshtable/internal/session"
	"github.com/iggydv12/meshtable/internal/store"
	"github.com/iggydv12/meshtable/internal/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu   sync.Mutex
	seen []events.Event
}

func (r *recorder) handler(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev)
	return nil
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.seen {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (r *recorder) peers(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.seen {
		if ev.Name == name {
			out = append(out, ev.Data.String(events.KeyPeer))
		}
	}
	return out
}

type peer struct {
	bus     *events.Bus
	store   *store.Store
	session *session.Session
	rec     *recorder
	pc      identity.PeerContext
}

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.OpenTimeout = 50 * time.Millisecond
	cfg.Heartbeat = 0
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func newPeer(t *testing.T, tr transport.Transport, password string) *peer {
	t.Helper()
	logger := zap.NewNop()
	bus := events.New(logger)
	st := store.New(bus, logger)
	r := replica.New(bus, st, ledger.New(), logger)
	r.Start()

	rec := &recorder{}
	for _, name := range []string{
		events.ObjectAdded, events.UpdateObject, events.DeleteObject,
		events.PeerJoined, events.PeerLeft, events.SelectGameTable,
	} {
		bus.On(name, 0, rec.handler)
	}

	s := session.New(testConfig(), bus, tr, logger)
	t.Cleanup(func() { _ = s.Close() })
	return &peer{
		bus:     bus,
		store:   st,
		session: s,
		rec:     rec,
		pc:      identity.NewPeerContext(identity.NewUserID(), identity.DefaultRoomID, "Alpha", password),
	}
}

func (p *peer) open(t *testing.T) {
	t.Helper()
	require.NoError(t, p.session.Open(context.Background(), p.pc))
	require.Equal(t, session.StateOpen, p.session.State())
}

func hasObject(p *peer, id string) func() bool {
	return func() bool {
		_, ok := p.store.Get(id)
		return ok
	}
}

func TestAddOnOnePeerIsVisibleOnTheOther(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	a := newPeer(t, n.NewTransport(), "pw")
	b := newPeer(t, n.NewTransport(), "pw")
	a.open(t)
	b.open(t)

	assert.Eventually(t, func() bool { return len(a.session.Peers()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{a.pc.PeerID}, b.session.Peers())

	require.NoError(t, a.store.Add(object.New("obj-1", "piece").With("x", object.Number(1))))
	assert.Eventually(t, hasObject(b, "obj-1"), waitFor, tick)

	require.NoError(t, a.store.Set("obj-1", "x", object.Number(2)))
	assert.Eventually(t, func() bool {
		o, ok := b.store.Get("obj-1")
		return ok && o.Attributes["x"].Int() == 2
	}, waitFor, tick)

	a.store.Remove("obj-1")
	assert.Eventually(t, func() bool {
		_, err := b.store.Resolve("obj-1")
		return errors.Is(err, store.ErrDestroyed)
	}, waitFor, tick)

	// remote events reach ordinary observers with their origin
	assert.Eventually(t, func() bool { return b.rec.count(events.DeleteObject) == 1 }, waitFor, tick)
}

func TestJoiningPeerCatchesUp(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	a := newPeer(t, n.NewTransport(), "")
	a.open(t)
	require.NoError(t, a.store.Add(object.New("table-1", "game-table")))
	require.NoError(t, a.store.Add(object.New("gone", "piece")))
	a.store.Remove("gone")

	b := newPeer(t, n.NewTransport(), "")
	require.NoError(t, b.store.Add(object.New("note-b", "note")))
	b.open(t)

	assert.Eventually(t, hasObject(b, "table-1"), waitFor, tick)
	assert.Eventually(t, hasObject(a, "note-b"), waitFor, tick)
	assert.Eventually(t, func() bool {
		_, err := b.store.Resolve("gone")
		return errors.Is(err, store.ErrDestroyed)
	}, waitFor, tick)
}

func TestDifferentPasswordsNeverMeet(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	a := newPeer(t, n.NewTransport(), "one")
	b := newPeer(t, n.NewTransport(), "two")
	a.open(t)
	b.open(t)

	require.NoError(t, a.store.Add(object.New("obj-1", "piece")))
	assert.Never(t, hasObject(b, "obj-1"), 100*time.Millisecond, tick)
	assert.Empty(t, a.session.Peers())
}

func TestCloseReportsPeerLeft(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	a := newPeer(t, n.NewTransport(), "pw")
	b := newPeer(t, n.NewTransport(), "pw")
	a.open(t)
	b.open(t)
	assert.Eventually(t, func() bool { return len(a.session.Peers()) == 1 }, waitFor, tick)

	require.NoError(t, a.session.Close())
	assert.Equal(t, session.StateClosed, a.session.State())
	assert.Empty(t, a.session.Peers())
	assert.Equal(t, []string{b.pc.PeerID}, a.rec.peers(events.PeerLeft))

	assert.Eventually(t, func() bool { return len(b.rec.peers(events.PeerLeft)) == 1 }, waitFor, tick)
	assert.Equal(t, []string{a.pc.PeerID}, b.rec.peers(events.PeerLeft))
	require.NoError(t, a.session.Close())
}

type countingTransport struct {
	transport.Transport
	mu       sync.Mutex
	connects int
	failures int
}

func (c *countingTransport) Connect(ctx context.Context, rendezvous, selfID string) error {
	c.mu.Lock()
	c.connects++
	fail := c.connects <= c.failures
	c.mu.Unlock()
	if fail {
		return errors.New("dial refused")
	}
	return c.Transport.Connect(ctx, rendezvous, selfID)
}

func TestTooLongIdentifierRejectedBeforeConnect(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	tr := &countingTransport{Transport: n.NewTransport()}
	p := newPeer(t, tr, "pw")

	long := identity.NewPeerContext(identity.NewUserID(), identity.NewRoomID(), strings.Repeat("long room ", 5), "pw")
	err := p.session.Open(context.Background(), long)
	assert.ErrorIs(t, err, identity.ErrIdentifierTooLong)
	assert.Equal(t, 0, tr.connects)
	assert.Equal(t, session.StateClosed, p.session.State())
}

func TestOpenRetriesConnect(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	tr := &countingTransport{Transport: n.NewTransport(), failures: 2}
	p := newPeer(t, tr, "")
	p.open(t)
	assert.Equal(t, 3, tr.connects)

	tr2 := &countingTransport{Transport: n.NewTransport(), failures: 10}
	q := newPeer(t, tr2, "")
	err := q.session.Open(context.Background(), q.pc)
	assert.Error(t, err)
	assert.Equal(t, session.StateClosed, q.session.State())
}

func TestDuplicateFramesAreDeliveredOnce(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	a := newPeer(t, n.NewTransport(), "pw")
	b := newPeer(t, n.NewTransport(), "pw")
	a.open(t)
	b.open(t)
	assert.Eventually(t, func() bool { return len(a.session.Peers()) == 1 }, waitFor, tick)

	n.Duplicate(true)
	a.bus.Trigger(events.SelectGameTable, events.Data{"identifier": "table-1"})
	assert.Eventually(t, func() bool { return b.rec.count(events.SelectGameTable) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return b.rec.count(events.SelectGameTable) > 1 }, 50*time.Millisecond, tick)
}

func TestCallReachesOnlyTarget(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	a := newPeer(t, n.NewTransport(), "")
	b := newPeer(t, n.NewTransport(), "")
	c := newPeer(t, n.NewTransport(), "")
	a.open(t)
	b.open(t)
	c.open(t)
	assert.Eventually(t, func() bool { return len(a.session.Peers()) == 2 }, waitFor, tick)

	a.bus.Call(events.SelectGameTable, events.Data{"identifier": "table-1"}, b.pc.PeerID)

	assert.Eventually(t, func() bool { return b.rec.count(events.SelectGameTable) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return c.rec.count(events.SelectGameTable) > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, 0, a.rec.count(events.SelectGameTable))

	b.rec.mu.Lock()
	var got events.Event
	for _, ev := range b.rec.seen {
		if ev.Name == events.SelectGameTable {
			got = ev
		}
	}
	b.rec.mu.Unlock()
	assert.Equal(t, a.pc.PeerID, got.Origin)
	assert.Equal(t, "table-1", got.Data.String("identifier"))
}

func TestUnreachablePeerIsDropped(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	a := newPeer(t, n.NewTransport(), "")
	b := newPeer(t, n.NewTransport(), "")
	a.open(t)
	b.open(t)
	assert.Eventually(t, func() bool { return len(a.session.Peers()) == 1 }, waitFor, tick)

	n.Cut(a.pc.PeerID, b.pc.PeerID)
	a.bus.Trigger(events.SelectGameTable, events.Data{"identifier": "table-1"})

	assert.Eventually(t, func() bool { return len(a.rec.peers(events.PeerLeft)) == 1 }, waitFor, tick)
	assert.Empty(t, a.session.Peers())
	assert.Equal(t, []string{b.pc.PeerID}, a.rec.peers(events.PeerLeft))
}

func TestCrashedPeerLeaves(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	a := newPeer(t, n.NewTransport(), "")
	b := newPeer(t, n.NewTransport(), "")
	a.open(t)
	b.open(t)
	assert.Eventually(t, func() bool { return len(a.session.Peers()) == 1 }, waitFor, tick)

	n.Crash(b.pc.PeerID)
	assert.Eventually(t, func() bool { return len(a.session.Peers()) == 0 }, waitFor, tick)
}

func TestPingRequiresOpenSession(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	p := newPeer(t, n.NewTransport(), "")
	assert.ErrorIs(t, p.session.Ping(context.Background(), "anyone"), session.ErrNotOpen)
	assert.Equal(t, "", p.session.SelfID())

	p.open(t)
	assert.Equal(t, p.pc.PeerID, p.session.SelfID())
	assert.Equal(t, p.pc, p.session.Context())
}

func TestReopenSwitchesRoom(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	a := newPeer(t, n.NewTransport(), "")
	b := newPeer(t, n.NewTransport(), "")
	a.open(t)
	b.open(t)
	assert.Eventually(t, func() bool { return len(a.session.Peers()) == 1 }, waitFor, tick)

	other := identity.NewPeerContext(a.pc.UserID, identity.DefaultRoomID, "Beta", "")
	require.NoError(t, a.session.Open(context.Background(), other))
	assert.Empty(t, a.session.Peers())
	assert.Equal(t, "Beta", a.session.Context().RoomName)
	assert.Equal(t, []string{b.pc.PeerID}, a.rec.peers(events.PeerLeft))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", session.StateClosed.String())
	assert.Equal(t, "opening", session.StateOpening.String())
	assert.Equal(t, "open", session.StateOpen.String())
	assert.True(t, session.StateOpen.IsActive())
	assert.False(t, session.StateClosed.IsActive())
}

func TestCloseDuringOpenWinsOverOpen(t *testing.T) {
	n := transport.NewMemoryNetwork(zap.NewNop())
	bus := events.New(zap.NewNop())
	cfg := testConfig()
	cfg.OpenTimeout = 5 * time.Second
	tr := n.NewTransport()
	s := session.New(cfg, bus, tr, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	pc := identity.NewPeerContext(identity.NewUserID(), identity.DefaultRoomID, "Alpha", "pw")

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background(), pc) }()
	require.Eventually(t, func() bool { return s.State() == session.StateOpening }, waitFor, tick)

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, session.ErrNotOpen)
	case <-time.After(waitFor):
		t.Fatal("Open did not return after Close")
	}
	assert.Equal(t, session.StateClosed, s.State())
	assert.Empty(t, tr.Peers())

	// the session is usable again
	other := newPeer(t, n.NewTransport(), "pw")
	other.open(t)
	require.NoError(t, s.Open(context.Background(), pc))
	assert.Equal(t, session.StateOpen, s.State())
	assert.Eventually(t, func() bool { return len(other.session.Peers()) == 1 }, waitFor, tick)
}
