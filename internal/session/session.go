// Package session connects the local event bus to the other peers of a
// room. It relays locally triggered events over the mesh transport and
// re-injects the events it receives, tagged with their origin peer.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/meshtable/internal/events"
	"github.com/iggydv12/meshtable/internal/identity"
	"github.com/iggydv12/meshtable/internal/transport"
)

var ErrNotOpen = errors.New("session not open")

// Config tunes a Session.
type Config struct {
	OpenTimeout   time.Duration // how long Open waits for the first peer
	SendTimeout   time.Duration
	Heartbeat     time.Duration // 0 disables the heartbeat
	RetryAttempts uint
	RetryDelay    time.Duration
	DedupeWindow  int // remembered message ids
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		OpenTimeout:   3 * time.Second,
		SendTimeout:   5 * time.Second,
		Heartbeat:     15 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		DedupeWindow:  4096,
	}
}

// Session is the local peer's membership in one room.
//
// Transport callbacks only append to the inbox; a pump goroutine feeds them
// to the bus. Relayed events go through the outbox to a single sender
// goroutine, so frames to any one peer leave in trigger order.
type Session struct {
	cfg       Config
	bus       *events.Bus
	transport transport.Transport
	logger    *zap.Logger

	mu      sync.RWMutex
	state   State
	pc      identity.PeerContext
	peers   map[string]time.Time // peer id -> joined at
	seen    *seenSet
	inbox   *mailbox
	outbox  *mailbox
	contact chan struct{}
	cancel  context.CancelFunc
	gen     uint64 // bumped by every Open
	wg      sync.WaitGroup
}

// New creates a closed Session.
func New(cfg Config, bus *events.Bus, tr transport.Transport, logger *zap.Logger) *Session {
	def := DefaultConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	return &Session{
		cfg:       cfg,
		bus:       bus,
		transport: tr,
		logger:    logger,
		peers:     make(map[string]time.Time),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Context returns the identity the session was opened with.
func (s *Session) Context() identity.PeerContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pc
}

// SelfID returns the local peer id, "" while closed.
func (s *Session) SelfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateClosed {
		return ""
	}
	return s.pc.PeerID
}

// Peers lists the connected peers, sorted.
func (s *Session) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Open joins the room described by pc. Identifiers are validated before any
// network call. Open waits for the first peer or the open timeout, whichever
// comes first; an empty room is not an error. Opening an open session
// closes it first.
func (s *Session) Open(ctx context.Context, pc identity.PeerContext) error {
	if err := pc.Validate(); err != nil {
		return err
	}
	if s.State() != StateClosed {
		if err := s.Close(); err != nil {
			s.logger.Warn("closing previous room failed", zap.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.state = StateOpening
	s.pc = pc
	s.peers = make(map[string]time.Time)
	s.seen = newSeenSet(s.cfg.DedupeWindow)
	s.inbox = newMailbox()
	s.outbox = newMailbox()
	s.contact = make(chan struct{})
	s.cancel = cancel
	s.gen++
	gen := s.gen
	inbox, outbox, contact := s.inbox, s.outbox, s.contact
	s.mu.Unlock()

	s.bus.SetSelf(pc.PeerID)
	s.bus.SetRelay(s)
	s.transport.SetHandler(s)

	s.wg.Add(2)
	go s.pump(runCtx, inbox)
	go s.send(runCtx, outbox)

	s.logger.Info("Opening room",
		zap.String("room", pc.RoomName),
		zap.String("rendezvous", pc.Rendezvous),
		zap.String("peer", pc.PeerID),
		zap.Bool("private", pc.IsPrivate),
	)

	err := retry.Do(
		func() error { return s.transport.Connect(ctx, pc.Rendezvous, pc.PeerID) },
		retry.Context(ctx),
		retry.Attempts(s.cfg.RetryAttempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("room connect failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		if s.stillOpening(gen) {
			s.teardown()
		}
		return fmt.Errorf("open room %s: %w", pc.RoomName, err)
	}
	if !s.stillOpening(gen) {
		// closed while connecting; the transport came up after Close
		// disconnected it
		if s.State() == StateClosed {
			_ = s.transport.Disconnect()
		}
		return fmt.Errorf("open room %s: closed while connecting: %w", pc.RoomName, ErrNotOpen)
	}

	if s.cfg.OpenTimeout > 0 {
		timer := time.NewTimer(s.cfg.OpenTimeout)
		select {
		case <-contact:
		case <-timer.C:
		case <-runCtx.Done():
			// closed meanwhile
		case <-ctx.Done():
			timer.Stop()
			if s.stillOpening(gen) {
				_ = s.Close()
			}
			return ctx.Err()
		}
		timer.Stop()
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateOpening {
		s.mu.Unlock()
		return fmt.Errorf("open room %s: closed while waiting for peers: %w", pc.RoomName, ErrNotOpen)
	}
	s.state = StateOpen
	s.mu.Unlock()

	if s.cfg.Heartbeat > 0 {
		s.wg.Add(1)
		go s.heartbeat(runCtx)
	}
	s.logger.Info("Room open", zap.String("peer", pc.PeerID), zap.Int("peers", len(s.Peers())))
	return nil
}

// stillOpening reports whether the Open of generation gen is still in
// progress.
func (s *Session) stillOpening(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen == gen && s.state == StateOpening
}

// Close leaves the room and reports PEER_LEFT for every connected peer.
// Closing a closed session does nothing. Must not be called from an event
// handler.
func (s *Session) Close() error {
	if s.State() == StateClosed {
		return nil
	}
	peers := s.Peers()
	err := s.transport.Disconnect()
	s.teardown()

	for _, p := range peers {
		s.bus.TriggerLocal(events.PeerLeft, events.Data{events.KeyPeer: p})
	}
	s.logger.Info("Room closed", zap.Int("peers", len(peers)))
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (s *Session) teardown() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.state = StateClosed
	s.peers = make(map[string]time.Time)
	s.mu.Unlock()

	s.bus.SetRelay(nil)
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Ping sends a heartbeat frame to peerID.
func (s *Session) Ping(ctx context.Context, peerID string) error {
	if s.State() != StateOpen {
		return ErrNotOpen
	}
	payload, err := newEnvelope(kindPing, events.Event{Origin: s.SelfID()}).marshal()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return s.transport.Send(ctx, peerID, payload)
}

// Relay implements events.Relay. It runs inside a bus dispatch and only
// queues the event.
func (s *Session) Relay(ev events.Event) {
	s.mu.RLock()
	outbox := s.outbox
	active := s.state.IsActive()
	s.mu.RUnlock()
	if !active || outbox == nil {
		return
	}
	outbox.push(func() { s.deliver(ev) })
}

// deliver encodes ev and sends it to its target, or to every peer.
func (s *Session) deliver(ev events.Event) {
	payload, err := newEnvelope(kindEvent, ev).marshal()
	if err != nil {
		s.logger.Error("event not relayed", zap.String("event", ev.Name), zap.Error(err))
		return
	}

	targets := s.Peers()
	if ev.Target != "" {
		if !slices.Contains(targets, ev.Target) {
			s.logger.Debug("call target not connected", zap.String("event", ev.Name), zap.String("target", ev.Target))
			return
		}
		targets = []string{ev.Target}
	}

	var g errgroup.Group
	for _, p := range targets {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
			defer cancel()
			if err := s.transport.Send(ctx, p, payload); err != nil {
				s.dropPeer(p, err)
				return fmt.Errorf("send %s to %s: %w", ev.Name, p, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("relay incomplete", zap.String("event", ev.Name), zap.Error(err))
	}
}

// dropPeer forgets a peer that could not be reached.
func (s *Session) dropPeer(peerID string, cause error) {
	s.logger.Warn("peer unreachable, dropping", zap.String("peer", peerID), zap.Error(cause))
	s.PeerLeft(peerID)
}

// Receive implements transport.Handler.
func (s *Session) Receive(from string, payload []byte) {
	s.enqueue(func() { s.handleInbound(from, payload) })
}

// PeerJoined implements transport.Handler.
func (s *Session) PeerJoined(peerID string) {
	s.enqueue(func() { s.handleJoined(peerID) })
}

// PeerLeft implements transport.Handler.
func (s *Session) PeerLeft(peerID string) {
	s.enqueue(func() { s.handleLeft(peerID) })
}

func (s *Session) enqueue(fn func()) {
	s.mu.RLock()
	inbox := s.inbox
	s.mu.RUnlock()
	if inbox != nil {
		inbox.push(fn)
	}
}

func (s *Session) handleInbound(from string, payload []byte) {
	env, err := unmarshalEnvelope(payload)
	if err != nil {
		s.logger.Warn("dropping inbound frame", zap.String("from", from), zap.Error(err))
		return
	}

	s.mu.Lock()
	fresh := s.seen.add(env.ID)
	self := s.pc.PeerID
	s.mu.Unlock()
	if !fresh || env.Kind == kindPing {
		return
	}
	if env.Target != "" && env.Target != self {
		s.logger.Debug("dropping misaddressed call", zap.String("event", env.Name), zap.String("target", env.Target))
		return
	}
	if env.Origin != from {
		s.logger.Debug("origin mismatch, using sender", zap.String("origin", env.Origin), zap.String("from", from))
	}
	s.bus.Inject(events.Event{
		Name:   env.Name,
		Data:   env.Data,
		Target: env.Target,
		Origin: from,
	})
}

func (s *Session) handleJoined(peerID string) {
	s.mu.Lock()
	if !s.state.IsActive() || peerID == s.pc.PeerID {
		s.mu.Unlock()
		return
	}
	_, known := s.peers[peerID]
	s.peers[peerID] = time.Now()
	contact := s.contact
	s.mu.Unlock()

	if contact != nil {
		select {
		case <-contact:
		default:
			close(contact)
		}
	}
	if known {
		return
	}
	s.logger.Info("Peer joined", zap.String("peer", peerID))
	s.bus.TriggerLocal(events.PeerJoined, events.Data{events.KeyPeer: peerID})
}

func (s *Session) handleLeft(peerID string) {
	s.mu.Lock()
	_, known := s.peers[peerID]
	delete(s.peers, peerID)
	s.mu.Unlock()
	if !known {
		return
	}
	s.logger.Info("Peer left", zap.String("peer", peerID))
	s.bus.TriggerLocal(events.PeerLeft, events.Data{events.KeyPeer: peerID})
}

// pump feeds transport callbacks to the bus, one at a time.
func (s *Session) pump(ctx context.Context, inbox *mailbox) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-inbox.signal:
			for _, fn := range inbox.drain() {
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}
}

// send delivers relayed events in order.
func (s *Session) send(ctx context.Context, outbox *mailbox) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-outbox.signal:
			for _, fn := range outbox.drain() {
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}
}

// heartbeat pings one random peer per tick and drops it when unreachable.
func (s *Session) heartbeat(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers := s.Peers()
			if len(peers) == 0 {
				continue
			}
			p := peers[rand.IntN(len(peers))]
			if err := s.Ping(ctx, p); err != nil && !errors.Is(err, ErrNotOpen) {
				s.dropPeer(p, err)
			}
		}
	}
}

// mailbox is an unbounded FIFO of tasks. push never blocks.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	m.items = append(m.items, fn)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
