package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	roomProtocol   = protocol.ID("/meshtable/room/1.0.0")
	dhtNamespace   = "meshtable"
	dhtRoomPrefix  = "/" + dhtNamespace + "/room/"
	mdnsServiceTag = "meshtable-discovery"
	maxMessageSize = 8 << 20
	helloTimeout   = 10 * time.Second
)

// LibP2PConfig configures the libp2p mesh.
type LibP2PConfig struct {
	ListenAddrs     []string
	BootstrapPeers  []string
	EnableMDNS      bool
	EnableDHT       bool
	RefreshInterval time.Duration
}

// hello is the first frame on every room stream.
type hello struct {
	Rendezvous string `json:"rendezvous"`
	PeerID     string `json:"peerId"`
}

// roomRecord is published in the DHT under the room key so that peers outside
// the local subnet can find each other.
type roomRecord struct {
	Rendezvous string   `json:"rendezvous"`
	HostID     string   `json:"hostId"`
	Addrs      []string `json:"addrs"`
	Published  int64    `json:"published"`
}

// roomValidator accepts room records under the meshtable DHT namespace and
// prefers the most recently published one.
type roomValidator struct{}

func (roomValidator) Validate(_ string, value []byte) error {
	var rec roomRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return fmt.Errorf("room record: %w", err)
	}
	if rec.HostID == "" {
		return errors.New("room record without host id")
	}
	return nil
}

func (roomValidator) Select(_ string, vals [][]byte) (int, error) {
	if len(vals) == 0 {
		return 0, errors.New("no values")
	}
	best, newest := 0, int64(-1)
	for i, v := range vals {
		var rec roomRecord
		if json.Unmarshal(v, &rec) != nil {
			continue
		}
		if rec.Published > newest {
			best, newest = i, rec.Published
		}
	}
	return best, nil
}

// roomLink is one established room stream.
type roomLink struct {
	peerID   string
	stream   network.Stream
	writer   msgio.WriteCloser
	outbound bool
	mu       sync.Mutex
}

func (l *roomLink) write(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.WriteMsg(payload)
}

// LibP2PTransport runs rooms over a libp2p host. Peers are found through
// mDNS on the local subnet, through explicit bootstrap addresses and through
// a Kademlia DHT room record. Each pair of room members shares one stream of
// varint-framed messages.
type LibP2PTransport struct {
	cfg    LibP2PConfig
	logger *zap.Logger

	mu         sync.RWMutex
	handler    Handler
	host       host.Host
	dht        *dht.IpfsDHT
	mdns       mdns.Service
	rendezvous string
	self       string
	links      map[string]*roomLink // room peer id -> link
	cancel     context.CancelFunc
}

// NewLibP2PTransport creates an unconnected transport.
func NewLibP2PTransport(cfg LibP2PConfig, logger *zap.Logger) *LibP2PTransport {
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	return &LibP2PTransport{cfg: cfg, logger: logger}
}

// SetHandler installs the callback receiver.
func (t *LibP2PTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *LibP2PTransport) getHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

// Connect starts the libp2p host and begins looking for room members.
func (t *LibP2PTransport) Connect(ctx context.Context, rendezvous, selfID string) error {
	t.mu.Lock()
	if t.host != nil {
		t.mu.Unlock()
		return fmt.Errorf("already connected as %s", t.self)
	}
	t.mu.Unlock()

	bootstrap, err := ParseBootstrapPeers(t.cfg.BootstrapPeers)
	if err != nil {
		return err
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(t.cfg.ListenAddrs...),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return fmt.Errorf("libp2p host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.host = h
	t.rendezvous = rendezvous
	t.self = selfID
	t.links = make(map[string]*roomLink)
	t.cancel = cancel
	t.mu.Unlock()

	h.SetStreamHandler(roomProtocol, t.handleStream)

	if t.cfg.EnableDHT {
		// A custom protocol prefix keeps the DHT apart from the public IPFS
		// network and lets us register our own namespace validator.
		kad, err := dht.New(runCtx, h,
			dht.Mode(dht.ModeServer),
			dht.ProtocolPrefix("/"+dhtNamespace),
			dht.NamespacedValidator(dhtNamespace, roomValidator{}),
		)
		if err != nil {
			_ = t.Disconnect()
			return fmt.Errorf("kademlia dht: %w", err)
		}
		if err := kad.Bootstrap(runCtx); err != nil {
			t.logger.Warn("DHT bootstrap failed (will retry)", zap.Error(err))
		}
		t.mu.Lock()
		t.dht = kad
		t.mu.Unlock()
	}

	if t.cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{transport: t})
		if err := svc.Start(); err != nil {
			t.logger.Warn("mDNS start failed (LAN discovery disabled)", zap.Error(err))
		} else {
			t.mu.Lock()
			t.mdns = svc
			t.mu.Unlock()
		}
	}

	for _, pi := range bootstrap {
		if err := ctx.Err(); err != nil {
			_ = t.Disconnect()
			return err
		}
		t.dial(ctx, pi)
	}

	if t.cfg.EnableDHT {
		t.announce(ctx)
		go t.refresh(runCtx)
	}

	t.logger.Info("libp2p transport connected",
		zap.String("peer", selfID),
		zap.String("hostID", h.ID().String()),
		zap.Strings("addrs", addrsToStrings(h.Addrs())),
	)
	return nil
}

// Addrs returns the host's full multiaddrs, usable as bootstrap peers.
func (t *LibP2PTransport) Addrs() []string {
	t.mu.RLock()
	h := t.host
	t.mu.RUnlock()
	if h == nil {
		return nil
	}
	out := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		out = append(out, a.String()+"/p2p/"+h.ID().String())
	}
	return out
}

// announce publishes this host under the room key and dials whoever was
// there before. Both steps are retried; failures are logged.
func (t *LibP2PTransport) announce(ctx context.Context) {
	t.mu.RLock()
	h, kad, rendezvous := t.host, t.dht, t.rendezvous
	t.mu.RUnlock()
	if h == nil || kad == nil {
		return
	}
	key := dhtRoomPrefix + rendezvous

	var previous roomRecord
	err := retry.Do(func() error {
		getCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		data, err := kad.GetValue(getCtx, key)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &previous)
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(1*time.Second),
		retry.MaxDelay(5*time.Second),
	)
	if err == nil && previous.HostID != "" && previous.HostID != h.ID().String() {
		if pi, err := previous.addrInfo(); err == nil {
			t.dial(ctx, pi)
		}
	}

	data, err := json.Marshal(roomRecord{
		Rendezvous: rendezvous,
		HostID:     h.ID().String(),
		Addrs:      addrsToStrings(h.Addrs()),
		Published:  time.Now().UnixNano(),
	})
	if err != nil {
		t.logger.Error("room record marshal failed", zap.Error(err))
		return
	}
	err = retry.Do(func() error {
		putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return kad.PutValue(putCtx, key, data)
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(1*time.Second),
		retry.MaxDelay(5*time.Second),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Debug("room announce retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		t.logger.Warn("room announce failed", zap.String("key", key), zap.Error(err))
	}
}

// refresh keeps the DHT room record alive.
func (t *LibP2PTransport) refresh(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.announce(ctx)
		}
	}
}

func (r roomRecord) addrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(r.HostID)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	pi := peer.AddrInfo{ID: id}
	for _, s := range r.Addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		pi.Addrs = append(pi.Addrs, ma)
	}
	return pi, nil
}

// dial connects to a libp2p host and opens a room stream to it.
func (t *LibP2PTransport) dial(ctx context.Context, pi peer.AddrInfo) {
	t.mu.RLock()
	h, rendezvous, self := t.host, t.rendezvous, t.self
	t.mu.RUnlock()
	if h == nil || pi.ID == h.ID() {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	if err := h.Connect(dialCtx, pi); err != nil {
		t.logger.Warn("connect failed", zap.String("host", pi.ID.String()), zap.Error(err))
		return
	}
	s, err := h.NewStream(dialCtx, pi.ID, roomProtocol)
	if err != nil {
		t.logger.Debug("room stream refused", zap.String("host", pi.ID.String()), zap.Error(err))
		return
	}

	writer := msgio.NewVarintWriter(s)
	reader := msgio.NewVarintReaderSize(s, maxMessageSize)
	_ = s.SetDeadline(time.Now().Add(helloTimeout))
	if err := writeHello(writer, hello{Rendezvous: rendezvous, PeerID: self}); err != nil {
		_ = s.Reset()
		return
	}
	remote, err := readHello(reader)
	if err != nil || remote.Rendezvous != rendezvous {
		// another room on the same subnet
		_ = s.Reset()
		return
	}
	_ = s.SetDeadline(time.Time{})
	t.attach(&roomLink{peerID: remote.PeerID, stream: s, writer: writer, outbound: true}, reader)
}

// handleStream accepts a room stream opened by another host.
func (t *LibP2PTransport) handleStream(s network.Stream) {
	t.mu.RLock()
	rendezvous, self := t.rendezvous, t.self
	t.mu.RUnlock()

	writer := msgio.NewVarintWriter(s)
	reader := msgio.NewVarintReaderSize(s, maxMessageSize)
	_ = s.SetDeadline(time.Now().Add(helloTimeout))
	remote, err := readHello(reader)
	if err != nil || remote.Rendezvous != rendezvous {
		_ = s.Reset()
		return
	}
	if err := writeHello(writer, hello{Rendezvous: rendezvous, PeerID: self}); err != nil {
		_ = s.Reset()
		return
	}
	_ = s.SetDeadline(time.Time{})
	t.attach(&roomLink{peerID: remote.PeerID, stream: s, writer: writer}, reader)
}

// attach registers a link and starts its read loop. When both hosts dialled
// each other, the stream opened by the smaller room peer id wins on both
// sides.
func (t *LibP2PTransport) attach(l *roomLink, reader msgio.ReadCloser) {
	t.mu.Lock()
	if t.links == nil || l.peerID == t.self {
		t.mu.Unlock()
		_ = l.stream.Reset()
		return
	}
	cur, exists := t.links[l.peerID]
	if exists && !preferLink(t.self, l) {
		t.mu.Unlock()
		_ = l.stream.Close()
		return
	}
	t.links[l.peerID] = l
	h := t.handler
	t.mu.Unlock()

	if exists {
		_ = cur.stream.Close()
	} else if h != nil {
		h.PeerJoined(l.peerID)
	}
	go t.readLoop(l, reader)
}

// preferLink reports whether l should replace an existing link to the same
// peer.
func preferLink(self string, l *roomLink) bool {
	dialer := self
	if !l.outbound {
		dialer = l.peerID
	}
	return dialer == min(self, l.peerID)
}

func (t *LibP2PTransport) readLoop(l *roomLink, reader msgio.ReadCloser) {
	for {
		msg, err := reader.ReadMsg()
		if err != nil {
			t.detach(l, err)
			return
		}
		payload := slices.Clone(msg)
		reader.ReleaseMsg(msg)
		if h := t.getHandler(); h != nil {
			h.Receive(l.peerID, payload)
		}
	}
}

// detach drops l if it is still the current link to its peer.
func (t *LibP2PTransport) detach(l *roomLink, cause error) {
	t.mu.Lock()
	cur, ok := t.links[l.peerID]
	current := ok && cur == l
	if current {
		delete(t.links, l.peerID)
	}
	h := t.handler
	t.mu.Unlock()

	_ = l.stream.Close()
	if !current {
		return
	}
	t.logger.Debug("room link closed", zap.String("peer", l.peerID), zap.Error(cause))
	if h != nil {
		h.PeerLeft(l.peerID)
	}
}

// Send writes one frame to peerID.
func (t *LibP2PTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	l, ok := t.links[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnavailable, peerID)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.stream.SetWriteDeadline(deadline)
		defer func() { _ = l.stream.SetWriteDeadline(time.Time{}) }()
	}
	if err := l.write(payload); err != nil {
		t.detach(l, err)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, peerID, err)
	}
	return nil
}

// Peers lists connected room members.
func (t *LibP2PTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.links))
	for id := range t.links {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Disconnect closes every stream and shuts the host down.
func (t *LibP2PTransport) Disconnect() error {
	t.mu.Lock()
	h, kad, svc, cancel := t.host, t.dht, t.mdns, t.cancel
	links := t.links
	t.host, t.dht, t.mdns, t.cancel, t.links = nil, nil, nil, nil, nil
	t.rendezvous, t.self = "", ""
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, l := range links {
		_ = l.stream.Close()
	}
	if svc != nil {
		_ = svc.Close()
	}
	if kad != nil {
		_ = kad.Close()
	}
	if h != nil {
		return h.Close()
	}
	return nil
}

// ParseBootstrapPeers converts full multiaddrs (with /p2p/ component) into
// dialable address infos.
func ParseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		out = append(out, *pi)
	}
	return out, nil
}

func writeHello(w msgio.Writer, h hello) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return w.WriteMsg(data)
}

func readHello(r msgio.Reader) (hello, error) {
	var h hello
	msg, err := r.ReadMsg()
	if err != nil {
		return h, err
	}
	defer r.ReleaseMsg(msg)
	if err := json.Unmarshal(msg, &h); err != nil {
		return h, fmt.Errorf("hello: %w", err)
	}
	if h.PeerID == "" {
		return h, errors.New("hello without peer id")
	}
	return h, nil
}

func addrsToStrings(addrs []multiaddr.Multiaddr) []string {
	s := make([]string, len(addrs))
	for i, a := range addrs {
		s[i] = a.String()
	}
	return s
}

// mdnsNotifee dials hosts found on the local subnet.
type mdnsNotifee struct {
	transport *LibP2PTransport
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n.transport.logger.Debug("mDNS: found host", zap.String("hostID", pi.ID.String()))
	go n.transport.dial(context.Background(), pi)
}
