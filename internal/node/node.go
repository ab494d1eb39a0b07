// Package node assembles the components of a meshtable peer and runs them
// until shutdown.
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/iggydv12/meshtable/internal/config"
	"github.com/iggydv12/meshtable/internal/events"
	"github.com/iggydv12/meshtable/internal/identity"
	"github.com/iggydv12/meshtable/internal/ledger"
	"github.com/iggydv12/meshtable/internal/replica"
	"github.com/iggydv12/meshtable/internal/session"
	"github.com/iggydv12/meshtable/internal/storage"
	"github.com/iggydv12/meshtable/internal/storage/local"
	"github.com/iggydv12/meshtable/internal/store"
	"github.com/iggydv12/meshtable/internal/transport"
)

// Transport kinds accepted in configuration.
const (
	TransportLibP2P = "libp2p"
	TransportMemory = "memory"
)

// Node owns one peer's bus, store, session and local storage.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger
	userID string

	KV        *local.PebbleStorage
	Bus       *events.Bus
	Store     *store.Store
	Ledger    *ledger.Ledger
	Replica   *replica.Replicator
	Trash     *storage.Trash
	Saves     *storage.Saves
	Transport transport.Transport
	Session   *session.Session
}

// New builds a Node with the transport selected by cfg.Transport.Kind.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	tr, err := newTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithTransport(cfg, tr, logger)
}

func newTransport(cfg *config.Config, logger *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case TransportLibP2P, "":
		return transport.NewLibP2PTransport(transport.LibP2PConfig{
			ListenAddrs:     cfg.Transport.ListenAddrs,
			BootstrapPeers:  cfg.Transport.BootstrapPeers,
			EnableMDNS:      cfg.Transport.MDNS,
			EnableDHT:       cfg.Transport.DHT,
			RefreshInterval: cfg.Schedule.DHTRefresh,
		}, logger.Named("libp2p")), nil
	case TransportMemory:
		// a private network: the node is alone until something else joins it
		return transport.NewMemoryNetwork(logger).NewTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// NewWithTransport builds a Node over an existing transport.
func NewWithTransport(cfg *config.Config, tr transport.Transport, logger *zap.Logger) (*Node, error) {
	kv := local.NewPebbleStorage(filepath.Join(cfg.Node.DataDir, "db"), logger)
	if err := kv.Init(); err != nil {
		return nil, fmt.Errorf("local storage init: %w", err)
	}

	userID := cfg.Node.UserID
	if userID == "" {
		var err error
		if userID, err = identity.LoadOrCreateUserID(kv); err != nil {
			_ = kv.Close()
			return nil, err
		}
	}

	bus := events.New(logger.Named("bus"))
	bus.SetSelf(userID)
	st := store.New(bus, logger.Named("store"))
	led := ledger.New()

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		userID:    userID,
		KV:        kv,
		Bus:       bus,
		Store:     st,
		Ledger:    led,
		Replica:   replica.New(bus, st, led, logger.Named("replica")),
		Trash:     storage.NewTrash(bus, st, cfg.Node.TrashLimit, logger.Named("trash")),
		Saves:     storage.NewSaves(kv, st, bus.Self, logger.Named("saves")),
		Transport: tr,
		Session:   session.New(sessionConfig(cfg), bus, tr, logger.Named("session")),
	}
	n.Replica.Start()
	n.Trash.Start()

	logger.Info("Node assembled",
		zap.String("user", userID),
		zap.String("transport", cfg.Transport.Kind),
		zap.String("dataDir", cfg.Node.DataDir),
	)
	return n, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		OpenTimeout:   cfg.Session.OpenTimeout,
		SendTimeout:   cfg.Session.SendTimeout,
		Heartbeat:     cfg.Schedule.Heartbeat,
		RetryAttempts: cfg.Session.RetryAttempts,
		RetryDelay:    cfg.Session.RetryDelay,
		DedupeWindow:  cfg.Session.DedupeWindow,
	}
}

// UserID returns the local user identifier.
func (n *Node) UserID() string { return n.userID }

// OpenRoom joins a room, leaving the current one first. Objects already in
// the store stay and merge into the new room through the join-time sync.
// An empty roomID falls back to the configured one, then to the default
// salt.
func (n *Node) OpenRoom(ctx context.Context, name, password, roomID string) (identity.PeerContext, error) {
	if name == "" {
		return identity.PeerContext{}, errors.New("room name is required")
	}
	if roomID == "" {
		roomID = n.cfg.Room.ID
	}
	if roomID == "" {
		roomID = identity.DefaultRoomID
	}
	pc := identity.NewPeerContext(n.userID, roomID, name, password)
	if err := n.Session.Open(ctx, pc); err != nil {
		return identity.PeerContext{}, err
	}
	return pc, nil
}

// CloseRoom leaves the current room. The local store is kept.
func (n *Node) CloseRoom() error {
	err := n.Session.Close()
	n.Bus.SetSelf(n.userID)
	return err
}

// Close leaves the room, detaches the handlers and closes local storage.
func (n *Node) Close() error {
	var errs []error
	if err := n.CloseRoom(); err != nil {
		errs = append(errs, fmt.Errorf("close room: %w", err))
	}
	n.Trash.Stop()
	n.Replica.Stop()
	if err := n.KV.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close local storage: %w", err))
	}
	return errors.Join(errs...)
}
