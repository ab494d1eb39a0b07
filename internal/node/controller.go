package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/meshtable/internal/api/rest"
	"github.com/iggydv12/meshtable/internal/config"
)

// AutoSaveSlot is the save slot written by the auto-save scheduler.
const AutoSaveSlot = "autosave"

// Controller bootstraps a Node, serves its REST API and runs the schedulers
// until shutdown.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger
	node   *Node
}

// NewController creates a Controller around an assembled node.
func NewController(cfg *config.Config, n *Node, logger *zap.Logger) *Controller {
	return &Controller{cfg: cfg, node: n, logger: logger}
}

// Run opens the configured room, starts the REST server and the schedulers,
// and blocks until SIGINT/SIGTERM or ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.logger.Info("Starting meshtable node", zap.String("user", c.node.UserID()))

	if room := c.cfg.Room; room.Name != "" {
		pc, err := c.node.OpenRoom(ctx, room.Name, room.Password, room.ID)
		if err != nil {
			return fmt.Errorf("open room %s: %w", room.Name, err)
		}
		c.logger.Info("Joined room",
			zap.String("room", pc.RoomName),
			zap.String("rendezvous", pc.Rendezvous),
			zap.Bool("private", pc.IsPrivate),
		)
	} else {
		c.logger.Info("No room configured; waiting for POST /meshtable/room/open")
	}

	var srv *http.Server
	if c.cfg.REST.Enabled {
		srv = c.startRESTServer()
	}

	c.startSchedulers(ctx)

	<-ctx.Done()
	c.logger.Info("Shutdown signal received")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("REST shutdown", zap.Error(err))
		}
	}
	if c.cfg.Schedule.AutoSave > 0 {
		c.autoSave()
	}
	return nil
}

func (c *Controller) startRESTServer() *http.Server {
	api := rest.New(rest.Deps{
		Store:   c.node.Store,
		Session: c.node.Session,
		Ledger:  c.node.Ledger,
		Saves:   c.node.Saves,
		Trash:   c.node.Trash,
		Rooms:   c.node,
	}, c.logger.Named("rest"))

	srv := &http.Server{
		Addr:              c.cfg.REST.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		c.logger.Info("REST API starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("REST server stopped", zap.Error(err))
		}
	}()
	return srv
}

func (c *Controller) startSchedulers(ctx context.Context) {
	sched := c.cfg.Schedule

	// Auto-save
	if sched.AutoSave > 0 {
		go func() {
			ticker := time.NewTicker(sched.AutoSave)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.autoSave()
				}
			}
		}()
	}

	// Status print
	if sched.StatusPrint > 0 {
		go func() {
			ticker := time.NewTicker(sched.StatusPrint)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.printStatus()
				}
			}
		}()
	}
}

func (c *Controller) autoSave() {
	if c.node.Store.Len() == 0 {
		return
	}
	if _, err := c.node.Saves.SaveRoom(AutoSaveSlot); err != nil {
		c.logger.Warn("Auto-save failed", zap.Error(err))
	}
}

func (c *Controller) printStatus() {
	s := c.node.Session
	c.logger.Info("Status",
		zap.String("state", s.State().String()),
		zap.String("peer", s.SelfID()),
		zap.Strings("peers", s.Peers()),
		zap.Int("objects", c.node.Store.Len()),
		zap.Int("owned", c.node.Ledger.CountOwned(c.node.Bus.Self())),
		zap.Uint64("clock", c.node.Store.Clock()),
	)
}
