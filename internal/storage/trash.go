package storage

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/meshtable/internal/events"
	"github.com/iggydv12/meshtable/internal/object"
	"github.com/iggydv12/meshtable/internal/snapshot"
	"github.com/iggydv12/meshtable/internal/store"
)

// TrashPriority runs the trash after every ordinary DELETE_OBJECT handler.
const TrashPriority = 1000

// TrashItem is a deleted subtree that can still be restored.
type TrashItem struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Objects   int       `json:"objects"`
	DeletedAt time.Time `json:"deletedAt"`
	text      string
}

// Trash remembers the last snapshot of deleted roots, bounded to limit
// entries, oldest evicted first.
type Trash struct {
	mu     sync.Mutex
	items  []TrashItem
	limit  int
	bus    *events.Bus
	store  *store.Store
	logger *zap.Logger
}

// NewTrash creates a Trash. Call Start to attach it to the bus.
func NewTrash(bus *events.Bus, st *store.Store, limit int, logger *zap.Logger) *Trash {
	if limit <= 0 {
		limit = 32
	}
	return &Trash{limit: limit, bus: bus, store: st, logger: logger}
}

func (t *Trash) Start() {
	t.bus.Register(t).On(events.DeleteObject, TrashPriority, t.onDelete)
}

func (t *Trash) Stop() {
	t.bus.Unregister(t)
}

func (t *Trash) onDelete(ev events.Event) error {
	text := ev.Data.String(store.KeyTree)
	if text == "" {
		return nil
	}
	objs, err := snapshot.DecodeTree(text)
	if err != nil {
		return fmt.Errorf("trash %s: %w", ev.Data.String(store.KeyIdentifier), err)
	}
	item := TrashItem{
		ID:        objs[0].Identifier,
		Type:      objs[0].Type,
		Objects:   len(objs),
		DeletedAt: time.Now().UTC(),
		text:      text,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = slices.DeleteFunc(t.items, func(i TrashItem) bool { return i.ID == item.ID })
	t.items = append(t.items, item)
	if len(t.items) > t.limit {
		t.items = slices.Delete(t.items, 0, len(t.items)-t.limit)
	}
	return nil
}

// List returns the trash, most recent first.
func (t *Trash) List() []TrashItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]TrashItem{}, t.items...)
	slices.Reverse(out)
	return out
}

// Restore brings a deleted subtree back under a fresh root identifier and
// removes it from the trash.
func (t *Trash) Restore(id string) (*object.Object, error) {
	t.mu.Lock()
	i := slices.IndexFunc(t.items, func(i TrashItem) bool { return i.ID == id })
	if i < 0 {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s not in trash", store.ErrNotFound, id)
	}
	item := t.items[i]
	t.mu.Unlock()

	root, err := t.store.Restore(item.text)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.items = slices.DeleteFunc(t.items, func(i TrashItem) bool { return i.ID == id })
	t.mu.Unlock()
	t.logger.Info("Restored from trash", zap.String("id", id), zap.String("as", root.Identifier))
	return root, nil
}
