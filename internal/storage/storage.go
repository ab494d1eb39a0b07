// Package storage provides named save slots and the trash of deleted
// objects, both built on the snapshot codec.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/meshtable/internal/object"
	"github.com/iggydv12/meshtable/internal/snapshot"
	"github.com/iggydv12/meshtable/internal/storage/local"
	"github.com/iggydv12/meshtable/internal/store"
)

const savePrefix = "save/"

// Save kinds.
const (
	KindRoom   = "room"
	KindObject = "object"
)

var (
	ErrNoSave          = errors.New("save slot not found")
	ErrInvalidSaveName = errors.New("invalid save name")
)

var saveNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]{0,63}$`)

// SaveInfo describes a save slot.
type SaveInfo struct {
	Name    string    `json:"name"`
	Kind    string    `json:"kind"`
	RootID  string    `json:"rootId,omitempty"`
	Objects int       `json:"objects"`
	SavedAt time.Time `json:"savedAt"`
}

type slot struct {
	Info SaveInfo `json:"info"`
	Text string   `json:"text"`
}

// Saves keeps room and subtree snapshots in local storage.
type Saves struct {
	mu     sync.Mutex
	kv     local.LocalStorage
	store  *store.Store
	self   func() string
	logger *zap.Logger
}

// NewSaves creates the save service. self returns the peer id that owns
// restored objects.
func NewSaves(kv local.LocalStorage, st *store.Store, self func() string, logger *zap.Logger) *Saves {
	return &Saves{kv: kv, store: st, self: self, logger: logger}
}

func validName(name string) error {
	if !saveNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSaveName, name)
	}
	return nil
}

// SaveRoom stores every active object under name, replacing any previous
// slot of that name.
func (s *Saves) SaveRoom(name string) (SaveInfo, error) {
	if err := validName(name); err != nil {
		return SaveInfo{}, err
	}
	objs := s.store.All()
	text, err := snapshot.EncodeRoom(objs)
	if err != nil {
		return SaveInfo{}, fmt.Errorf("encode room: %w", err)
	}
	return s.write(slot{
		Info: SaveInfo{Name: name, Kind: KindRoom, Objects: len(objs), SavedAt: time.Now().UTC()},
		Text: text,
	})
}

// SaveObject stores rootID and its descendants under name.
func (s *Saves) SaveObject(name, rootID string) (SaveInfo, error) {
	if err := validName(name); err != nil {
		return SaveInfo{}, err
	}
	if _, err := s.store.Resolve(rootID); err != nil {
		return SaveInfo{}, err
	}
	tree := s.store.Subtree(rootID)
	text, err := snapshot.EncodeTree(tree)
	if err != nil {
		return SaveInfo{}, fmt.Errorf("encode %s: %w", rootID, err)
	}
	return s.write(slot{
		Info: SaveInfo{Name: name, Kind: KindObject, RootID: rootID, Objects: len(tree), SavedAt: time.Now().UTC()},
		Text: text,
	})
}

func (s *Saves) write(sl slot) (SaveInfo, error) {
	data, err := json.Marshal(sl)
	if err != nil {
		return SaveInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Update(savePrefix+sl.Info.Name, data); err != nil {
		return SaveInfo{}, fmt.Errorf("write save %s: %w", sl.Info.Name, err)
	}
	s.logger.Info("Saved", zap.String("name", sl.Info.Name), zap.String("kind", sl.Info.Kind), zap.Int("objects", sl.Info.Objects))
	return sl.Info, nil
}

func (s *Saves) read(name string) (slot, error) {
	if err := validName(name); err != nil {
		return slot{}, err
	}
	s.mu.Lock()
	data, err := s.kv.Get(savePrefix + name)
	s.mu.Unlock()
	if errors.Is(err, local.ErrNotFound) {
		return slot{}, fmt.Errorf("%w: %s", ErrNoSave, name)
	}
	if err != nil {
		return slot{}, err
	}
	var sl slot
	if err := json.Unmarshal(data, &sl); err != nil {
		return slot{}, fmt.Errorf("save %s: %w", name, err)
	}
	return sl, nil
}

// List returns every slot, most recent first.
func (s *Saves) List() ([]SaveInfo, error) {
	s.mu.Lock()
	keys, err := s.kv.List(savePrefix)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]SaveInfo, 0, len(keys))
	for _, k := range keys {
		sl, err := s.read(strings.TrimPrefix(k, savePrefix))
		if err != nil {
			s.logger.Warn("skipping unreadable save", zap.String("key", k), zap.Error(err))
			continue
		}
		out = append(out, sl.Info)
	}
	slices.SortStableFunc(out, func(a, b SaveInfo) int { return b.SavedAt.Compare(a.SavedAt) })
	return out, nil
}

// Load returns the snapshot text stored under name.
func (s *Saves) Load(name string) (SaveInfo, string, error) {
	sl, err := s.read(name)
	if err != nil {
		return SaveInfo{}, "", err
	}
	return sl.Info, sl.Text, nil
}

// Restore imports a slot into the store. An object slot comes back under a
// fresh root identifier; a room slot keeps every identifier that is still
// free. It returns the imported objects.
func (s *Saves) Restore(name string) ([]*object.Object, error) {
	sl, err := s.read(name)
	if err != nil {
		return nil, err
	}

	switch sl.Info.Kind {
	case KindObject:
		root, err := snapshot.Restore(s.store, sl.Text, s.self())
		if err != nil {
			return nil, err
		}
		return s.store.Subtree(root.Identifier), nil
	case KindRoom:
		objs, err := snapshot.DecodeRoom(sl.Text)
		if err != nil {
			return nil, err
		}
		if len(objs) == 0 {
			return nil, nil
		}
		objs = snapshot.Remap(objs, "", s.store.Exists, s.self())
		if err := s.store.Import(objs); err != nil {
			return nil, fmt.Errorf("restore %s: %w", name, err)
		}
		return objs, nil
	default:
		return nil, fmt.Errorf("save %s: unknown kind %q", name, sl.Info.Kind)
	}
}

// Delete removes a slot.
func (s *Saves) Delete(name string) error {
	if _, err := s.read(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(savePrefix + name)
}
