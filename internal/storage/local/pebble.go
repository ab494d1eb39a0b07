// Package local provides the Pebble-backed implementation of LocalStorage.
package local

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// PebbleStorage is a Pebble LSM-tree backed LocalStorage.
type PebbleStorage struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

// NewPebbleStorage creates a PebbleStorage instance (not yet opened).
func NewPebbleStorage(dbPath string, logger *zap.Logger) *PebbleStorage {
	return &PebbleStorage{
		path:   dbPath,
		logger: logger,
	}
}

// Init opens the Pebble database.
func (p *PebbleStorage) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{p.logger},
	}
	db, err := pebble.Open(p.path, opts)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", p.path, err)
	}
	p.db = db
	p.logger.Info("Pebble storage opened", zap.String("path", p.path))
	return nil
}

// Close flushes and closes the database.
func (p *PebbleStorage) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Put stores a value. Returns (false, nil) if the key already exists.
func (p *PebbleStorage) Put(key string, value []byte) (bool, error) {
	_, closer, err := p.db.Get([]byte(key))
	if err == nil {
		closer.Close()
		return false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("pebble get check: %w", err)
	}
	if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return false, fmt.Errorf("pebble set: %w", err)
	}
	return true, nil
}

// Get returns a copy of the value stored under key.
func (p *PebbleStorage) Get(key string) ([]byte, error) {
	data, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	// data is only valid until closer is closed
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Update overwrites the value stored under key.
func (p *PebbleStorage) Update(key string, value []byte) error {
	if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

// Delete removes key.
func (p *PebbleStorage) Delete(key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

// List scans the keys under prefix.
func (p *PebbleStorage) List(prefix string) ([]string, error) {
	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = []byte(prefix + "\xff")
	}
	iter, err := p.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Truncate deletes all stored keys in one batch.
func (p *PebbleStorage) Truncate() error {
	keys, err := p.List("")
	if err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete([]byte(k), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
