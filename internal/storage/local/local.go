// Package local defines the LocalStorage interface for data that stays on
// this machine: the persisted user identity and snapshot save slots.
package local

import "errors"

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("not found")

// LocalStorage is a single-node key-value store.
type LocalStorage interface {
	// Init opens/creates the underlying store.
	Init() error
	// Close flushes and closes the store.
	Close() error
	// Put stores a new value. Returns false if the key already exists.
	Put(key string, value []byte) (bool, error)
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Update overwrites or creates the value for key.
	Update(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// List returns the keys starting with prefix, in key order.
	List(prefix string) ([]string, error)
	// Truncate deletes all stored keys.
	Truncate() error
}
