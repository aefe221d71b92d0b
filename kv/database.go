// Package kv provides the small key/value store abstraction the persisted
// overlay journals its blocks into. Keys are string paths joined by dots,
// values are arbitrary untyped bytes. Two engines exist: a badger backed
// store for durable overlays and a memory store for tests and throwaway
// devices.
package kv

import "errors"

// ErrNoSuchKey is returned when Get() was passed a non-existent key.
var ErrNoSuchKey = errors.New("This key does not exist")

// Batch is an API object used to model a transaction.
type Batch interface {
	// Put sets `val` at `key`.
	Put(val []byte, key ...string)

	// Erase removes a single key from the database.
	Erase(key ...string)

	// Clear removes all keys below and including `key`.
	Clear(key ...string) error

	// Flush writes the batch to the database.
	// Only now all changes become durable.
	Flush() error

	// Rollback forgets all changes without executing them.
	Rollback()

	// HaveWrites returns true when the batch holds something
	// that Flush() would write.
	HaveWrites() bool
}

// Database is a key/value store with hierarchical string keys.
type Database interface {
	// Get retrieves the value at `key`.
	// If no such key exists, it returns (nil, ErrNoSuchKey).
	// With an open batch, Get() still sees the latest Put().
	Get(key ...string) ([]byte, error)

	// Keys calls `fn` for every key below `prefix`.
	// If `fn` returns an error the iteration stops and that
	// error is handed through.
	Keys(fn func(key []string) error, prefix ...string) error

	// Batch returns a batch object for modifying the store. Batch() may
	// be called recursively: the changes are only written once Flush()
	// was called as often as Batch().
	Batch() Batch

	// Close closes the database. Since I/O may happen, an error is returned.
	Close() error
}
