package kv

import (
	"sort"
	"strings"
	"sync"
)

// MemoryDatabase is a purely in-memory database. It is mainly useful
// for tests and for overlays that do not need to survive the process.
type MemoryDatabase struct {
	mu         sync.Mutex
	data       map[string][]byte
	haveWrites bool
}

// NewMemoryDatabase allocates a new empty MemoryDatabase.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		data: make(map[string][]byte),
	}
}

// Get returns the value at `key` or ErrNoSuchKey.
func (mdb *MemoryDatabase) Get(key ...string) ([]byte, error) {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()

	data, ok := mdb.data[strings.Join(key, ".")]
	if !ok {
		return nil, ErrNoSuchKey
	}

	return data, nil
}

// Keys iterates over all keys below `prefix` in lexical order.
func (mdb *MemoryDatabase) Keys(fn func(key []string) error, prefix ...string) error {
	mdb.mu.Lock()

	fullPrefix := strings.Join(prefix, ".")
	keys := []string{}
	for key := range mdb.data {
		if strings.HasPrefix(key, fullPrefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	mdb.mu.Unlock()

	for _, key := range keys {
		if err := fn(strings.Split(key, ".")); err != nil {
			return err
		}
	}

	return nil
}

// Batch returns the database itself; writes apply immediately.
// Rollback is therefore a best-effort no-op for this engine.
func (mdb *MemoryDatabase) Batch() Batch {
	return mdb
}

// Put sets `key` to `data`.
func (mdb *MemoryDatabase) Put(data []byte, key ...string) {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()

	mdb.haveWrites = true
	mdb.data[strings.Join(key, ".")] = data
}

// Erase removes a single key.
func (mdb *MemoryDatabase) Erase(key ...string) {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()

	mdb.haveWrites = true
	delete(mdb.data, strings.Join(key, "."))
}

// Clear removes all keys below and including `key`.
func (mdb *MemoryDatabase) Clear(key ...string) error {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()

	mdb.haveWrites = true

	prefix := strings.Join(key, ".")
	for mapKey := range mdb.data {
		if strings.HasPrefix(mapKey, prefix) {
			delete(mdb.data, mapKey)
		}
	}

	return nil
}

// Flush is a no-op for a memory database.
func (mdb *MemoryDatabase) Flush() error {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()

	mdb.haveWrites = false
	return nil
}

// Rollback cannot undo anything here; it only resets the write marker.
func (mdb *MemoryDatabase) Rollback() {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()

	mdb.haveWrites = false
}

// HaveWrites tells if anything was put since the last Flush().
func (mdb *MemoryDatabase) HaveWrites() bool {
	mdb.mu.Lock()
	defer mdb.mu.Unlock()

	return mdb.haveWrites
}

// Close the memory store - a no-op.
func (mdb *MemoryDatabase) Close() error {
	return nil
}
