package kv

import (
	"strings"
	"sync"

	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"
)

// BadgerDatabase stores the keys in a badger database on disk.
type BadgerDatabase struct {
	mu         sync.Mutex
	db         *badger.DB
	txn        *badger.Txn
	refCount   int
	haveWrites bool
}

// NewBadgerDatabase opens (or creates) the badger store at `path`.
func NewBadgerDatabase(path string) (*BadgerDatabase, error) {
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerDatabase{
		db: db,
	}, nil
}

func (db *BadgerDatabase) view(fn func(txn *badger.Txn) error) error {
	// With an open batch we have to read from its transaction,
	// otherwise recent in-memory values would be invisible.
	if db.txn != nil {
		return fn(db.txn)
	}

	return db.db.View(fn)
}

// Get returns the value at `key` or ErrNoSuchKey.
func (db *BadgerDatabase) Get(key ...string) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	data := []byte{}
	err := db.view(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(strings.Join(key, ".")))
		if err == badger.ErrKeyNotFound {
			return ErrNoSuchKey
		}

		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return nil, err
	}

	return data, nil
}

// Keys iterates over all keys below `prefix` in lexical order.
func (db *BadgerDatabase) Keys(fn func(key []string) error, prefix ...string) error {
	db.mu.Lock()
	fullPrefix := strings.Join(prefix, ".")

	// Collect first; `fn` should not run under the iterator.
	keys := [][]string{}
	err := db.view(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.IteratorOptions{})
		defer iter.Close()

		for iter.Seek([]byte(fullPrefix)); iter.Valid(); iter.Next() {
			fullKey := string(iter.Item().Key())
			if !strings.HasPrefix(fullKey, fullPrefix) {
				break
			}

			keys = append(keys, strings.Split(fullKey, "."))
		}

		return nil
	})

	db.mu.Unlock()

	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := fn(key); err != nil {
			return err
		}
	}

	return nil
}

// Batch opens (or joins) a transaction on the store.
func (db *BadgerDatabase) Batch() Batch {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.txn == nil {
		db.txn = db.db.NewTransaction(true)
	}

	db.refCount++
	return db
}

// Put sets `val` at `key` inside the current batch.
func (db *BadgerDatabase) Put(val []byte, key ...string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.haveWrites = true
	db.txn.Set([]byte(strings.Join(key, ".")), val)
}

// Erase removes `key` inside the current batch.
func (db *BadgerDatabase) Erase(key ...string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.haveWrites = true
	db.txn.Delete([]byte(strings.Join(key, ".")))
}

// Clear removes everything below and including `key`.
func (db *BadgerDatabase) Clear(key ...string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.haveWrites = true
	prefix := strings.Join(key, ".")

	keys := [][]byte{}
	iter := db.txn.NewIterator(badger.IteratorOptions{})

	for iter.Seek([]byte(prefix)); iter.Valid(); iter.Next() {
		fullKey := string(iter.Item().Key())
		if !strings.HasPrefix(fullKey, prefix) {
			break
		}

		keys = append(keys, iter.Item().KeyCopy(nil))
	}

	iter.Close()

	for _, key := range keys {
		if err := db.txn.Delete(key); err != nil {
			return err
		}
	}

	return nil
}

// Flush commits the batch once the last Batch() caller flushed.
func (db *BadgerDatabase) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.refCount--
	if db.refCount > 0 {
		return nil
	}

	if db.refCount < 0 {
		log.Errorf("negative batch ref count: %d", db.refCount)
		return nil
	}

	defer db.txn.Discard()
	if err := db.txn.Commit(nil); err != nil {
		return err
	}

	db.txn = nil
	db.haveWrites = false
	return nil
}

// Rollback discards the batch without writing anything.
func (db *BadgerDatabase) Rollback() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.refCount--
	if db.refCount > 0 {
		return
	}

	if db.refCount < 0 {
		log.Errorf("negative batch ref count: %d", db.refCount)
		return
	}

	db.txn.Discard()
	db.txn = nil
	db.haveWrites = false
	db.refCount = 0
}

// HaveWrites tells if the current batch holds anything to write.
func (db *BadgerDatabase) HaveWrites() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.haveWrites
}

// Close shuts down the store. Open batches are discarded.
func (db *BadgerDatabase) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	// With an open transaction Close() would deadlock:
	if db.txn != nil {
		db.txn.Discard()
		db.txn = nil
		db.haveWrites = false
		db.refCount = 0
	}

	if db.db != nil {
		oldDb := db.db
		db.db = nil
		if err := oldDb.Close(); err != nil {
			return err
		}
	}

	return nil
}
