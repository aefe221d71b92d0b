package kv

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func withDatabases(t *testing.T, fn func(t *testing.T, db Database)) {
	t.Run("memory", func(t *testing.T) {
		db := NewMemoryDatabase()
		defer func() {
			require.Nil(t, db.Close())
		}()

		fn(t, db)
	})

	t.Run("badger", func(t *testing.T) {
		dir, err := ioutil.TempDir("", "vdisk-badger")
		require.Nil(t, err)

		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				t.Errorf("failed to remove test dir %s: %v", dir, err)
			}
		}()

		db, err := NewBadgerDatabase(dir)
		require.Nil(t, err)

		defer func() {
			require.Nil(t, db.Close())
		}()

		fn(t, db)
	})
}

func TestGetMissing(t *testing.T) {
	withDatabases(t, func(t *testing.T, db Database) {
		val, err := db.Get("no", "such", "key")
		require.Equal(t, ErrNoSuchKey, err)
		require.Nil(t, val)
	})
}

func TestPutGet(t *testing.T) {
	withDatabases(t, func(t *testing.T, db Database) {
		batch := db.Batch()
		batch.Put([]byte("world"), "hello", "x")
		require.True(t, batch.HaveWrites())

		// With an open batch, Get() already sees the value:
		val, err := db.Get("hello", "x")
		require.Nil(t, err)
		require.Equal(t, []byte("world"), val)

		require.Nil(t, batch.Flush())
		require.False(t, batch.HaveWrites())

		val, err = db.Get("hello", "x")
		require.Nil(t, err)
		require.Equal(t, []byte("world"), val)
	})
}

func TestErase(t *testing.T) {
	withDatabases(t, func(t *testing.T, db Database) {
		batch := db.Batch()
		batch.Put([]byte("1"), "a", "b")
		require.Nil(t, batch.Flush())

		batch = db.Batch()
		batch.Erase("a", "b")
		require.Nil(t, batch.Flush())

		_, err := db.Get("a", "b")
		require.Equal(t, ErrNoSuchKey, err)
	})
}

func TestClearPrefix(t *testing.T) {
	withDatabases(t, func(t *testing.T, db Database) {
		batch := db.Batch()
		batch.Put([]byte("1"), "pre", "a")
		batch.Put([]byte("2"), "pre", "b")
		batch.Put([]byte("3"), "other", "c")
		require.Nil(t, batch.Flush())

		batch = db.Batch()
		require.Nil(t, batch.Clear("pre"))
		require.Nil(t, batch.Flush())

		_, err := db.Get("pre", "a")
		require.Equal(t, ErrNoSuchKey, err)
		_, err = db.Get("pre", "b")
		require.Equal(t, ErrNoSuchKey, err)

		val, err := db.Get("other", "c")
		require.Nil(t, err)
		require.Equal(t, []byte("3"), val)
	})
}

func TestKeysWithPrefix(t *testing.T) {
	withDatabases(t, func(t *testing.T, db Database) {
		batch := db.Batch()
		batch.Put([]byte("1"), "scope", "x", "1")
		batch.Put([]byte("2"), "scope", "x", "2")
		batch.Put([]byte("3"), "scope", "y", "1")
		require.Nil(t, batch.Flush())

		seen := [][]string{}
		err := db.Keys(func(key []string) error {
			seen = append(seen, key)
			return nil
		}, "scope", "x")

		require.Nil(t, err)
		require.Equal(t, [][]string{
			{"scope", "x", "1"},
			{"scope", "x", "2"},
		}, seen)
	})
}

func TestBatchRefCounting(t *testing.T) {
	withDatabases(t, func(t *testing.T, db Database) {
		outer := db.Batch()
		outer.Put([]byte("1"), "a")

		inner := db.Batch()
		inner.Put([]byte("2"), "b")

		// Only the outermost Flush() writes:
		require.Nil(t, inner.Flush())
		require.Nil(t, outer.Flush())

		val, err := db.Get("a")
		require.Nil(t, err)
		require.Equal(t, []byte("1"), val)

		val, err = db.Get("b")
		require.Nil(t, err)
		require.Equal(t, []byte("2"), val)
	})
}

func TestBadgerDurability(t *testing.T) {
	dir, err := ioutil.TempDir("", "vdisk-badger")
	require.Nil(t, err)

	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			t.Errorf("failed to remove test dir %s: %v", dir, err)
		}
	}()

	db, err := NewBadgerDatabase(dir)
	require.Nil(t, err)

	batch := db.Batch()
	batch.Put([]byte("survives"), "k")
	require.Nil(t, batch.Flush())
	require.Nil(t, db.Close())

	// Reopen and check the value is still there:
	db, err = NewBadgerDatabase(dir)
	require.Nil(t, err)

	defer func() {
		require.Nil(t, db.Close())
	}()

	val, err := db.Get("k")
	require.Nil(t, err)
	require.Equal(t, []byte("survives"), val)
}
