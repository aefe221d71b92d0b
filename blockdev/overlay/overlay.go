// Package overlay implements the persisted write journal layered over a
// read-only base device by the copy-on-write composer. The overlay holds
// exactly the blocks that were written, keyed by block index, and journals
// them into a kv.Database scoped by (vmID, diskID).
//
// Writes land in an in-memory buffer first and only become durable on
// Flush(). The dirty flag tracks whether unflushed writes exist.
package overlay

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	e "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qemuweb/vdisk/blockdev"
	"github.com/qemuweb/vdisk/kv"
)

// Stats summarizes what an overlay currently holds.
type Stats struct {
	BlockCount uint64
	TotalBytes uint64
}

// Overlay is a block-indexed write journal. There is exactly one overlay
// per (vmID, diskID) pair; the composer owns it exclusively.
type Overlay struct {
	mu        sync.Mutex
	db        kv.Database
	vmID      string
	diskID    string
	blockSize uint64

	// buffered holds writes that did not hit the store yet.
	// The latest write to an index always wins.
	buffered map[uint64][]byte

	// durable indexes the blocks already persisted in the store.
	durable map[uint64]bool

	dirty       bool
	initialized bool
	closed      bool
}

// New builds an overlay journaling into `db` under the (vmID, diskID) scope.
// Call Init() before the first use.
func New(db kv.Database, vmID, diskID string, blockSize uint64) *Overlay {
	if blockSize == 0 {
		blockSize = blockdev.DefaultBlockSize
	}

	return &Overlay{
		db:        db,
		vmID:      vmID,
		diskID:    diskID,
		blockSize: blockSize,
		buffered:  make(map[uint64][]byte),
		durable:   make(map[uint64]bool),
	}
}

func (ov *Overlay) keyPrefix() []string {
	return []string{"overlay", ov.vmID, ov.diskID, "blocks"}
}

func (ov *Overlay) blockKey(index uint64) []string {
	return append(ov.keyPrefix(), strconv.FormatUint(index, 10))
}

// Init loads the index of already persisted blocks. It is idempotent.
func (ov *Overlay) Init() error {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	if ov.initialized {
		return nil
	}

	prefix := ov.keyPrefix()
	err := ov.db.Keys(func(key []string) error {
		idxPart := key[len(key)-1]
		index, err := strconv.ParseUint(idxPart, 10, 64)
		if err != nil {
			return e.Wrapf(err, "malformed block key `%s`", strings.Join(key, "."))
		}

		ov.durable[index] = true
		return nil
	}, prefix...)

	if err != nil {
		return err
	}

	ov.initialized = true
	return nil
}

// VMID returns the machine scope of this overlay.
func (ov *Overlay) VMID() string { return ov.vmID }

// DiskID returns the disk scope of this overlay.
func (ov *Overlay) DiskID() string { return ov.diskID }

// BlockSize returns the block size in bytes.
func (ov *Overlay) BlockSize() uint64 { return ov.blockSize }

// ReadBlocks returns the subset of `indices` the overlay holds.
// An absent index means "ask the base", never "zero". Buffered writes
// take precedence over already persisted ones. The returned buffers
// are private copies.
func (ov *Overlay) ReadBlocks(indices []uint64) (map[uint64][]byte, error) {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	result := make(map[uint64][]byte, len(indices))
	for _, index := range indices {
		if data, ok := ov.buffered[index]; ok {
			// Hand out a copy; callers may scribble on the result
			// and must not reach the journal.
			buf := make([]byte, len(data))
			copy(buf, data)
			result[index] = buf
			continue
		}

		if !ov.durable[index] {
			continue
		}

		data, err := ov.db.Get(ov.blockKey(index)...)
		if err == kv.ErrNoSuchKey {
			return nil, blockdev.ErrMissingBlock{Index: index}
		}

		if err != nil {
			return nil, e.Wrapf(err, "failed to read block %d", index)
		}

		// Same here; the memory engine returns its stored slice.
		buf := make([]byte, len(data))
		copy(buf, data)
		result[index] = buf
	}

	return result, nil
}

// WriteBlock journals a single block. `data` has to be exactly one
// block long - stricter than the composer's write contract.
func (ov *Overlay) WriteBlock(index uint64, data []byte) error {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	if uint64(len(data)) != ov.blockSize {
		return blockdev.ErrUnalignedWrite{
			Len:       len(data),
			BlockSize: ov.blockSize,
		}
	}

	// Own the bytes; the caller may reuse its buffer.
	buf := make([]byte, len(data))
	copy(buf, data)

	ov.buffered[index] = buf
	ov.dirty = true
	return nil
}

// Flush persists all buffered writes in a single batch and clears the
// dirty flag. Calling it without pending writes is a no-op.
func (ov *Overlay) Flush() error {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	return ov.flush()
}

// flush expects ov.mu to be held.
func (ov *Overlay) flush() error {
	if len(ov.buffered) == 0 {
		ov.dirty = false
		return nil
	}

	batch := ov.db.Batch()
	for index, data := range ov.buffered {
		batch.Put(data, ov.blockKey(index)...)
	}

	if err := batch.Flush(); err != nil {
		return e.Wrap(err, "failed to flush overlay")
	}

	for index := range ov.buffered {
		ov.durable[index] = true
	}

	ov.buffered = make(map[uint64][]byte)
	ov.dirty = false
	return nil
}

// Dirty tells if writes happened since the last successful Flush().
func (ov *Overlay) Dirty() bool {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	return ov.dirty
}

// ModifiedBlocks returns the sorted indices of all blocks the overlay
// holds, durable and buffered alike.
func (ov *Overlay) ModifiedBlocks() []uint64 {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	return ov.modifiedBlocks()
}

// modifiedBlocks expects ov.mu to be held.
func (ov *Overlay) modifiedBlocks() []uint64 {
	seen := make(map[uint64]bool, len(ov.durable)+len(ov.buffered))
	for index := range ov.durable {
		seen[index] = true
	}

	for index := range ov.buffered {
		seen[index] = true
	}

	indices := make([]uint64, 0, len(seen))
	for index := range seen {
		indices = append(indices, index)
	}

	sort.Slice(indices, func(i, j int) bool {
		return indices[i] < indices[j]
	})

	return indices
}

// Stats returns the count and byte volume of currently held blocks.
func (ov *Overlay) Stats() Stats {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	count := uint64(len(ov.modifiedBlocks()))
	return Stats{
		BlockCount: count,
		TotalBytes: count * ov.blockSize,
	}
}

// Clear removes all overlay content, durable and buffered.
// Every index reads as absent afterwards.
func (ov *Overlay) Clear() error {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	batch := ov.db.Batch()
	if err := batch.Clear(ov.keyPrefix()...); err != nil {
		batch.Rollback()
		return e.Wrap(err, "failed to clear overlay")
	}

	if err := batch.Flush(); err != nil {
		return e.Wrap(err, "failed to clear overlay")
	}

	ov.buffered = make(map[uint64][]byte)
	ov.durable = make(map[uint64]bool)
	ov.dirty = false
	return nil
}

// Close releases the store handle. Already flushed data stays durable.
// Unflushed writes are dropped with a warning; Flush() first.
func (ov *Overlay) Close() error {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	if ov.closed {
		return nil
	}

	if ov.dirty {
		log.Warningf(
			"closing overlay %s/%s with %d unflushed blocks",
			ov.vmID, ov.diskID, len(ov.buffered),
		)
	}

	ov.closed = true
	return ov.db.Close()
}
