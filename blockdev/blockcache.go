package blockdev

import "container/list"

// DefaultCacheCapacity is the number of blocks the HTTP device
// keeps cached when nothing else was configured.
const DefaultCacheCapacity = 64

// EvictionPolicy decides which entry a full block cache throws out.
type EvictionPolicy int

const (
	// EvictInsertionOrder drops the oldest inserted entry, no matter how
	// recently it was read. This is the historic behavior of the block
	// cache and therefore the default.
	EvictInsertionOrder EvictionPolicy = iota

	// EvictLeastRecentlyUsed re-orders entries on every hit and drops
	// the least recently read one instead.
	EvictLeastRecentlyUsed
)

type cacheEntry struct {
	index uint64
	data  []byte
}

// blockCache is a bounded cache mapping block indices to single block
// payloads. It is not safe for concurrent use; the owning device
// serializes access with its own mutex.
type blockCache struct {
	capacity int
	policy   EvictionPolicy
	order    *list.List
	entries  map[uint64]*list.Element
}

func newBlockCache(capacity int, policy EvictionPolicy) *blockCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}

	return &blockCache{
		capacity: capacity,
		policy:   policy,
		order:    list.New(),
		entries:  make(map[uint64]*list.Element),
	}
}

// Get returns the cached payload for `index`, if any.
func (bc *blockCache) Get(index uint64) ([]byte, bool) {
	elem, ok := bc.entries[index]
	if !ok {
		return nil, false
	}

	if bc.policy == EvictLeastRecentlyUsed {
		bc.order.MoveToBack(elem)
	}

	return elem.Value.(*cacheEntry).data, true
}

// Put remembers `data` for `index`, evicting one entry when full.
func (bc *blockCache) Put(index uint64, data []byte) {
	if elem, ok := bc.entries[index]; ok {
		elem.Value.(*cacheEntry).data = data
		if bc.policy == EvictLeastRecentlyUsed {
			bc.order.MoveToBack(elem)
		}

		return
	}

	if bc.order.Len() >= bc.capacity {
		victim := bc.order.Front()
		bc.order.Remove(victim)
		delete(bc.entries, victim.Value.(*cacheEntry).index)
	}

	bc.entries[index] = bc.order.PushBack(&cacheEntry{
		index: index,
		data:  data,
	})
}

// Len returns the number of currently cached blocks.
func (bc *blockCache) Len() int {
	return len(bc.entries)
}

// Purge forgets all cached blocks.
func (bc *blockCache) Purge() {
	bc.order.Init()
	bc.entries = make(map[uint64]*list.Element)
}
