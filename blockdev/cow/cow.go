// Package cow composes a read-only base device and a persisted overlay
// into one logical, writable block device. Reads prefer the overlay and
// fall through to the base for everything else; writes only ever touch
// the overlay, so the base image stays byte-identical forever.
//
// Blocks missing from the overlay are coalesced into maximal contiguous
// ranges before hitting the base. That keeps the number of base reads
// minimal, which matters most for network backed bases where every
// request pays a fixed latency overhead.
package cow

import (
	"sort"
	"sync"

	"github.com/qemuweb/vdisk/blockdev"
	"github.com/qemuweb/vdisk/blockdev/overlay"
)

// Device merges one base device with one overlay.
// It implements blockdev.Device and is never read-only.
type Device struct {
	mu     sync.Mutex
	id     string
	base   blockdev.Device
	ov     *overlay.Overlay
	stats  blockdev.Stats
	closed bool
}

// blockRange is a contiguous, inclusive span of block indices that
// can be served by a single base read.
type blockRange struct {
	start uint64
	end   uint64
}

func (r blockRange) count() uint64 {
	return r.end - r.start + 1
}

// New builds a COW device over `base` and `ov`.
// Their block sizes have to match; the device size is the base's size.
func New(id string, base blockdev.Device, ov *overlay.Overlay) (*Device, error) {
	if base.BlockSize() != ov.BlockSize() {
		return nil, blockdev.ErrBlockSizeMismatch{
			Base:    base.BlockSize(),
			Overlay: ov.BlockSize(),
		}
	}

	return &Device{
		id:   id,
		base: base,
		ov:   ov,
	}, nil
}

// ID returns the identifier given at construction.
func (dv *Device) ID() string { return dv.id }

// Size always equals the base's size.
func (dv *Device) Size() uint64 { return dv.base.Size() }

// BlockSize returns the shared block size of base and overlay.
func (dv *Device) BlockSize() uint64 { return dv.base.BlockSize() }

// BlockCount returns the number of (partially) addressable blocks.
func (dv *Device) BlockCount() uint64 {
	blockSize := dv.base.BlockSize()
	return (dv.base.Size() + blockSize - 1) / blockSize
}

// Readonly is always false; that is the point of the composition.
func (dv *Device) Readonly() bool { return false }

// coalesce merges sorted block indices into maximal contiguous ranges.
func coalesce(indices []uint64) []blockRange {
	if len(indices) == 0 {
		return nil
	}

	sort.Slice(indices, func(i, j int) bool {
		return indices[i] < indices[j]
	})

	ranges := []blockRange{{start: indices[0], end: indices[0]}}
	for _, index := range indices[1:] {
		last := &ranges[len(ranges)-1]
		if index == last.end+1 {
			last.end = index
			continue
		}

		ranges = append(ranges, blockRange{start: index, end: index})
	}

	return ranges
}

// ReadBlocks merges overlay and base content for [index, index+count).
//
// The overlay is asked once for the whole request; whatever it misses is
// coalesced into contiguous ranges and fetched from the base with one
// read per range. Overlay blocks win at every overlapping position.
// Blocks resolved from the overlay count as cache hits, base resolved
// ones as misses.
func (dv *Device) ReadBlocks(index, count uint64) ([]byte, error) {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	blockSize := dv.base.BlockSize()
	buf := make([]byte, count*blockSize)

	indices := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		indices = append(indices, index+i)
	}

	present, err := dv.ov.ReadBlocks(indices)
	if err != nil {
		return nil, err
	}

	absent := make([]uint64, 0, len(indices)-len(present))
	for _, idx := range indices {
		if _, ok := present[idx]; !ok {
			absent = append(absent, idx)
		}
	}

	for _, rng := range coalesce(absent) {
		data, err := dv.base.ReadBlocks(rng.start, rng.count())
		if err != nil {
			return nil, err
		}

		copy(buf[(rng.start-index)*blockSize:], data)
	}

	for idx, data := range present {
		off := (idx - index) * blockSize
		copy(buf[off:off+blockSize], data)
	}

	dv.stats.Reads++
	dv.stats.BytesRead += uint64(len(buf))
	dv.stats.CacheHits += uint64(len(present))
	dv.stats.CacheMisses += uint64(len(absent))
	return buf, nil
}

// WriteBlocks journals `data` block by block into the overlay.
// The base is never touched. len(data) has to be a multiple of
// the block size.
func (dv *Device) WriteBlocks(index uint64, data []byte) error {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	blockSize := dv.base.BlockSize()
	if uint64(len(data))%blockSize != 0 {
		return blockdev.ErrUnalignedWrite{
			Len:       len(data),
			BlockSize: blockSize,
		}
	}

	for off := uint64(0); off < uint64(len(data)); off += blockSize {
		err := dv.ov.WriteBlock(index+off/blockSize, data[off:off+blockSize])
		if err != nil {
			return err
		}
	}

	dv.stats.Writes++
	dv.stats.BytesWritten += uint64(len(data))
	return nil
}

// Sync flushes the overlay journal to its durable store.
func (dv *Device) Sync() error {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	return dv.ov.Flush()
}

// IsDirty tells if the overlay holds writes that were not flushed yet.
func (dv *Device) IsDirty() bool {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	return dv.ov.Dirty()
}

// Close closes the overlay first, then the base. It is idempotent.
// The first error wins, but both devices get their Close() call.
func (dv *Device) Close() error {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	if dv.closed {
		return nil
	}

	dv.closed = true

	ovErr := dv.ov.Close()
	baseErr := dv.base.Close()
	if ovErr != nil {
		return ovErr
	}

	return baseErr
}

// Stats returns a copy of the composer's counters.
func (dv *Device) Stats() blockdev.Stats {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	return dv.stats
}

// ExportOverlay delegates to the overlay's snapshot export.
func (dv *Device) ExportOverlay(description string) (*overlay.Snapshot, error) {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	return dv.ov.Export(description)
}

// ImportOverlay replays a snapshot into the overlay.
func (dv *Device) ImportOverlay(snap *overlay.Snapshot) error {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	return dv.ov.Import(snap)
}

// ClearOverlay drops all overlay content; reads defer to the base again.
func (dv *Device) ClearOverlay() error {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	return dv.ov.Clear()
}

// OverlayStats returns what the overlay currently holds.
func (dv *Device) OverlayStats() overlay.Stats {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	return dv.ov.Stats()
}
