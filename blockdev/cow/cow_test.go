package cow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qemuweb/vdisk/blockdev"
	"github.com/qemuweb/vdisk/blockdev/overlay"
	"github.com/qemuweb/vdisk/kv"
	"github.com/qemuweb/vdisk/util/testutil"
)

const testBlockSize = 64

// baseCall is one recorded ReadBlocks() call against the base.
type baseCall struct {
	index uint64
	count uint64
}

// recordingBase wraps a device and records every block read,
// so tests can check how often the base was actually hit.
type recordingBase struct {
	blockdev.Device
	calls []baseCall
}

func (rb *recordingBase) ReadBlocks(index, count uint64) ([]byte, error) {
	rb.calls = append(rb.calls, baseCall{index: index, count: count})
	return rb.Device.ReadBlocks(index, count)
}

// makeDevice builds a composer over a 10 block dummy base
// and a fresh in-memory overlay.
func makeDevice(t *testing.T) (*Device, *recordingBase, []byte) {
	data := testutil.CreateDummyBuf(10 * testBlockSize)
	base := &recordingBase{
		Device: blockdev.NewFileDevice("base", data, testBlockSize),
	}

	ov := overlay.New(kv.NewMemoryDatabase(), "vm0", "disk0", testBlockSize)
	require.Nil(t, ov.Init())

	dev, err := New("cow0", base, ov)
	require.Nil(t, err)

	return dev, base, data
}

// block returns one block filled with `b`.
func block(b byte) []byte {
	buf := make([]byte, testBlockSize)
	for i := range buf {
		buf[i] = b
	}

	return buf
}

func TestBlockSizeMismatch(t *testing.T) {
	base := blockdev.NewFileDevice("base", testutil.CreateDummyBuf(4096), 4096)
	ov := overlay.New(kv.NewMemoryDatabase(), "vm0", "disk0", 512)
	require.Nil(t, ov.Init())

	_, err := New("cow0", base, ov)
	require.True(t, blockdev.IsBlockSizeMismatchError(err))
}

func TestSizeDerivedFromBase(t *testing.T) {
	dev, _, _ := makeDevice(t)

	require.Equal(t, "cow0", dev.ID())
	require.Equal(t, uint64(10*testBlockSize), dev.Size())
	require.Equal(t, uint64(testBlockSize), dev.BlockSize())
	require.Equal(t, uint64(10), dev.BlockCount())
	require.False(t, dev.Readonly())
}

func TestReadBeforeWriteEquivalence(t *testing.T) {
	dev, _, data := makeDevice(t)

	// With an untouched overlay every read equals the base:
	for _, tc := range []struct{ index, count uint64 }{
		{0, 1}, {0, 10}, {3, 4}, {9, 1}, {8, 2},
	} {
		buf, err := dev.ReadBlocks(tc.index, tc.count)
		require.Nil(t, err)

		lo := tc.index * testBlockSize
		hi := lo + tc.count*testBlockSize
		require.Equal(t, data[lo:hi], buf)
	}
}

func TestWriteDominance(t *testing.T) {
	dev, _, data := makeDevice(t)

	require.Nil(t, dev.WriteBlocks(3, block('X')))

	buf, err := dev.ReadBlocks(3, 1)
	require.Nil(t, err)
	require.Equal(t, block('X'), buf)

	// Neighbours still come from the base:
	buf, err = dev.ReadBlocks(2, 3)
	require.Nil(t, err)
	require.Equal(t, data[2*testBlockSize:3*testBlockSize], buf[:testBlockSize])
	require.Equal(t, block('X'), buf[testBlockSize:2*testBlockSize])
	require.Equal(t, data[4*testBlockSize:5*testBlockSize], buf[2*testBlockSize:])
}

func TestWriteNeverTouchesBase(t *testing.T) {
	dev, base, _ := makeDevice(t)

	require.Nil(t, dev.WriteBlocks(0, block('A')))
	require.Nil(t, dev.WriteBlocks(9, block('B')))
	require.Nil(t, dev.Sync())

	require.Empty(t, base.calls)

	stats := base.Device.Stats()
	require.Equal(t, uint64(0), stats.Writes)
}

func TestMultiBlockWrite(t *testing.T) {
	dev, _, _ := makeDevice(t)

	data := append(append([]byte{}, block('A')...), block('B')...)
	require.Nil(t, dev.WriteBlocks(4, data))

	buf, err := dev.ReadBlocks(4, 2)
	require.Nil(t, err)
	require.Equal(t, data, buf)
}

func TestUnalignedWriteRejected(t *testing.T) {
	dev, _, _ := makeDevice(t)

	err := dev.WriteBlocks(0, make([]byte, testBlockSize+1))
	require.True(t, blockdev.IsUnalignedWriteError(err))

	// Nothing may have reached the overlay:
	require.False(t, dev.IsDirty())
}

func TestRangeCoalescing(t *testing.T) {
	dev, base, data := makeDevice(t)

	// Put blocks 2, 3 and 7 into the overlay:
	for _, index := range []uint64{2, 3, 7} {
		require.Nil(t, dev.WriteBlocks(index, block(byte('0'+index))))
	}

	base.calls = nil

	buf, err := dev.ReadBlocks(0, 10)
	require.Nil(t, err)

	// The missing blocks coalesce into three ranges, not seven reads:
	require.Equal(t, []baseCall{
		{index: 0, count: 2},
		{index: 4, count: 3},
		{index: 8, count: 2},
	}, base.calls)

	// And the merged result is byte-identical to a naive merge:
	expected := append([]byte{}, data...)
	for _, index := range []uint64{2, 3, 7} {
		copy(expected[index*testBlockSize:], block(byte('0'+index)))
	}

	require.Equal(t, expected, buf)
}

func TestReadStatsCountHitsAndMisses(t *testing.T) {
	dev, _, _ := makeDevice(t)

	for _, index := range []uint64{2, 3, 7} {
		require.Nil(t, dev.WriteBlocks(index, block('x')))
	}

	_, err := dev.ReadBlocks(0, 10)
	require.Nil(t, err)

	stats := dev.Stats()
	require.Equal(t, uint64(1), stats.Reads)
	require.Equal(t, uint64(10*testBlockSize), stats.BytesRead)
	require.Equal(t, uint64(3), stats.CacheHits)
	require.Equal(t, uint64(7), stats.CacheMisses)
}

func TestDirtyLifecycle(t *testing.T) {
	dev, _, _ := makeDevice(t)

	require.False(t, dev.IsDirty())

	require.Nil(t, dev.WriteBlocks(0, block('a')))
	require.True(t, dev.IsDirty())

	require.Nil(t, dev.Sync())
	require.False(t, dev.IsDirty())
}

func TestOverlayRoundTripThroughComposer(t *testing.T) {
	dev, _, data := makeDevice(t)

	require.Nil(t, dev.WriteBlocks(0, block('A')))
	require.Nil(t, dev.WriteBlocks(5, block('B')))
	require.Nil(t, dev.Sync())

	snap, err := dev.ExportOverlay("test")
	require.Nil(t, err)
	require.Equal(t, uint64(2), dev.OverlayStats().BlockCount)

	// After a clear, reads defer to the base again:
	require.Nil(t, dev.ClearOverlay())

	buf, err := dev.ReadBlocks(0, 1)
	require.Nil(t, err)
	require.Equal(t, data[:testBlockSize], buf)

	// Importing restores write dominance:
	require.Nil(t, dev.ImportOverlay(snap))

	buf, err = dev.ReadBlocks(0, 1)
	require.Nil(t, err)
	require.Equal(t, block('A'), buf)

	buf, err = dev.ReadBlocks(5, 1)
	require.Nil(t, err)
	require.Equal(t, block('B'), buf)
}

func TestCloseIdempotent(t *testing.T) {
	dev, _, _ := makeDevice(t)

	require.Nil(t, dev.Sync())
	require.Nil(t, dev.Close())
	require.Nil(t, dev.Close())
}

func TestCoalesce(t *testing.T) {
	tcs := map[string]struct {
		indices []uint64
		want    []blockRange
	}{
		"empty": {
			indices: nil,
			want:    nil,
		},
		"single": {
			indices: []uint64{5},
			want:    []blockRange{{start: 5, end: 5}},
		},
		"contiguous": {
			indices: []uint64{1, 2, 3},
			want:    []blockRange{{start: 1, end: 3}},
		},
		"unsorted": {
			indices: []uint64{3, 1, 2},
			want:    []blockRange{{start: 1, end: 3}},
		},
		"gaps": {
			indices: []uint64{0, 1, 4, 5, 6, 8},
			want: []blockRange{
				{start: 0, end: 1},
				{start: 4, end: 6},
				{start: 8, end: 8},
			},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, coalesce(tc.indices))
		})
	}
}
