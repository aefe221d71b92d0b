package blockdev

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qemuweb/vdisk/util/testutil"
)

func TestFileDeviceRead(t *testing.T) {
	data := testutil.CreateDummyBuf(256)
	dev := NewFileDevice("base", data, 64)

	require.Equal(t, "base", dev.ID())
	require.Equal(t, uint64(256), dev.Size())
	require.Equal(t, uint64(64), dev.BlockSize())
	require.True(t, dev.Readonly())

	buf, err := dev.ReadBlocks(0, 4)
	require.Nil(t, err)
	require.Equal(t, data, buf)

	buf, err = dev.ReadBlocks(1, 2)
	require.Nil(t, err)
	require.Equal(t, data[64:192], buf)
}

func TestFileDeviceTailPadding(t *testing.T) {
	// 100 bytes: one full block plus 36 bytes into the second.
	data := testutil.CreateDummyBuf(100)
	dev := NewFileDevice("base", data, 64)

	buf, err := dev.ReadBlocks(1, 1)
	require.Nil(t, err)
	require.Len(t, buf, 64)
	require.Equal(t, data[64:], buf[:36])
	require.Equal(t, make([]byte, 28), buf[36:])

	// Fully past the end: only zeros, no error.
	buf, err = dev.ReadBlocks(2, 1)
	require.Nil(t, err)
	require.Equal(t, make([]byte, 64), buf)

	buf, err = dev.ReadBlocks(1000, 2)
	require.Nil(t, err)
	require.Equal(t, make([]byte, 128), buf)
}

func TestFileDeviceWriteRejected(t *testing.T) {
	dev := NewFileDevice("base", testutil.CreateDummyBuf(128), 64)

	err := dev.WriteBlocks(0, make([]byte, 64))
	require.Equal(t, ErrReadOnly, err)

	// The device must stay usable and unchanged:
	buf, err := dev.ReadBlocks(0, 1)
	require.Nil(t, err)
	require.Equal(t, testutil.CreateDummyBuf(64), buf)
}

func TestFileDeviceFromPath(t *testing.T) {
	path := testutil.CreateFile(t, 128)
	defer testutil.Remover(t, path)

	dev, err := NewFileDeviceFromPath("base", path, 64)
	require.Nil(t, err)

	buf, err := dev.ReadBlocks(0, 2)
	require.Nil(t, err)
	require.Equal(t, testutil.CreateDummyBuf(128), buf)

	require.Nil(t, dev.Close())

	// Close() is idempotent and keeps the size observable:
	require.Nil(t, dev.Close())
	require.Equal(t, uint64(128), dev.Size())
}

func TestFileDeviceStats(t *testing.T) {
	dev := NewFileDevice("base", testutil.CreateDummyBuf(256), 64)

	_, err := dev.ReadBlocks(0, 2)
	require.Nil(t, err)
	_, err = dev.ReadBlocks(2, 1)
	require.Nil(t, err)

	stats := dev.Stats()
	require.Equal(t, uint64(2), stats.Reads)
	require.Equal(t, uint64(192), stats.BytesRead)
	require.Equal(t, uint64(0), stats.Writes)

	// The returned stats are a copy:
	stats.Reads = 1000
	require.Equal(t, uint64(2), dev.Stats().Reads)
}
