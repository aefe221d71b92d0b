package blockdev

import (
	"io/ioutil"
	"sync"

	e "github.com/pkg/errors"
)

// FileDevice serves blocks from a fully resident byte buffer.
// It is always read-only; no caching is needed since the bytes
// are already in memory.
type FileDevice struct {
	mu        sync.Mutex
	id        string
	data      []byte
	size      uint64
	blockSize uint64
	stats     Stats
}

// NewFileDevice wraps `data` as a read-only device.
// The size of the device is fixed to len(data).
func NewFileDevice(id string, data []byte, blockSize uint64) *FileDevice {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	return &FileDevice{
		id:        id,
		data:      data,
		size:      uint64(len(data)),
		blockSize: blockSize,
	}
}

// NewFileDeviceFromPath slurps the file at `path` and wraps it.
func NewFileDeviceFromPath(id, path string, blockSize uint64) (*FileDevice, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, e.Wrap(err, "failed to read base image")
	}

	return NewFileDevice(id, data, blockSize), nil
}

// ID returns the identifier given at construction.
func (fd *FileDevice) ID() string { return fd.id }

// Size returns the byte length of the wrapped buffer.
func (fd *FileDevice) Size() uint64 { return fd.size }

// BlockSize returns the block size in bytes.
func (fd *FileDevice) BlockSize() uint64 { return fd.blockSize }

// Readonly is always true for a file device.
func (fd *FileDevice) Readonly() bool { return true }

// ReadBlocks slices `count` blocks directly out of the buffer.
// The tail block and anything past the end is zero padded.
func (fd *FileDevice) ReadBlocks(index, count uint64) ([]byte, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	want := count * fd.blockSize
	buf := make([]byte, want)

	off := index * fd.blockSize
	if off < uint64(len(fd.data)) {
		copy(buf, fd.data[off:])
	}

	fd.stats.Reads++
	fd.stats.BytesRead += want
	return buf, nil
}

// WriteBlocks always fails; the device is read-only.
func (fd *FileDevice) WriteBlocks(index uint64, data []byte) error {
	return ErrReadOnly
}

// Sync is a no-op; there is nothing to persist.
func (fd *FileDevice) Sync() error { return nil }

// Close drops the reference to the underlying bytes.
// The size of the device stays observable.
func (fd *FileDevice) Close() error {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	fd.data = nil
	return nil
}

// Stats returns a copy of the current counters.
func (fd *FileDevice) Stats() Stats {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	return fd.stats
}
