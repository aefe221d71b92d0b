// Package blockdev defines the block device contract shared by all storage
// backends and implements the two read-only backing stores: a file backed
// device serving blocks from resident bytes and an HTTP device fetching
// blocks via range requests.
//
// All I/O is expressed in whole blocks of BlockSize() bytes, addressed by
// an unsigned block index. Reads past the end of a device yield zero bytes
// instead of an error, so callers must not use errors for end-of-device
// detection.
package blockdev

// DefaultBlockSize is the size of a single block when nothing else
// was configured.
const DefaultBlockSize = 64 * 1024

// Stats holds the I/O counters of a single device.
// The counters only ever grow; they reset when the device is rebuilt.
type Stats struct {
	Reads        uint64
	Writes       uint64
	BytesRead    uint64
	BytesWritten uint64
	CacheHits    uint64
	CacheMisses  uint64
}

// Device is the capability every storage backend implements.
// Implementations serialize all calls with an internal mutex,
// so a single instance may be shared between goroutines.
type Device interface {
	// ID returns a stable identifier, immutable over the device's lifetime.
	ID() string

	// Size returns the total addressable bytes of the device.
	Size() uint64

	// BlockSize returns the size of a single block in bytes.
	BlockSize() uint64

	// Readonly tells if WriteBlocks() is supported.
	Readonly() bool

	// ReadBlocks returns exactly count*BlockSize() bytes starting at block
	// `index`. Anything beyond the end of the device reads as zeros.
	ReadBlocks(index, count uint64) ([]byte, error)

	// WriteBlocks writes `data` starting at block `index`.
	// len(data) has to be a multiple of BlockSize().
	WriteBlocks(index uint64, data []byte) error

	// Sync makes all buffered writes durable.
	// It is a no-op on read-only devices.
	Sync() error

	// Close releases all resources held by the device.
	// It is idempotent and also valid on a half initialized device.
	Close() error

	// Stats returns a copy of the current counters.
	// Mutating the returned value does not affect the device.
	Stats() Stats
}

// padToLen returns buf cut or zero extended to exactly `size` bytes.
// Backing stores use it to implement the zero-fill-past-the-end contract
// uniformly after every read.
func padToLen(buf []byte, size uint64) []byte {
	if uint64(len(buf)) == size {
		return buf
	}

	if uint64(len(buf)) > size {
		return buf[:size]
	}

	padded := make([]byte, size)
	copy(padded, buf)
	return padded
}
