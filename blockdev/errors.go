package blockdev

import (
	"errors"
	"fmt"
)

var (
	// ErrReadOnly is returned when writing to a read-only device.
	ErrReadOnly = errors.New("Device is read-only")

	// ErrNotInitialized is returned when reading from a device
	// that needs an Init() call before the first use.
	ErrNotInitialized = errors.New("Device was not initialized yet")
)

// ErrUnalignedWrite is returned when a write buffer does not line up
// with the block size of the device.
type ErrUnalignedWrite struct {
	Len       int
	BlockSize uint64
}

func (e ErrUnalignedWrite) Error() string {
	return fmt.Sprintf(
		"Write of %d bytes does not align to the block size of %d",
		e.Len, e.BlockSize,
	)
}

// IsUnalignedWriteError asserts that `err` was caused by a misaligned buffer.
func IsUnalignedWriteError(err error) bool {
	_, ok := err.(ErrUnalignedWrite)
	return ok
}

// ErrBlockSizeMismatch is returned when a base device and an overlay
// with different block sizes are paired. The pairing is never usable.
type ErrBlockSizeMismatch struct {
	Base    uint64
	Overlay uint64
}

func (e ErrBlockSizeMismatch) Error() string {
	return fmt.Sprintf(
		"Block sizes of base (%d) and overlay (%d) differ",
		e.Base, e.Overlay,
	)
}

// IsBlockSizeMismatchError asserts that `err` is a block size mismatch.
func IsBlockSizeMismatchError(err error) bool {
	_, ok := err.(ErrBlockSizeMismatch)
	return ok
}

// HTTPStatusError is returned when the remote side of an HTTP device
// answered with a non-success status. It carries enough detail for the
// caller to decide about retrying; this package never retries itself.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("Request to `%s` failed: %s", e.URL, e.Status)
}

// IsHTTPStatusError asserts that `err` came from a non-success response.
func IsHTTPStatusError(err error) bool {
	_, ok := err.(*HTTPStatusError)
	return ok
}

// ErrMissingBlock is returned when a block that the index guarantees to
// exist could not be found in the store. This is a data integrity bug,
// not a transient condition.
type ErrMissingBlock struct {
	Index uint64
}

func (e ErrMissingBlock) Error() string {
	return fmt.Sprintf("Block %d is indexed but missing from the store. Corrupted state?", e.Index)
}

// IsMissingBlockError asserts that `err` means a lost block.
func IsMissingBlockError(err error) bool {
	_, ok := err.(ErrMissingBlock)
	return ok
}
