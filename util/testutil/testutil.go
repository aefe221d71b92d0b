// Package testutil provides small helpers shared by the package tests.
package testutil

import (
	"io/ioutil"
	"os"
	"testing"
)

// CreateDummyBuf creates a byte slice that is `size` big.
// It is filled with the repeating numbers [0...254], so misplaced
// blocks show up immediately when comparing buffers.
func CreateDummyBuf(size int64) []byte {
	buf := make([]byte, size)

	for i := int64(0); i < size; i++ {
		// Be evil and stripe the data:
		buf[i] = byte(i % 255)
	}

	return buf
}

// CreateFile creates a temporary file filled with `size` bytes
// from CreateDummyBuf and returns its path.
func CreateFile(t *testing.T, size int64) string {
	fd, err := ioutil.TempFile("", "vdisk-test")
	if err != nil {
		t.Fatalf("cannot create temp file: %v", err)
	}

	if _, err := fd.Write(CreateDummyBuf(size)); err != nil {
		t.Fatalf("cannot fill temp file: %v", err)
	}

	if err := fd.Close(); err != nil {
		t.Fatalf("cannot close temp file: %v", err)
	}

	return fd.Name()
}

// Remover removes all files in paths recursively and errors when it fails.
// It is no error if there is nothing to delete. Useful in defer statements.
func Remover(t *testing.T, paths ...string) {
	for _, path := range paths {
		if err := os.RemoveAll(path); err != nil {
			t.Errorf("removing temp path failed: %v", err)
		}
	}
}
