package overlay

import (
	"encoding/gob"
	"io"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	e "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qemuweb/vdisk/blockdev"
	"github.com/qemuweb/vdisk/kv"
)

// SnapshotMetadata describes an exported overlay.
// BlockCount and TotalBytes are informational summaries derived from
// the block list; on import only the blocks themselves count.
type SnapshotMetadata struct {
	ID          string
	VMID        string
	DiskID      string
	CreatedAt   time.Time
	BlockCount  uint64
	TotalBytes  uint64
	Description string
}

// SnapshotBlock is one journaled block with its absolute index.
type SnapshotBlock struct {
	Index uint64
	Data  []byte
}

// Snapshot is the portable form of an overlay, used to move modified
// disk state between sessions or machines. Blocks are ordered by
// ascending index and round-trip byte-exactly.
type Snapshot struct {
	Metadata SnapshotMetadata
	Blocks   []SnapshotBlock
}

// Export bundles every block the overlay holds into a snapshot.
// Buffered writes are flushed first, so the snapshot always reflects
// durable state.
func (ov *Overlay) Export(description string) (*Snapshot, error) {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	if err := ov.flush(); err != nil {
		return nil, err
	}

	indices := ov.modifiedBlocks()
	blocks := make([]SnapshotBlock, 0, len(indices))
	for _, index := range indices {
		data, err := ov.db.Get(ov.blockKey(index)...)
		if err == kv.ErrNoSuchKey {
			return nil, blockdev.ErrMissingBlock{Index: index}
		}

		if err != nil {
			return nil, e.Wrapf(err, "failed to export block %d", index)
		}

		blocks = append(blocks, SnapshotBlock{
			Index: index,
			Data:  data,
		})
	}

	return &Snapshot{
		Metadata: SnapshotMetadata{
			ID:          uuid.New().String(),
			VMID:        ov.vmID,
			DiskID:      ov.diskID,
			CreatedAt:   time.Now(),
			BlockCount:  uint64(len(blocks)),
			TotalBytes:  uint64(len(blocks)) * ov.blockSize,
			Description: description,
		},
		Blocks: blocks,
	}, nil
}

// Import replays every block of `snap` as a full write and flushes.
// Afterwards the overlay answers queries as if each block had been
// written individually.
func (ov *Overlay) Import(snap *Snapshot) error {
	ov.mu.Lock()
	defer ov.mu.Unlock()

	for _, block := range snap.Blocks {
		if uint64(len(block.Data)) != ov.blockSize {
			return blockdev.ErrUnalignedWrite{
				Len:       len(block.Data),
				BlockSize: ov.blockSize,
			}
		}

		buf := make([]byte, len(block.Data))
		copy(buf, block.Data)

		ov.buffered[block.Index] = buf
		ov.dirty = true
	}

	if err := ov.flush(); err != nil {
		return err
	}

	log.Debugf(
		"imported snapshot %s with %d blocks into %s/%s",
		snap.Metadata.ID, len(snap.Blocks), ov.vmID, ov.diskID,
	)

	return nil
}

// Save writes the snapshot to `w` as a snappy compressed gob stream.
func (snap *Snapshot) Save(w io.Writer) error {
	zw := snappy.NewBufferedWriter(w)
	if err := gob.NewEncoder(zw).Encode(snap); err != nil {
		zw.Close()
		return e.Wrap(err, "failed to encode snapshot")
	}

	return zw.Close()
}

// Load reads a snapshot in the format written by Save().
func Load(r io.Reader) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := gob.NewDecoder(snappy.NewReader(r)).Decode(snap); err != nil {
		return nil, e.Wrap(err, "failed to decode snapshot")
	}

	return snap, nil
}
