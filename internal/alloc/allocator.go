// Package alloc implements the simulated block device bookkeeping: a
// free-space bitmap and a file allocation table of BlockCount entries.
//
// The allocator is the single owner of both structures. All mutation goes
// through its methods, which keep the bitmap bit and the FAT entry of a
// block in step: a free block always has FAT entry NoBlock.
package alloc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"fatoverlay/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("alloc")

	// ErrOutOfSpace indicates every block is allocated
	ErrOutOfSpace = errors.New("no free blocks")
)

// Block identifies a block in [0, BlockCount).
type Block int32

const (
	// BlockCount is the fixed size of the simulated device
	BlockCount = 1024

	// NoBlock terminates a chain and marks a free FAT entry
	NoBlock Block = -1
)

// Well-known checkpoint file names.
const (
	BitmapFile = "bitmap.bin"
	FATFile    = "fat.bin"
)

// Sizes of the persisted images.
const (
	BitmapSize = BlockCount / bitsPerByte
	FATSize    = BlockCount * 4
)

// Valid reports whether b names a block on the device.
func (b Block) Valid() bool {
	return b >= 0 && b < BlockCount
}

// FAT maps each block to the next block of its chain, or NoBlock.
type FAT [BlockCount]Block

// BlobStore persists the bitmap and FAT images.
type BlobStore interface {
	ReadBlob(name string) ([]byte, error)
	WriteBlob(name string, data []byte) error
}

// Allocator owns the bitmap and FAT for one session.
type Allocator struct {
	bitmap Bitmap
	fat    FAT
	store  BlobStore
}

// New returns a freshly formatted allocator persisting to store. Nothing
// is written until Flush.
func New(store BlobStore) *Allocator {
	a := &Allocator{store: store}
	a.Format()
	return a
}

// Load reads the persisted bitmap and FAT. A missing or size-mismatched
// image is not an error: the allocator is formatted instead and reformatted
// is true, in which case the caller should Flush.
func Load(store BlobStore) (a *Allocator, reformatted bool) {
	a = &Allocator{store: store}

	bm, bmErr := store.ReadBlob(BitmapFile)
	fat, fatErr := store.ReadBlob(FATFile)
	switch {
	case bmErr != nil || fatErr != nil:
		logger.Warn("Allocator images missing (bitmap: %v, fat: %v); formatting", bmErr, fatErr)
		a.Format()
		return a, true
	case len(bm) != BitmapSize || len(fat) != FATSize:
		logger.Warn("Allocator images have wrong size (bitmap %d/%d bytes, fat %d/%d bytes); formatting",
			len(bm), BitmapSize, len(fat), FATSize)
		a.Format()
		return a, true
	}

	copy(a.bitmap[:], bm)
	if err := binary.Read(bytes.NewReader(fat), binary.LittleEndian, &a.fat); err != nil {
		logger.Warn("Cannot decode FAT image: %v; formatting", err)
		a.Format()
		return a, true
	}
	a.sanitize()

	logger.Debug("Allocator loaded: %d of %d blocks in use", a.Used(), BlockCount)
	return a, false
}

// sanitize repairs entries that can never be valid so later walks only
// ever see NoBlock or an in-range block.
func (a *Allocator) sanitize() {
	for i, next := range a.fat {
		b := Block(i)
		if next != NoBlock && !next.Valid() {
			logger.Warn("FAT entry %d points outside the device (%d); terminating chain", i, next)
			a.fat[i] = NoBlock
		}
		if !a.bitmap.IsSet(b) && a.fat[i] != NoBlock {
			logger.Warn("Free block %d has FAT successor %d; clearing", i, a.fat[i])
			a.fat[i] = NoBlock
		}
	}
}

// Format marks every block free and terminates every FAT entry.
func (a *Allocator) Format() {
	a.bitmap.Reset()
	for i := range a.fat {
		a.fat[i] = NoBlock
	}
	logger.Debug("Allocator formatted")
}

// Allocate claims the lowest-numbered free block as a one-block chain.
func (a *Allocator) Allocate() (Block, error) {
	b, ok := a.bitmap.FirstZero()
	if !ok {
		logger.Warn("Allocation failed: all %d blocks in use", BlockCount)
		return NoBlock, ErrOutOfSpace
	}
	a.bitmap.Set(b)
	a.fat[b] = NoBlock
	logger.Trace("Allocated block %d", b)
	return b, nil
}

// Reserve marks a specific block allocated as a one-block chain. It
// returns false when b is out of range or already in use.
func (a *Allocator) Reserve(b Block) bool {
	if !b.Valid() || a.bitmap.IsSet(b) {
		return false
	}
	a.bitmap.Set(b)
	a.fat[b] = NoBlock
	return true
}

// Free releases every block of the chain starting at head and returns how
// many blocks were released. An out-of-range index or an already free
// block ends the walk; every step clears a bit, so a corrupt cyclic chain
// cannot loop forever.
func (a *Allocator) Free(head Block) int {
	freed := 0
	for b := head; b.Valid() && a.bitmap.IsSet(b); freed++ {
		next := a.fat[b]
		a.bitmap.Clear(b)
		a.fat[b] = NoBlock
		b = next
	}
	if freed > 0 {
		logger.Trace("Freed %d block(s) from chain at %d", freed, head)
	}
	return freed
}

// Chain returns the blocks of the chain starting at head, in order.
func (a *Allocator) Chain(head Block) []Block {
	var chain []Block
	seen := make(map[Block]bool)
	for b := head; b.Valid() && !seen[b]; b = a.fat[b] {
		seen[b] = true
		chain = append(chain, b)
	}
	return chain
}

// IsAllocated reports whether b is marked in use.
func (a *Allocator) IsAllocated(b Block) bool {
	return b.Valid() && a.bitmap.IsSet(b)
}

// Next returns the FAT successor of b, or NoBlock.
func (a *Allocator) Next(b Block) Block {
	if !b.Valid() {
		return NoBlock
	}
	return a.fat[b]
}

// Used returns the number of allocated blocks.
func (a *Allocator) Used() int {
	return a.bitmap.Count()
}

// FreeCount returns the number of free blocks.
func (a *Allocator) FreeCount() int {
	return BlockCount - a.Used()
}

// Snapshot returns copies of the bitmap and FAT.
func (a *Allocator) Snapshot() (Bitmap, FAT) {
	return a.bitmap, a.fat
}

// MarshalBitmap returns the persisted bitmap image.
func (a *Allocator) MarshalBitmap() []byte {
	out := make([]byte, BitmapSize)
	copy(out, a.bitmap[:])
	return out
}

// MarshalFAT returns the persisted FAT image: BlockCount little-endian
// 32-bit integers.
func (a *Allocator) MarshalFAT() []byte {
	var buf bytes.Buffer
	buf.Grow(FATSize)
	// Writing a fixed-size array to a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, &a.fat)
	return buf.Bytes()
}

// Flush writes both images to the store.
func (a *Allocator) Flush() error {
	if err := a.store.WriteBlob(BitmapFile, a.MarshalBitmap()); err != nil {
		return fmt.Errorf("flushing bitmap: %w", err)
	}
	if err := a.store.WriteBlob(FATFile, a.MarshalFAT()); err != nil {
		return fmt.Errorf("flushing fat: %w", err)
	}
	logger.Debug("Allocator flushed: %d of %d blocks in use", a.Used(), BlockCount)
	return nil
}
