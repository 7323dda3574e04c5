package alloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory BlobStore.
type memStore struct {
	blobs    map[string][]byte
	writeErr error
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (s *memStore) ReadBlob(name string) ([]byte, error) {
	data, ok := s.blobs[name]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", name, os.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) WriteBlob(name string, data []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.blobs[name] = append([]byte(nil), data...)
	return nil
}

func TestFormatIsAllFree(t *testing.T) {
	a := New(newMemStore())
	bm, fat := a.Snapshot()

	assert.Equal(t, 0, bm.Count())
	assert.Equal(t, BlockCount, a.FreeCount())
	for i, next := range fat {
		require.Equal(t, NoBlock, next, "fat[%d]", i)
	}
}

func TestAllocateLowestFirst(t *testing.T) {
	a := New(newMemStore())

	for want := Block(0); want < 20; want++ {
		b, err := a.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, b)
		assert.True(t, a.IsAllocated(b))
		assert.Equal(t, NoBlock, a.Next(b))
	}

	a.Free(5)
	b, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, Block(5), b, "freed hole should be reused first")
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := New(newMemStore())
	_, _ = a.Allocate()
	_, _ = a.Allocate()
	bmBefore, fatBefore := a.Snapshot()

	b, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 1, a.Free(b))

	bmAfter, fatAfter := a.Snapshot()
	assert.Equal(t, bmBefore, bmAfter)
	assert.Equal(t, fatBefore, fatAfter)
}

func TestOutOfSpace(t *testing.T) {
	a := New(newMemStore())
	for i := 0; i < BlockCount; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}
	assert.Equal(t, 0, a.FreeCount())

	b, err := a.Allocate()
	assert.True(t, errors.Is(err, ErrOutOfSpace))
	assert.Equal(t, NoBlock, b)
}

func TestFreeWalksChain(t *testing.T) {
	a := New(newMemStore())
	for i := 0; i < 4; i++ {
		_, _ = a.Allocate()
	}
	// chain 0 -> 2 -> 3, block 1 belongs to someone else
	a.fat[0] = 2
	a.fat[2] = 3

	assert.Equal(t, []Block{0, 2, 3}, a.Chain(0))
	assert.Equal(t, 3, a.Free(0))

	assert.False(t, a.IsAllocated(0))
	assert.True(t, a.IsAllocated(1))
	assert.False(t, a.IsAllocated(2))
	assert.False(t, a.IsAllocated(3))
	assert.Equal(t, NoBlock, a.Next(0))
	assert.Equal(t, NoBlock, a.Next(2))
}

func TestFreeDefendsAgainstCorruptChains(t *testing.T) {
	t.Run("out of range head", func(t *testing.T) {
		a := New(newMemStore())
		assert.Equal(t, 0, a.Free(NoBlock))
		assert.Equal(t, 0, a.Free(BlockCount))
		assert.Equal(t, 0, a.Free(-42))
	})

	t.Run("out of range successor", func(t *testing.T) {
		a := New(newMemStore())
		_, _ = a.Allocate()
		a.fat[0] = BlockCount + 7
		assert.Equal(t, 1, a.Free(0))
		assert.Equal(t, NoBlock, a.Next(0))
	})

	t.Run("cycle", func(t *testing.T) {
		a := New(newMemStore())
		_, _ = a.Allocate()
		_, _ = a.Allocate()
		a.fat[0] = 1
		a.fat[1] = 0
		assert.Equal(t, []Block{0, 1}, a.Chain(0))
		assert.Equal(t, 2, a.Free(0))
		assert.Equal(t, 0, a.Used())
	})
}

func TestFlushAndLoad(t *testing.T) {
	store := newMemStore()
	a := New(store)
	for i := 0; i < 10; i++ {
		_, _ = a.Allocate()
	}
	a.fat[3] = 4
	require.NoError(t, a.Flush())

	assert.Len(t, store.blobs[BitmapFile], BitmapSize)
	assert.Len(t, store.blobs[FATFile], FATSize)
	assert.Equal(t, int32(4), int32(binary.LittleEndian.Uint32(store.blobs[FATFile][3*4:])))
	assert.Equal(t, byte(0xff), store.blobs[BitmapFile][0])
	assert.Equal(t, byte(0x03), store.blobs[BitmapFile][1])

	loaded, reformatted := Load(store)
	assert.False(t, reformatted)
	bmWant, fatWant := a.Snapshot()
	bmGot, fatGot := loaded.Snapshot()
	assert.Equal(t, bmWant, bmGot)
	assert.Equal(t, fatWant, fatGot)
}

func TestLoadReformats(t *testing.T) {
	tests := []struct {
		name  string
		blobs map[string][]byte
	}{
		{name: "missing images", blobs: map[string][]byte{}},
		{name: "missing fat", blobs: map[string][]byte{BitmapFile: make([]byte, BitmapSize)}},
		{
			name: "short bitmap",
			blobs: map[string][]byte{
				BitmapFile: make([]byte, BitmapSize-1),
				FATFile:    make([]byte, FATSize),
			},
		},
		{
			name: "long fat",
			blobs: map[string][]byte{
				BitmapFile: make([]byte, BitmapSize),
				FATFile:    make([]byte, FATSize+4),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.blobs = tt.blobs
			a, reformatted := Load(store)
			assert.True(t, reformatted)
			assert.Equal(t, BlockCount, a.FreeCount())
		})
	}
}

func TestLoadSanitizesFAT(t *testing.T) {
	store := newMemStore()
	a := New(store)
	_, _ = a.Allocate()
	a.fat[0] = 5000 // out of range
	a.fat[9] = 3    // free block with a successor
	require.NoError(t, a.Flush())

	loaded, reformatted := Load(store)
	require.False(t, reformatted)
	assert.Equal(t, NoBlock, loaded.Next(0))
	assert.Equal(t, NoBlock, loaded.Next(9))
	assert.True(t, loaded.IsAllocated(0))
}

func TestFlushError(t *testing.T) {
	store := newMemStore()
	store.writeErr = errors.New("disk on fire")
	err := New(store).Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestReserve(t *testing.T) {
	a := New(newMemStore())

	assert.True(t, a.Reserve(3))
	assert.False(t, a.Reserve(3), "already reserved")
	assert.False(t, a.Reserve(NoBlock))
	assert.False(t, a.Reserve(BlockCount))

	b, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, Block(0), b)
	assert.Equal(t, 2, a.Used())
}
