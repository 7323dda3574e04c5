package alloc

const bitsPerByte = 8

// Bitmap holds one bit per block, set when the block is allocated. Bit i
// lives in byte i/8 at position i%8 counting from the least significant
// bit, which is the memory image of a little-endian bitset.
type Bitmap [BlockCount / bitsPerByte]byte

// IsSet reports whether block b is marked allocated.
func (bm *Bitmap) IsSet(b Block) bool {
	return bm[b/bitsPerByte]&(1<<(uint(b)%bitsPerByte)) != 0
}

// Set marks block b allocated.
func (bm *Bitmap) Set(b Block) {
	bm[b/bitsPerByte] |= 1 << (uint(b) % bitsPerByte)
}

// Clear marks block b free.
func (bm *Bitmap) Clear(b Block) {
	bm[b/bitsPerByte] &^= 1 << (uint(b) % bitsPerByte)
}

// Reset marks every block free.
func (bm *Bitmap) Reset() {
	*bm = Bitmap{}
}

// FirstZero returns the lowest-numbered free block.
func (bm *Bitmap) FirstZero() (Block, bool) {
	for i, byt := range bm {
		if byt == 0xff {
			continue
		}
		for bit := 0; bit < bitsPerByte; bit++ {
			if byt&(1<<uint(bit)) == 0 {
				return Block(i*bitsPerByte + bit), true
			}
		}
	}
	return NoBlock, false
}

// Count returns the number of allocated blocks.
func (bm *Bitmap) Count() int {
	n := 0
	for _, byt := range bm {
		for ; byt != 0; byt &= byt - 1 {
			n++
		}
	}
	return n
}
