package storage

import (
	"math/bits"
	"sync/atomic"

	"mit.edu/dsg/morseldb/common"
)

// Bitmap is a fixed-size set of bits that may be set concurrently. The hash join marks the build
// rows that found a match in it while probe drivers run, and scans it for zero bits afterwards.
//
// Scans work a uint64 word at a time and skip full words.
type Bitmap struct {
	words   []atomic.Uint64
	numBits int
}

func NewBitmap(numBits int) *Bitmap {
	return &Bitmap{words: make([]atomic.Uint64, (numBits+63)/64), numBits: numBits}
}

func (b *Bitmap) Len() int {
	return b.numBits
}

// SetBit sets bit i and returns its previous value.
func (b *Bitmap) SetBit(i int) (originalValue bool) {
	common.Assert(i >= 0 && i < b.numBits, "indexing out of bounds")
	mask := uint64(1) << uint(i%64)
	w := &b.words[i/64]
	// Skip the write when the bit is already set; hot keys match many times.
	if w.Load()&mask != 0 {
		return true
	}
	return w.Or(mask)&mask != 0
}

// LoadBit returns the value of bit i.
func (b *Bitmap) LoadBit(i int) bool {
	common.Assert(i >= 0 && i < b.numBits, "indexing out of bounds")
	return b.words[i/64].Load()&(uint64(1)<<uint(i%64)) != 0
}

// NextZero returns the index of the first zero bit at or after start, or -1 if every bit from
// start on is set.
func (b *Bitmap) NextZero(start int) int {
	common.Assert(start >= 0 && start <= b.numBits, "invalid Bitmap start %d", start)
	for i := start / 64; i*64 < b.numBits; i++ {
		word := ^b.words[i].Load()
		if i == start/64 {
			// Ignore the bits before start.
			word &= ^uint64(0) << uint(start%64)
		}
		if word == 0 {
			continue
		}
		idx := i*64 + bits.TrailingZeros64(word)
		if idx >= b.numBits {
			return -1
		}
		return idx
	}
	return -1
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}
	return n
}
