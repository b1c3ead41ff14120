package storage

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func verifyBitmap(t *testing.T, bm *Bitmap, shadow []bool) {
	for i := 0; i < len(shadow); i++ {
		assert.Equal(t, shadow[i], bm.LoadBit(i), "Mismatch at bit %d", i)
	}
}

// shadowNextZero is the reference answer for NextZero.
func shadowNextZero(shadow []bool, start int) int {
	for i := start; i < len(shadow); i++ {
		if !shadow[i] {
			return i
		}
	}
	return -1
}

// runRandomizedTest mixes sets, loads and zero scans and checks each against a shadow slice.
func runRandomizedTest(t *testing.T, numBits int, seed int64) {
	r := rand.New(rand.NewSource(seed))
	bm := NewBitmap(numBits)
	shadow := make([]bool, numBits)

	for i := 0; i < 20000; i++ {
		switch r.Intn(4) {
		case 0:
			idx := r.Intn(numBits)
			assert.Equal(t, shadow[idx], bm.SetBit(idx), "SetBit return value mismatch at iter %d", i)
			shadow[idx] = true
		case 1:
			idx := r.Intn(numBits)
			assert.Equal(t, shadow[idx], bm.LoadBit(idx), "LoadBit mismatch at iter %d", i)
		case 2:
			start := r.Intn(numBits + 1)
			assert.Equal(t, shadowNextZero(shadow, start), bm.NextZero(start), "NextZero(%d) at iter %d", start, i)
		case 3:
			// Fill a run so that whole words become full.
			start := r.Intn(numBits)
			for j := start; j < numBits && j < start+70; j++ {
				bm.SetBit(j)
				shadow[j] = true
			}
		}
	}
	verifyBitmap(t, bm, shadow)
}

func TestBitmapSimpleSetLoad(t *testing.T) {
	numBits := 100
	bm := NewBitmap(numBits)
	shadow := make([]bool, numBits)
	verifyBitmap(t, bm, shadow)

	// Bits crossing word boundaries.
	for _, idx := range []int{0, 1, 63, 64, 99} {
		assert.False(t, bm.SetBit(idx), "Unexpected previous value at %d", idx)
		shadow[idx] = true
	}
	verifyBitmap(t, bm, shadow)
	assert.True(t, bm.SetBit(63))
	assert.Equal(t, 5, bm.Count())
}

func TestBitmapNextZero(t *testing.T) {
	numBits := 100
	bm := NewBitmap(numBits)

	tests := []struct {
		set   []int
		start int
		want  int
	}{
		{nil, 0, 0},
		{nil, 42, 42},
		{[]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 0, 10},
		{nil, 5, 10},
		{nil, 64, 64},
		{nil, 100, -1},
	}
	for _, tc := range tests {
		for _, i := range tc.set {
			bm.SetBit(i)
		}
		assert.Equal(t, tc.want, bm.NextZero(tc.start), "NextZero(%d)", tc.start)
	}

	for i := 10; i < 64; i++ {
		bm.SetBit(i)
	}
	assert.Equal(t, 64, bm.NextZero(31))
	for i := 64; i < numBits; i++ {
		if i != 98 {
			bm.SetBit(i)
		}
	}
	assert.Equal(t, 98, bm.NextZero(0))
	bm.SetBit(98)
	assert.Equal(t, -1, bm.NextZero(0))
	assert.Equal(t, -1, bm.NextZero(99))
}

func TestBitmapConcurrentSet(t *testing.T) {
	const numBits = 1000
	bm := NewBitmap(numBits)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < numBits; i += 4 {
				bm.SetBit(i)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, numBits, bm.Count())
	assert.Equal(t, -1, bm.NextZero(0))
}

func TestBitmapRandomizedSmall(t *testing.T) {
	runRandomizedTest(t, 43, 65830)
}

func TestBitmapRandomizedLarge(t *testing.T) {
	runRandomizedTest(t, 500, 65831)
}
