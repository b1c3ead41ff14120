package common

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Assert checks an engine invariant and panics if it does not hold. Use it for conditions that
// can only fail through a bug in the engine; user input and I/O failures are returned as errors.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// Hash computes the 64-bit xxhash of data. Join, aggregate and distinct operators route keys to
// shards by this value.
func Hash(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// HashString is Hash for strings without a copy.
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// ShardOf maps a key hash onto one of n shards using the high half of the hash.
func ShardOf(hash uint64, n int) int {
	if n <= 1 {
		return 0
	}
	return int((hash >> 32) % uint64(n))
}
