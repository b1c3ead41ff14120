package execution

// entryOverhead approximates the per-entry cost of a Go map beyond the key bytes.
const entryOverhead = 48

// ExecutionHashTable is a thin wrapper around a Go map keyed by encoded rows (see
// compute.EncodeKeys). It backs join shards and aggregation group tables and is owned by one
// task at a time.
type ExecutionHashTable[T any] struct {
	// Go does not support byte slices as map keys, so keys are the encoded bytes as a string.
	table map[string]T
	bytes int64
}

func NewExecutionHashTable[T any](sizeHint int) *ExecutionHashTable[T] {
	return &ExecutionHashTable[T]{table: make(map[string]T, sizeHint)}
}

// Insert adds or replaces the value of key.
func (ht *ExecutionHashTable[T]) Insert(key string, value T) {
	if _, ok := ht.table[key]; !ok {
		ht.bytes += int64(len(key)) + entryOverhead
	}
	ht.table[key] = value
}

// Get returns the value stored for key.
func (ht *ExecutionHashTable[T]) Get(key string) (value T, exists bool) {
	value, exists = ht.table[key]
	return
}

// Delete removes key from the table.
func (ht *ExecutionHashTable[T]) Delete(key string) {
	if _, ok := ht.table[key]; ok {
		ht.bytes -= int64(len(key)) + entryOverhead
		delete(ht.table, key)
	}
}

func (ht *ExecutionHashTable[T]) Len() int {
	return len(ht.table)
}

// SizeBytes estimates the memory held by keys and entries.
func (ht *ExecutionHashTable[T]) SizeBytes() int64 {
	return ht.bytes
}

// Iterate calls iter for every entry, in no particular order.
func (ht *ExecutionHashTable[T]) Iterate(iter func(key string, value T)) {
	for key, value := range ht.table {
		iter(key, value)
	}
}
