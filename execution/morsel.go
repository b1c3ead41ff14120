package execution

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/compute"
)

// Morsel is a bounded batch of rows flowing between operators. Its columns follow the schema of
// the pipeline stage that carries it.
//
// Seq orders morsels of one stream: the high 32 bits are the partition the morsel belongs to and
// the low 32 bits its position inside the partition. Every partition of an ordered stream ends
// with a morsel that has Last set, possibly without rows.
type Morsel struct {
	Cols []arrow.Array
	Rows int
	Seq  uint64
	Last bool
}

func NewMorsel(cols []arrow.Array, rows int, seq uint64) *Morsel {
	return &Morsel{Cols: cols, Rows: rows, Seq: seq}
}

// MakeSeq builds a sequence number from a partition and a position inside it.
func MakeSeq(partition, local int) uint64 {
	return uint64(partition)<<32 | uint64(uint32(local))
}

// Partition returns the partition of seq.
func Partition(seq uint64) int {
	return int(seq >> 32)
}

// Local returns the position of seq inside its partition.
func Local(seq uint64) int {
	return int(uint32(seq))
}

// SizeBytes estimates the resident size of the morsel's buffers. Memory reservations are made in
// this unit.
func (m *Morsel) SizeBytes() int64 {
	var n int64
	for _, c := range m.Cols {
		n += common.ColumnBytes(c)
	}
	return n
}

// Record packs the morsel into an arrow record of the given schema.
func (m *Morsel) Record(schema *common.Schema) arrow.Record {
	return array.NewRecord(schema.ArrowSchema(), m.Cols, int64(m.Rows))
}

// Slice returns rows [from, to) without copying.
func (m *Morsel) Slice(from, to int) *Morsel {
	cols := make([]arrow.Array, len(m.Cols))
	for i, c := range m.Cols {
		cols[i] = compute.Slice(c, from, to)
	}
	return &Morsel{Cols: cols, Rows: to - from, Seq: m.Seq, Last: m.Last}
}

// Take gathers rows of the morsel; see compute.Take.
func (m *Morsel) Take(types []common.DataType, idx []int) *Morsel {
	cols := make([]arrow.Array, len(m.Cols))
	for i, c := range m.Cols {
		cols[i] = compute.Take(types[i], c, idx)
	}
	return &Morsel{Cols: cols, Rows: len(idx), Seq: m.Seq, Last: m.Last}
}

func (m *Morsel) String() string {
	return fmt.Sprintf("morsel(p=%d, i=%d, rows=%d, last=%t)", Partition(m.Seq), Local(m.Seq), m.Rows, m.Last)
}

// MorselFromRecord wraps the columns of rec.
func MorselFromRecord(rec arrow.Record, seq uint64) *Morsel {
	return &Morsel{Cols: rec.Columns(), Rows: int(rec.NumRows()), Seq: seq}
}

// emptyMorsel has the columns of schema and no rows.
func emptyMorsel(types []common.DataType, seq uint64) *Morsel {
	cols := make([]arrow.Array, len(types))
	for i, t := range types {
		cols[i] = common.ArrayFromValues(t, nil)
	}
	return &Morsel{Cols: cols, Seq: seq}
}

// ord is the position of a row in its stream. Ties between rows of equal keys are broken by it,
// which makes first/last and stable sorts independent of how morsels were spread over workers.
type ord struct {
	seq uint64
	row uint32
}

func (o ord) less(other ord) bool {
	if o.seq != other.seq {
		return o.seq < other.seq
	}
	return o.row < other.row
}

// concatMorsels appends morsels of the same schema into one.
func concatMorsels(types []common.DataType, ms []*Morsel) *Morsel {
	switch len(ms) {
	case 0:
		return emptyMorsel(types, 0)
	case 1:
		return ms[0]
	}
	cols := make([]arrow.Array, len(types))
	rows := 0
	for _, m := range ms {
		rows += m.Rows
	}
	for c, t := range types {
		parts := make([]arrow.Array, len(ms))
		for i, m := range ms {
			parts[i] = m.Cols[c]
		}
		cols[c] = compute.Concat(t, parts)
	}
	return &Morsel{Cols: cols, Rows: rows, Seq: ms[0].Seq}
}

func schemaTypes(s *common.Schema) []common.DataType {
	types := make([]common.DataType, s.Len())
	for i, f := range s.Fields() {
		types[i] = f.Type
	}
	return types
}
