package compute

import (
	"encoding/binary"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cespare/xxhash/v2"
	"mit.edu/dsg/morseldb/common"
)

// EncodeKeys serializes the key columns of every row into a byte string. The encoding matches
// common.Value.AppendKey, so two rows get equal keys exactly when their key values are equal;
// null keys are encoded too (they group together) and callers that must not match nulls check
// KeysValid.
func EncodeKeys(types []common.DataType, cols []arrow.Array, rows int) []string {
	bufs := make([][]byte, rows)
	for c, arr := range cols {
		appendKeys(types[c], arr, bufs)
	}
	keys := make([]string, rows)
	for i, b := range bufs {
		keys[i] = string(b)
	}
	return keys
}

// HashKeys hashes encoded keys.
func HashKeys(keys []string) []uint64 {
	out := make([]uint64, len(keys))
	for i, k := range keys {
		out[i] = xxhash.Sum64String(k)
	}
	return out
}

// KeysValid reports, per row, whether every key column is non-null.
func KeysValid(cols []arrow.Array, rows int) []bool {
	valid := make([]bool, rows)
	for i := range valid {
		valid[i] = true
	}
	for _, arr := range cols {
		if arr.NullN() == 0 {
			continue
		}
		for i := range valid {
			valid[i] = valid[i] && arr.IsValid(i)
		}
	}
	return valid
}

func appendKeys(t common.DataType, arr arrow.Array, bufs [][]byte) {
	switch t.ID {
	case common.Int8:
		appendSignedKeys(rawValues[int8](arr), arr, bufs)
	case common.Int16:
		appendSignedKeys(rawValues[int16](arr), arr, bufs)
	case common.Int32, common.Date:
		appendSignedKeys(rawValues[int32](arr), arr, bufs)
	case common.Int64, common.Datetime, common.Duration, common.Time:
		appendSignedKeys(rawValues[int64](arr), arr, bufs)
	case common.UInt8, common.UInt16, common.UInt32, common.UInt64:
		for i, v := range ColumnUint64s(t, arr) {
			if arr.IsNull(i) {
				bufs[i] = append(bufs[i], 0)
			} else {
				bufs[i] = binary.LittleEndian.AppendUint64(append(bufs[i], 1), v)
			}
		}
	case common.Float32, common.Float64:
		f, _ := toFloat64s(t, arr)
		for i, v := range f {
			if arr.IsNull(i) {
				bufs[i] = append(bufs[i], 0)
			} else {
				bufs[i] = binary.LittleEndian.AppendUint64(append(bufs[i], 1), common.CanonicalFloatBits(v))
			}
		}
	case common.String, common.Categorical, common.Binary:
		for i, s := range stringValues(arr) {
			if arr.IsNull(i) {
				bufs[i] = append(bufs[i], 0)
			} else {
				bufs[i] = binary.AppendUvarint(append(bufs[i], 1), uint64(len(s)))
				bufs[i] = append(bufs[i], s...)
			}
		}
	case common.Boolean:
		for i, b := range boolValues(arr) {
			if arr.IsNull(i) {
				bufs[i] = append(bufs[i], 0)
			} else {
				bufs[i] = binary.LittleEndian.AppendUint64(append(bufs[i], 1), uint64(b2i(b)))
			}
		}
	default:
		for i := range bufs {
			bufs[i] = common.ValueAt(arr, i).AppendKey(bufs[i])
		}
	}
}

func appendSignedKeys[T signed](vals []T, arr arrow.Array, bufs [][]byte) {
	for i, v := range vals {
		if arr.IsNull(i) {
			bufs[i] = append(bufs[i], 0)
		} else {
			bufs[i] = binary.LittleEndian.AppendUint64(append(bufs[i], 1), uint64(int64(v)))
		}
	}
}

// ColumnUint64s widens an unsigned integer column.
func ColumnUint64s(t common.DataType, arr arrow.Array) []uint64 {
	out := make([]uint64, arr.Len())
	switch t.ID {
	case common.UInt8:
		for i, v := range rawValues[uint8](arr) {
			out[i] = uint64(v)
		}
	case common.UInt16:
		for i, v := range rawValues[uint16](arr) {
			out[i] = uint64(v)
		}
	case common.UInt32:
		for i, v := range rawValues[uint32](arr) {
			out[i] = uint64(v)
		}
	case common.UInt64:
		copy(out, rawValues[uint64](arr))
	}
	return out
}

// ColumnInt64s widens a signed integer, boolean or temporal column.
func ColumnInt64s(t common.DataType, arr arrow.Array) []int64 {
	out := make([]int64, arr.Len())
	switch t.ID {
	case common.Int8:
		for i, v := range rawValues[int8](arr) {
			out[i] = int64(v)
		}
	case common.Int16:
		for i, v := range rawValues[int16](arr) {
			out[i] = int64(v)
		}
	case common.Int32, common.Date:
		for i, v := range rawValues[int32](arr) {
			out[i] = int64(v)
		}
	case common.Int64, common.Datetime, common.Duration, common.Time:
		copy(out, rawValues[int64](arr))
	case common.Boolean:
		for i, b := range boolValues(arr) {
			out[i] = int64(b2i(b))
		}
	}
	return out
}

// ColumnFloat64s widens a numeric column to float64.
func ColumnFloat64s(t common.DataType, arr arrow.Array) []float64 {
	f, err := toFloat64s(t, arr)
	common.Assert(err == nil, "%v", err)
	return f
}

// SortOrder is the direction and null placement of one sort key.
type SortOrder struct {
	Descending bool
	NullsLast  bool
}

type keyKind uint8

const (
	kindInt keyKind = iota
	kindUint
	kindFloat
	kindString
	kindValue
)

// sortColumn is one key column decoded for repeated comparisons.
type sortColumn struct {
	kind  keyKind
	ints  []int64
	uints []uint64
	flts  []float64
	strs  []string
	vals  []common.Value
	valid []bool
}

// SortKeys are the decoded key columns of one batch of rows.
type SortKeys []sortColumn

// NewSortKeys decodes key columns for comparison.
func NewSortKeys(types []common.DataType, cols []arrow.Array) SortKeys {
	keys := make(SortKeys, len(cols))
	for c, arr := range cols {
		t := types[c]
		k := sortColumn{valid: validity(arr)}
		switch {
		case t.IsSigned(), t.ID == common.Boolean, t.ID == common.Date, t.ID == common.Datetime,
			t.ID == common.Duration, t.ID == common.Time:
			k.kind, k.ints = kindInt, ColumnInt64s(t, arr)
		case t.IsUnsigned():
			k.kind, k.uints = kindUint, ColumnUint64s(t, arr)
		case t.IsFloat():
			k.kind, k.flts = kindFloat, ColumnFloat64s(t, arr)
		case t.IsStringLike(), t.ID == common.Binary:
			k.kind, k.strs = kindString, stringValues(arr)
		default:
			k.kind, k.vals = kindValue, common.ColumnValues(arr)
		}
		keys[c] = k
	}
	return keys
}

// CompareRows orders row i of a against row j of b under the given per-key orders.
func CompareRows(orders []SortOrder, a SortKeys, i int, b SortKeys, j int) int {
	for k, o := range orders {
		ka, kb := &a[k], &b[k]
		an := ka.valid != nil && !ka.valid[i]
		bn := kb.valid != nil && !kb.valid[j]
		switch {
		case an && bn:
			continue
		case an || bn:
			c := -1
			if an == o.NullsLast {
				c = 1
			}
			return c
		}
		var c int
		switch ka.kind {
		case kindInt:
			c = cmp3(ka.ints[i], kb.ints[j])
		case kindUint:
			c = cmp3(ka.uints[i], kb.uints[j])
		case kindFloat:
			c = totalCompare(ka.flts[i], kb.flts[j])
		case kindString:
			c = strings.Compare(ka.strs[i], kb.strs[j])
		default:
			c = ka.vals[i].Compare(kb.vals[j])
		}
		if c != 0 {
			if o.Descending {
				c = -c
			}
			return c
		}
	}
	return 0
}

func cmp3[T int64 | uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
