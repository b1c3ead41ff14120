package execution

import (
	"github.com/tidwall/btree"
	"mit.edu/dsg/morseldb/common"
	"mit.edu/dsg/morseldb/scheduler"
)

// reorderInput restores stream order. It buffers morsels until the next one in sequence
// arrives, then hands them out numbered as a single partition. It is read by exactly one driver.
type reorderInput struct {
	ch    *scheduler.Channel[*Morsel]
	types []common.DataType

	buf    btree.Map[uint64, *Morsel]
	expect uint64
	out    int
	closed bool
	ended  bool
}

func newReorderInput(ch *scheduler.Channel[*Morsel], types []common.DataType) *reorderInput {
	return &reorderInput{ch: ch, types: types}
}

func (in *reorderInput) drivers(int) int {
	return 1
}

func (in *reorderInput) next(tc *scheduler.TaskContext) (*Morsel, inputStatus) {
	for {
		if seq, m, ok := in.buf.Min(); ok && (seq == in.expect || in.closed) {
			in.buf.Delete(seq)
			if m.Last {
				in.expect = MakeSeq(Partition(seq)+1, 0)
			} else {
				in.expect = seq + 1
			}
			return in.renumber(m), inputReady
		}
		if in.closed {
			if in.ended {
				return nil, inputDone
			}
			in.ended = true
			m := emptyMorsel(in.types, MakeSeq(0, in.out))
			m.Last = true
			return m, inputReady
		}
		m, res := in.ch.TryRecv(tc.Waker())
		switch res {
		case scheduler.Empty:
			return nil, inputBlocked
		case scheduler.Closed:
			in.closed = true
		default:
			in.buf.Set(m.Seq, m)
		}
	}
}

func (in *reorderInput) renumber(m *Morsel) *Morsel {
	m.Seq = MakeSeq(0, in.out)
	m.Last = false
	in.out++
	return m
}

// buffered is the number of morsels waiting for a predecessor.
func (in *reorderInput) buffered() int {
	return in.buf.Len()
}
