package execution

import (
	"mit.edu/dsg/morseldb/scheduler"
)

// emitTask streams the output of a finalized breaker into a channel. prepare runs once before the
// first morsel; next returns false once the breaker has nothing left. The channel's producer slot
// and the breaker's state are released when the task ends, however it ends.
type emitTask struct {
	out     *scheduler.Channel[*Morsel]
	prepare func() error
	next    func() (*Morsel, bool, error)
	release func()

	prepared bool
	pending  *Morsel
	closed   bool
}

func (e *emitTask) Step(tc *scheduler.TaskContext) (scheduler.Status, error) {
	if !e.prepared {
		e.prepared = true
		if e.prepare != nil {
			if err := e.prepare(); err != nil {
				return scheduler.Done, err
			}
		}
		return scheduler.Yield, nil
	}
	if e.pending == nil {
		m, ok, err := e.next()
		if err != nil {
			return scheduler.Done, err
		}
		if !ok {
			return scheduler.Done, nil
		}
		e.pending = m
	}
	switch e.out.TrySend(e.pending, tc.Waker()) {
	case scheduler.Full:
		return scheduler.Blocked, nil
	case scheduler.Abandoned:
		e.pending = nil
		return scheduler.Done, nil
	}
	e.pending = nil
	return scheduler.Yield, nil
}

func (e *emitTask) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.pending = nil
	e.out.CloseSend()
	if e.release != nil {
		e.release()
	}
}

// chunker cuts a row count into morsel-sized ranges.
type chunker struct {
	size  int
	total int
	pos   int
	local int
	ended bool
}

// next returns the next range; the last one may be empty and is reported with last set.
func (c *chunker) next() (from, to int, last, ok bool) {
	if c.ended {
		return 0, 0, false, false
	}
	from = c.pos
	to = min(c.total, c.pos+max(c.size, 1))
	c.pos = to
	if to >= c.total {
		c.ended = true
		last = true
	}
	return from, to, last, true
}
