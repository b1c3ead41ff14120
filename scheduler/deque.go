package scheduler

import "sync"

// deque is the run queue of one worker slot. The owning loop pushes and pops at the back;
// thieves and re-queued yielding tasks use the front.
type deque struct {
	mu    sync.Mutex
	items []*Handle
	head  int
	n     int
}

func (d *deque) grow() {
	size := len(d.items) * 2
	if size == 0 {
		size = 8
	}
	items := make([]*Handle, size)
	for i := 0; i < d.n; i++ {
		items[i] = d.items[(d.head+i)%len(d.items)]
	}
	d.items, d.head = items, 0
}

func (d *deque) pushBack(h *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == len(d.items) {
		d.grow()
	}
	d.items[(d.head+d.n)%len(d.items)] = h
	d.n++
}

func (d *deque) pushFront(h *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == len(d.items) {
		d.grow()
	}
	d.head = (d.head - 1 + len(d.items)) % len(d.items)
	d.items[d.head] = h
	d.n++
}

func (d *deque) popBack() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == 0 {
		return nil
	}
	d.n--
	i := (d.head + d.n) % len(d.items)
	h := d.items[i]
	d.items[i] = nil
	return h
}

func (d *deque) popFront() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.n == 0 {
		return nil
	}
	h := d.items[d.head]
	d.items[d.head] = nil
	d.head = (d.head + 1) % len(d.items)
	d.n--
	return h
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}
