package storage

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"mit.edu/dsg/morseldb/common"
)

// MemoryBudget bounds the bytes buffered by pipeline breakers across every query of an engine.
// Reservations never block: an operator that cannot reserve more either spills or fails.
type MemoryBudget struct {
	sem   *semaphore.Weighted
	limit int64
	used  atomic.Int64
}

func NewMemoryBudget(limit uint64) *MemoryBudget {
	l := int64(limit)
	if l <= 0 {
		l = 1
	}
	return &MemoryBudget{sem: semaphore.NewWeighted(l), limit: l}
}

// TryReserve claims n bytes if they are available.
func (b *MemoryBudget) TryReserve(n int64) bool {
	if n <= 0 {
		return true
	}
	if !b.sem.TryAcquire(n) {
		return false
	}
	b.used.Add(n)
	return true
}

// Release returns n previously reserved bytes.
func (b *MemoryBudget) Release(n int64) {
	if n <= 0 {
		return
	}
	b.used.Add(-n)
	b.sem.Release(n)
}

// Used is the number of bytes currently reserved.
func (b *MemoryBudget) Used() int64 {
	return b.used.Load()
}

func (b *MemoryBudget) Limit() int64 {
	return b.limit
}

// Reservation tracks the bytes one operator holds against a budget, so that everything it
// reserved can be handed back when the operator spills or the query is torn down. A nil budget
// grants every request. Reservations are safe for concurrent use.
type Reservation struct {
	budget *MemoryBudget
	held   atomic.Int64
}

func (b *MemoryBudget) NewReservation() *Reservation {
	return &Reservation{budget: b}
}

// Grow reserves n more bytes. It returns false, reserving nothing, when the budget is exhausted.
func (r *Reservation) Grow(n int64) bool {
	if r == nil || r.budget == nil {
		return true
	}
	if !r.budget.TryReserve(n) {
		return false
	}
	r.held.Add(n)
	return true
}

// Shrink hands n bytes back to the budget.
func (r *Reservation) Shrink(n int64) {
	if r == nil || r.budget == nil || n <= 0 {
		return
	}
	left := r.held.Add(-n)
	common.Assert(left >= 0, "reservation released %d bytes more than it held", -left)
	r.budget.Release(n)
}

// Free releases everything the reservation holds.
func (r *Reservation) Free() {
	if r == nil || r.budget == nil {
		return
	}
	if n := r.held.Swap(0); n > 0 {
		r.budget.Release(n)
	}
}

func (r *Reservation) Held() int64 {
	if r == nil {
		return 0
	}
	return r.held.Load()
}
