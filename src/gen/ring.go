package gen

import "sync/atomic"

// Ring is a bounded lock-free queue for handing work from interrupt context to
// a cooperating consumer.  Producers never block: when the ring is full the
// push is dropped and counted, because an interrupt path has nobody to wait
// for.  Each slot carries a sequence number (Vyukov's scheme) so producers on
// different CPUs can claim slots without a lock.
//
// Any number of producers may push; only one consumer at a time may pop.
type Ring[T any] struct {
	mask  uint64
	slots []ringSlot[T]
	enq   atomic.Uint64
	deq   atomic.Uint64
	drops atomic.Uint64
}

type ringSlot[T any] struct {
	seq atomic.Uint64
	val T
}

// NewRing creates a ring with capacity rounded up to a power of two (minimum 2).
func NewRing[T any](capacity uint32) *Ring[T] {
	n := uint64(2)
	for n < uint64(capacity) {
		n <<= 1
	}
	r := &Ring[T]{
		mask:  n - 1,
		slots: make([]ringSlot[T], n),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Push enqueues v.  It returns false, after counting a drop, when the ring is
// full.
func (r *Ring[T]) Push(v T) bool {
	pos := r.enq.Load()
	for {
		s := &r.slots[pos&r.mask]
		dif := int64(s.seq.Load()) - int64(pos)
		switch {
		case dif == 0:
			if r.enq.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)
				return true
			}
			pos = r.enq.Load()
		case dif < 0:
			r.drops.Add(1)
			return false
		default:
			pos = r.enq.Load()
		}
	}
}

// Pop dequeues the oldest element.  Single consumer only.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	pos := r.deq.Load()
	s := &r.slots[pos&r.mask]
	if int64(s.seq.Load())-int64(pos+1) < 0 {
		return zero, false
	}
	r.deq.Store(pos + 1)
	v := s.val
	s.val = zero
	s.seq.Store(pos + r.mask + 1)
	return v, true
}

// Len is a racy snapshot of how many elements are queued.
func (r *Ring[T]) Len() int {
	d := int64(r.enq.Load()) - int64(r.deq.Load())
	if d < 0 {
		d = 0
	}
	return int(d)
}

// Drops is the number of pushes rejected because the ring was full.
func (r *Ring[T]) Drops() uint64 {
	return r.drops.Load()
}
