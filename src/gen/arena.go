package gen

import "sync"

// Handle names an arena slot weakly: the index says where, the generation says
// when.  A handle outlives the element it named; Get detects that by the
// generation mismatch and the holder just discards it.  This is what lets a
// run queue reference a PCB without pinning it alive.
type Handle struct {
	Index uint32
	Gen   uint32
}

var NoHandle = Handle{Index: ^uint32(0)}

// Arena is a fixed table of slots with generation counters.
type Arena[T any] struct {
	mu    sync.Mutex
	slots []arenaSlot[T]
	free  []uint32
	count int
}

type arenaSlot[T any] struct {
	gen  uint32
	used bool
	val  T
}

func NewArena[T any](capacity uint32) *Arena[T] {
	a := &Arena[T]{
		slots: make([]arenaSlot[T], capacity),
		free:  make([]uint32, 0, capacity),
	}
	for i := int64(capacity) - 1; i >= 0; i-- {
		a.free = append(a.free, uint32(i))
	}
	return a
}

// Put stores v and returns its handle, or NoHandle if the arena is full.
func (a *Arena[T]) Put(v T) (Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.free)
	if n == 0 {
		return NoHandle, false
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]
	s := &a.slots[idx]
	s.used = true
	s.val = v
	a.count++
	return Handle{Index: idx, Gen: s.gen}, true
}

// Get returns the element named by h, or ok=false when h is stale (the slot
// was removed, possibly reused, since h was made).
func (a *Arena[T]) Get(h Handle) (T, bool) {
	var zero T
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.Index >= uint32(len(a.slots)) {
		return zero, false
	}
	s := &a.slots[h.Index]
	if !s.used || s.gen != h.Gen {
		return zero, false
	}
	return s.val, true
}

// Remove frees the slot named by h, bumping its generation so every
// outstanding handle to it goes stale.  Removing through a stale handle is a
// no-op and returns false.
func (a *Arena[T]) Remove(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.Index >= uint32(len(a.slots)) {
		return false
	}
	s := &a.slots[h.Index]
	if !s.used || s.gen != h.Gen {
		return false
	}
	var zero T
	s.used = false
	s.gen++
	s.val = zero
	a.free = append(a.free, h.Index)
	a.count--
	return true
}

// Each calls f on every live element.  f must not call back into the arena.
func (a *Arena[T]) Each(f func(Handle, T)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.slots {
		s := &a.slots[i]
		if s.used {
			f(Handle{Index: uint32(i), Gen: s.gen}, s.val)
		}
	}
}

// Live is the number of occupied slots.
func (a *Arena[T]) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
