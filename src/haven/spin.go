package haven

import (
	"runtime"
	"sync/atomic"
)

// Spin is a busy-wait mutual exclusion lock.  No priority inheritance, no
// deadlock detection: a deadlock is a caller bug, prevented by the lock order
// below, which every acquisition site follows.
//
// Lock order (outer first):
//
//	wait-queue lock -> PCB table lock -> per-proc lock -> per-space lock -> frame pool lock
//	run-queue locks nest inside the table lock and never inside one
//	another; a stealer try-locks its victim and skips it on contention
//	TLB locks are leaves, nothing is acquired under them
type Spin struct {
	word atomic.Uint32
}

func (s *Spin) Lock() {
	for !s.word.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (s *Spin) TryLock() bool {
	return s.word.CompareAndSwap(0, 1)
}

func (s *Spin) Unlock() {
	if !s.word.CompareAndSwap(1, 0) {
		violated("spinlock released while not held")
	}
}

// LockIRQ masks interrupt delivery on c before taking the lock.  Use it for
// any structure also touched from tick context, so the tick path can never
// spin on a lock its own CPU already holds.
func (s *Spin) LockIRQ(c *CPU) {
	c.irqOff()
	s.Lock()
}

func (s *Spin) UnlockIRQ(c *CPU) {
	s.Unlock()
	c.irqOn()
}
