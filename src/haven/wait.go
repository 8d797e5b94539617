package haven

import (
	"runtime"

	"reverie/src/gen"
)

// WakeReason distinguishes why a blocked process came back: its wait
// condition was satisfied, or a signal cut the wait short.  The scheduler
// treats signal wake-ups as a distinct reason so callers like Wait can
// report ErrInterrupted instead of pretending the condition held.
type WakeReason int32

const (
	WakeNone WakeReason = iota
	WakeCondition
	WakeSignal
)

// WaitQueue is a spinlocked FIFO of blocked processes.  Entries are weak
// handles: a process can leave the queue without touching it (signal wake,
// exit), so every dequeue re-validates before waking.  Wake order is arrival
// order, which is what keeps a herd of waiters starvation-free.
type WaitQueue struct {
	lock    Spin
	waiters []gen.Handle
}

func NewWaitQueue() *WaitQueue {
	return &WaitQueue{}
}

func (q *WaitQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.waiters)
}

// SleepOn blocks the current process on q until woken.  Interruptible
// sleepers can additionally be woken early by signal delivery.  It returns
// the CPU the process was re-dispatched on, which may differ from c.
//
// The calling goroutine is the process's execution context: it does not
// return until some CPU runs the process again.
func (k *Kernel) SleepOn(c *CPU, q *WaitQueue, interruptible bool) *CPU {
	p := k.mustCurrent(c)

	q.lock.Lock()
	k.procs.lock.Lock()
	k.setState(p, StateBlocked)
	p.interruptible = interruptible
	p.wakeReason.Store(int32(WakeNone))
	p.waitingOn = q
	q.waiters = append(q.waiters, p.slot)
	// Drop the CPU's claim on p before any other CPU can see it Blocked:
	// once the table lock is released a waker may re-dispatch p elsewhere,
	// and schedule must not mistake it for a preempted current.
	c.lock.Lock()
	c.current = nil
	c.lock.Unlock()
	k.procs.lock.Unlock()
	q.lock.Unlock()

	k.schedule(c)

	for ProcState(p.state.Load()) != StateRunning {
		runtime.Gosched()
	}
	return k.cpus[p.lastCPU]
}

// WakeOne wakes the first still-valid waiter, FIFO.  Stale entries (already
// woken by a signal, exited, slot reused) are discarded on the way.
func (k *Kernel) WakeOne(q *WaitQueue) bool {
	for {
		q.lock.Lock()
		if len(q.waiters) == 0 {
			q.lock.Unlock()
			return false
		}
		h := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.lock.Unlock()

		if k.wakeHandle(h, q, WakeCondition) {
			return true
		}
	}
}

// WakeAll wakes every valid waiter in FIFO order and returns how many woke.
func (k *Kernel) WakeAll(q *WaitQueue) int {
	woken := 0
	for k.WakeOne(q) {
		woken++
	}
	return woken
}

// wakeEntry is one parked wake request.  It remembers the queue the handle
// came from so the tick drain can revalidate it exactly like WakeOne would:
// a waiter that was signal-woken and re-slept elsewhere in the meantime is
// discarded, not woken.
type wakeEntry struct {
	h gen.Handle
	q *WaitQueue
}

// DeferWakeOne is the interrupt-context wake: it moves one waiter handle
// onto target's wake ring without touching the PCB table, and the target CPU
// finishes the job on its next tick.  Never blocks; a full ring is a counted
// drop and the waiter stays queued.
func (k *Kernel) DeferWakeOne(q *WaitQueue, target *CPU) bool {
	q.lock.Lock()
	if len(q.waiters) == 0 {
		q.lock.Unlock()
		return false
	}
	h := q.waiters[0]
	if !target.wakes.Push(wakeEntry{h: h, q: q}) {
		q.lock.Unlock()
		target.wakeDrops.Add(1)
		return false
	}
	q.waiters = q.waiters[1:]
	q.lock.Unlock()
	return true
}

// wakeHandle transitions the process named by h from Blocked to Ready and
// enqueues it, in wake order.  It returns false when h is stale: the slot
// was reused, the process is not Blocked, or it is no longer waiting on
// expectedQ, which is how entries orphaned by a signal wake get discarded.
func (k *Kernel) wakeHandle(h gen.Handle, expectedQ *WaitQueue, reason WakeReason) bool {
	k.procs.lock.Lock()
	p, ok := k.procs.arena.Get(h)
	if !ok || ProcState(p.state.Load()) != StateBlocked {
		k.procs.lock.Unlock()
		return false
	}
	if p.waitingOn != expectedQ {
		k.procs.lock.Unlock()
		return false
	}
	k.setState(p, StateReady)
	p.waitingOn = nil
	p.wakeReason.Store(int32(reason))
	k.procs.lock.Unlock()

	k.enqueue(p)
	return true
}
