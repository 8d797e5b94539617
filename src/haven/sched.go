package haven

import (
	"reverie/src/gen"
	"reverie/src/lib/trust"
)

// maxDispatchTries bounds the stale-entry discard loop in schedule.  Run
// queues hold weak handles, so a dequeued entry may name a process that
// exited or was woken elsewhere between enqueue and dequeue; each such entry
// costs one retry, never an unbounded spin.
const maxDispatchTries = 64

// enqueue places a Ready process on a run queue, at the tail of its priority
// (FIFO within a priority is the fairness floor).  A pinned process goes to
// its CPU; an unpinned one back to the CPU it last ran on, warm caches being
// the cheapest affinity hint there is.
func (k *Kernel) enqueue(p *Proc) {
	target := k.cpus[p.lastCPU]
	if p.affinity >= 0 {
		target = k.cpus[p.affinity]
	}
	e := rqEntry{h: p.slot, pinned: p.affinity >= 0}
	target.lock.LockIRQ(target)
	target.queues[p.prio] = append(target.queues[p.prio], e)
	target.lock.UnlockIRQ(target)
}

// enqueueGlobal places a Ready process on the steal queue, where the first
// CPU that runs dry picks it up.  Fresh spawns start here.
func (k *Kernel) enqueueGlobal(p *Proc) {
	e := rqEntry{h: p.slot, pinned: p.affinity >= 0}
	k.glock.Lock()
	k.gqueues[p.prio] = append(k.gqueues[p.prio], e)
	k.glock.Unlock()
}

func (k *Kernel) popGlobal() (gen.Handle, bool) {
	k.glock.Lock()
	defer k.glock.Unlock()
	for prio := range k.gqueues {
		if len(k.gqueues[prio]) > 0 {
			e := k.gqueues[prio][0]
			k.gqueues[prio] = k.gqueues[prio][1:]
			return e.h, true
		}
	}
	return gen.NoHandle, false
}

// steal takes one migratable process from the first other CPU that has one.
// Pinned entries are invisible to it.  The victim's queue lock is only
// try-locked: a contended victim is busy with its own dispatch and gets
// skipped, the next tick retries.  No CPU ever holds two run-queue locks.
func (k *Kernel) steal(c *CPU) (gen.Handle, bool) {
	for _, victim := range k.cpus {
		if victim == c {
			continue
		}
		c.irqOff()
		if !victim.lock.TryLock() {
			c.irqOn()
			continue
		}
		for prio := range victim.queues {
			q := victim.queues[prio]
			for j := range q {
				if q[j].pinned {
					continue
				}
				h := q[j].h
				victim.queues[prio] = append(q[:j], q[j+1:]...)
				victim.lock.Unlock()
				c.irqOn()
				c.steals.Add(1)
				return h, true
			}
		}
		victim.lock.Unlock()
		c.irqOn()
	}
	return gen.NoHandle, false
}

// schedule is the dispatch decision: put the preempted process back, then
// run the highest-priority Ready process affine to this CPU, then the global
// queue, then steal, then idle.
func (k *Kernel) schedule(c *CPU) {
	c.lock.LockIRQ(c)
	prev := c.current
	c.current = nil
	c.needResched = false
	c.lock.UnlockIRQ(c)

	if prev != nil {
		k.procs.lock.Lock()
		if ProcState(prev.state.Load()) == StateRunning {
			// preemption or voluntary yield
			k.setState(prev, StateReady)
			k.procs.lock.Unlock()
			k.enqueue(prev)
		} else {
			// already Blocked or Zombie; those paths transitioned it
			k.procs.lock.Unlock()
		}
	}

	for tries := 0; tries < maxDispatchTries; tries++ {
		c.lock.LockIRQ(c)
		h, ok := c.popLocked()
		c.lock.UnlockIRQ(c)
		if !ok {
			h, ok = k.popGlobal()
		}
		if !ok {
			h, ok = k.steal(c)
		}
		if !ok {
			return // idle; the next tick will look again
		}

		k.procs.lock.Lock()
		p, live := k.procs.arena.Get(h)
		if !live || ProcState(p.state.Load()) != StateReady {
			// stale weak reference: exited, reused, or woken elsewhere
			k.procs.lock.Unlock()
			c.staleDrops.Add(1)
			continue
		}
		if p.affinity >= 0 && p.affinity != c.id {
			// a pinned fresh spawn popped from the global queue by the
			// wrong CPU; hand it to its own
			k.procs.lock.Unlock()
			k.enqueue(p)
			continue
		}
		// lastCPU before the Running store: a sleeper spinning on the
		// state must see where it was dispatched
		p.lastCPU = c.id
		k.setState(p, StateRunning)
		k.procs.lock.Unlock()

		c.lock.LockIRQ(c)
		c.current = p
		c.sliceLeft = k.params.SliceTicks
		c.lock.UnlockIRQ(c)
		c.dispatches.Add(1)
		trust.Debugf("cpu %d: dispatch pid %d prio %d", c.id, p.pid, p.prio)
		return
	}
	trust.Warnf("cpu %d: dispatch gave up after %d stale entries", c.id, maxDispatchTries)
}

// Yield gives up the CPU voluntarily; the process goes to the tail of its
// priority and the next Ready process runs.
func (k *Kernel) Yield(c *CPU) {
	k.mustCurrent(c)
	k.schedule(c)
}

// PinPreemption makes the current process temporarily non-preemptible.  A
// tick that lands while pinned defers the context switch to Unpin.
func (k *Kernel) PinPreemption(c *CPU) {
	p := k.mustCurrent(c)
	p.pinDepth.Add(1)
}

func (k *Kernel) UnpinPreemption(c *CPU) {
	p := k.mustCurrent(c)
	depth := p.pinDepth.Add(-1)
	if depth < 0 {
		violated("pid %d preemption pin underflow", p.pid)
	}
	c.lock.LockIRQ(c)
	resched := depth == 0 && c.needResched
	c.lock.UnlockIRQ(c)
	if resched {
		c.preempts.Add(1)
		k.schedule(c)
	}
}
