package haven

import (
	"sync/atomic"

	"reverie/src/gen"
)

// CPU is one parallel kernel context: its ready queues, the process it is
// running, its interrupt-mask depth and its translation cache.  Everything
// here except the TLB and the wake ring is guarded by lock.
type CPU struct {
	id   int
	kern *Kernel

	lock        Spin
	queues      [][]rqEntry // one FIFO per priority, 0 is highest
	current     *Proc
	sliceLeft   int
	needResched bool

	irqDepth atomic.Int32

	// wakes hands wake requests from interrupt context (any CPU) to this
	// CPU's scheduling path.  This CPU is the only consumer.
	wakes *gen.Ring[wakeEntry]

	tlbLock Spin
	tlb     map[tlbKey]tlbVal

	ticks      atomic.Uint64
	dispatches atomic.Uint64
	preempts   atomic.Uint64
	steals     atomic.Uint64
	idleTicks  atomic.Uint64
	staleDrops atomic.Uint64
	wakeDrops  atomic.Uint64
}

// rqEntry is one run-queue slot.  The pinned flag is a snapshot of the
// process's affinity at enqueue time; steal skips pinned entries so a
// pinned process never migrates, not even transiently.
type rqEntry struct {
	h      gen.Handle
	pinned bool
}

type tlbKey struct {
	asid uint64
	page uint64 // virtual address >> pageShift
}

type tlbVal struct {
	frame FrameID
	perm  Perm
}

func newCPU(id int, k *Kernel) *CPU {
	c := &CPU{
		id:     id,
		kern:   k,
		queues: make([][]rqEntry, k.params.Priorities),
		wakes:  gen.NewRing[wakeEntry](k.params.WakeRing),
		tlb:    make(map[tlbKey]tlbVal),
	}
	return c
}

func (c *CPU) ID() int {
	return c.id
}

// Current is the process this CPU is running, nil when idle.
func (c *CPU) Current() *Proc {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

func (c *CPU) irqOff() {
	c.irqDepth.Add(1)
}

func (c *CPU) irqOn() {
	if c.irqDepth.Add(-1) < 0 {
		violated("cpu %d interrupt mask underflow", c.id)
	}
}

func (c *CPU) InIRQ() bool {
	return c.irqDepth.Load() > 0
}

// queueLenLocked is the total ready count across priorities; c.lock held.
func (c *CPU) queueLenLocked() int {
	n := 0
	for _, q := range c.queues {
		n += len(q)
	}
	return n
}

// popLocked removes the front of the highest-priority non-empty queue.
func (c *CPU) popLocked() (gen.Handle, bool) {
	for prio := range c.queues {
		if len(c.queues[prio]) > 0 {
			e := c.queues[prio][0]
			c.queues[prio] = c.queues[prio][1:]
			return e.h, true
		}
	}
	return gen.NoHandle, false
}

//
// Translation cache.  Lookups are served from here without consulting the
// page tables, which is exactly why unmap must shoot these entries down on
// every CPU: a stale entry silently translates to a frame the space no
// longer owns.
//

func (c *CPU) tlbLookup(asid, page uint64) (tlbVal, bool) {
	c.tlbLock.Lock()
	v, ok := c.tlb[tlbKey{asid: asid, page: page}]
	c.tlbLock.Unlock()
	return v, ok
}

func (c *CPU) tlbFill(asid, page uint64, v tlbVal) {
	c.tlbLock.Lock()
	c.tlb[tlbKey{asid: asid, page: page}] = v
	c.tlbLock.Unlock()
}

func (c *CPU) tlbInvalidate(asid, firstPage, lastPage uint64) {
	c.tlbLock.Lock()
	for page := firstPage; page <= lastPage; page++ {
		delete(c.tlb, tlbKey{asid: asid, page: page})
	}
	c.tlbLock.Unlock()
}

func (c *CPU) tlbFlushASID(asid uint64) {
	c.tlbLock.Lock()
	for k := range c.tlb {
		if k.asid == asid {
			delete(c.tlb, k)
		}
	}
	c.tlbLock.Unlock()
}
