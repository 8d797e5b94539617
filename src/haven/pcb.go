package haven

import (
	"sync/atomic"

	"reverie/src/gen"
	"reverie/src/lib/trust"
)

type Pid uint32

const NoPid = ^Pid(0)

type ProcState int32

const (
	StateCreated ProcState = iota
	StateReady
	StateRunning
	StateBlocked
	StateZombie
	StateReaped
)

func (st ProcState) String() string {
	switch st {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateZombie:
		return "zombie"
	case StateReaped:
		return "reaped"
	}
	return "corrupt"
}

// legalNext encodes the lifecycle state machine: one bit per permitted
// successor.  Everything else is a corrupted PCB and fatal.
var legalNext = map[ProcState]uint32{
	StateCreated: 1 << StateReady,
	StateReady:   1 << StateRunning,
	StateRunning: 1<<StateReady | 1<<StateBlocked | 1<<StateZombie,
	StateBlocked: 1 << StateReady,
	StateZombie:  1 << StateReaped,
	StateReaped:  0,
}

// Context is the register snapshot saved when a process leaves a CPU.
type Context struct {
	X19 uint64
	X20 uint64
	X21 uint64
	X22 uint64
	X23 uint64
	X24 uint64
	X25 uint64
	X26 uint64
	X27 uint64
	X28 uint64
	FP  uint64
	SP  uint64
	PC  uint64
}

// ExitStatus is what a parent collects at reap time.
type ExitStatus struct {
	Code      int
	Faulted   bool
	FaultAddr uint64
	Cause     Errno // set for fault-terminated processes
}

// Proc is the process control block.  Identity and tree links are mutated
// only under the table lock; the saved context belongs to whichever CPU runs
// the process; state transitions out of Running/Blocked happen only under the
// table lock, which is what linearizes the state machine.
type Proc struct {
	lock Spin

	pid  Pid
	ppid Pid

	state      atomic.Int32 // ProcState; stored under table lock, read anywhere
	ctx        Context
	space      *AddrSpace
	prio       int
	affinity   int // CPU index, -1 for any
	pinDepth   atomic.Int32 // owned by the process context, read from tick
	exit       ExitStatus
	sigPending atomic.Uint64

	interruptible bool
	waitingOn     *WaitQueue
	wakeReason    atomic.Int32

	slot     gen.Handle
	parent   gen.Handle
	children []gen.Handle

	// parents sleep here; a child's exit wakes it
	childWait *WaitQueue

	lastCPU int
}

func (p *Proc) Pid() Pid            { return p.pid }
func (p *Proc) PPid() Pid           { return p.ppid }
func (p *Proc) State() ProcState    { return ProcState(p.state.Load()) }
func (p *Proc) Priority() int       { return p.prio }
func (p *Proc) Affinity() int       { return p.affinity }
func (p *Proc) Exit() ExitStatus    { return p.exit }
func (p *Proc) Space() *AddrSpace   { return p.space }
func (p *Proc) Context() *Context   { return &p.ctx }
func (p *Proc) Pending() uint64     { return p.sigPending.Load() }
func (p *Proc) Reason() WakeReason  { return WakeReason(p.wakeReason.Load()) }
func (p *Proc) Handle() gen.Handle  { return p.slot }

// procTable is the canonical registry of every process.  Slots live in a
// generation arena so run queues and wait queues can hold weak references.
type procTable struct {
	lock  Spin
	arena *gen.Arena[*Proc]
	byPid map[Pid]gen.Handle
}

// setState moves p through the state machine; table lock held.
func (k *Kernel) setState(p *Proc, to ProcState) {
	from := ProcState(p.state.Load())
	if legalNext[from]&(1<<to) == 0 {
		violated("pid %d illegal transition %s -> %s", p.pid, from, to)
	}
	p.state.Store(int32(to))
}

func (k *Kernel) mustCurrent(c *CPU) *Proc {
	c.lock.Lock()
	p := c.current
	c.lock.Unlock()
	if p == nil {
		violated("cpu %d: process operation with nothing running", c.id)
	}
	return p
}

// registerLocked files a constructed PCB under the table lock and links it to
// its parent.  On a full table it undoes nothing; the caller owns rollback.
func (k *Kernel) registerLocked(p *Proc, parent *Proc) bool {
	h, ok := k.procs.arena.Put(p)
	if !ok {
		return false
	}
	p.slot = h
	k.procs.byPid[p.pid] = h
	if parent != nil {
		p.parent = parent.slot
		p.ppid = parent.pid
		parent.children = append(parent.children, h)
	} else {
		p.parent = gen.NoHandle
		p.ppid = NoPid
	}
	return true
}

// Spawn creates a fresh process from a loadable segment list, the exec-like
// path.  The new process starts at entry with an empty register file.
func (k *Kernel) Spawn(c *CPU, segs []Segment, entry uint64, prio, affinity int) (Pid, error) {
	if prio < 0 || prio >= k.params.Priorities {
		return NoPid, ErrBadRequest
	}
	if affinity < -1 || affinity >= len(k.cpus) {
		return NoPid, ErrBadRequest
	}
	if err := validateSegments(segs, k.params.PageSize); err != nil {
		return NoPid, err
	}

	id := k.ids.Allocate(c.id)
	if id == gen.NoID {
		return NoPid, ErrExhausted
	}
	pid := Pid(id)

	space := k.newSpace()
	for _, seg := range segs {
		if err := space.Map(seg.Vaddr, seg.Len, seg.Perm, BackSegment, seg.Content); err != nil {
			space.Unref()
			k.ids.Release(c.id, id)
			return NoPid, err
		}
	}

	p := &Proc{
		pid:       pid,
		space:     space,
		prio:      prio,
		affinity:  affinity,
		childWait: NewWaitQueue(),
		lastCPU:   c.id,
	}
	p.state.Store(int32(StateCreated))
	p.ctx.PC = entry

	c.lock.Lock()
	parent := c.current
	c.lock.Unlock()
	if parent == nil {
		parent = k.reaper
	}

	k.procs.lock.Lock()
	if !k.registerLocked(p, parent) {
		k.procs.lock.Unlock()
		space.Unref()
		k.ids.Release(c.id, id)
		return NoPid, ErrExhausted
	}
	k.setState(p, StateReady)
	k.procs.lock.Unlock()

	// pinned spawns go straight to their CPU; migratable ones to the
	// global queue, where the first CPU to run dry picks them up
	if affinity >= 0 {
		k.enqueue(p)
	} else {
		k.enqueueGlobal(p)
	}
	trust.Debugf("spawn pid %d prio %d affinity %d (%d segments)", pid, prio, affinity, len(segs))
	return pid, nil
}

// Fork duplicates the current process: same priority, affinity and saved
// context, address space shared copy-on-write.  The child lands on the
// forking CPU's queue, warm.
func (k *Kernel) Fork(c *CPU) (Pid, error) {
	parent := k.mustCurrent(c)

	id := k.ids.Allocate(c.id)
	if id == gen.NoID {
		return NoPid, ErrExhausted
	}
	pid := Pid(id)

	child := &Proc{
		pid:       pid,
		space:     parent.space.fork(),
		prio:      parent.prio,
		affinity:  parent.affinity,
		ctx:       parent.ctx,
		childWait: NewWaitQueue(),
		lastCPU:   c.id,
	}
	child.state.Store(int32(StateCreated))

	k.procs.lock.Lock()
	if !k.registerLocked(child, parent) {
		k.procs.lock.Unlock()
		child.space.Unref()
		k.ids.Release(c.id, id)
		return NoPid, ErrExhausted
	}
	k.setState(child, StateReady)
	k.procs.lock.Unlock()

	k.enqueue(child)
	trust.Debugf("fork pid %d -> pid %d", parent.pid, pid)
	return pid, nil
}

// Exit terminates the current process voluntarily.  See terminate.
func (k *Kernel) Exit(c *CPU, code int) {
	p := k.mustCurrent(c)
	k.terminate(c, p, ExitStatus{Code: code})
}

// terminate moves p to Zombie: status recorded, children re-parented to the
// reaper, address-space reference dropped.  The identifier stays held until
// the parent reaps -- that is the rule that keeps a PID from being recycled
// while anyone still names it.
func (k *Kernel) terminate(c *CPU, p *Proc, status ExitStatus) {
	k.procs.lock.Lock()
	for _, ch := range p.children {
		child, ok := k.procs.arena.Get(ch)
		if !ok {
			continue
		}
		child.parent = k.reaper.slot
		child.ppid = k.reaper.pid
		k.reaper.children = append(k.reaper.children, ch)
	}
	p.children = nil
	p.exit = status
	k.setState(p, StateZombie)
	space := p.space
	p.space = nil

	var parentQ *WaitQueue
	if parent, ok := k.procs.arena.Get(p.parent); ok {
		parentQ = parent.childWait
	}
	k.procs.lock.Unlock()

	if space != nil {
		space.Unref()
	}
	if status.Faulted {
		trust.Warnf("pid %d killed: fault at %#x (%v)", p.pid, status.FaultAddr, status.Cause)
	} else {
		trust.Debugf("pid %d exited with code %d", p.pid, status.Code)
	}
	if parentQ != nil {
		k.WakeAll(parentQ)
	}
	k.schedule(c)
}

// Wait collects one exited child.  With block unset it returns ErrAgain when
// every child is still alive (and ErrNoChildren when there are none).  With
// block set it sleeps interruptibly on the child queue; a signal surfaces as
// ErrInterrupted.  Reaping frees the PCB slot, bumps its generation and only
// then releases the identifier back to the allocator.
func (k *Kernel) Wait(c *CPU, block bool) (Pid, ExitStatus, error) {
	p := k.mustCurrent(c)
	for {
		k.procs.lock.Lock()
		if len(p.children) == 0 {
			k.procs.lock.Unlock()
			return NoPid, ExitStatus{}, ErrNoChildren
		}
		for i, h := range p.children {
			child, ok := k.procs.arena.Get(h)
			if !ok {
				violated("pid %d holds a stale child handle", p.pid)
			}
			if child.State() != StateZombie {
				continue
			}
			p.children = append(p.children[:i], p.children[i+1:]...)
			delete(k.procs.byPid, child.pid)
			k.setState(child, StateReaped)
			k.procs.arena.Remove(h)
			pid, status := child.pid, child.exit
			k.procs.lock.Unlock()

			k.ids.Release(c.id, gen.ID(pid))
			trust.Debugf("pid %d reaped pid %d", p.pid, pid)
			return pid, status, nil
		}
		k.procs.lock.Unlock()

		if !block {
			return NoPid, ExitStatus{}, ErrAgain
		}
		c = k.SleepOn(c, p.childWait, true)
		if p.Reason() == WakeSignal {
			return NoPid, ExitStatus{}, ErrInterrupted
		}
	}
}

// Signal records sig as pending for pid and wakes the process early if it is
// in an interruptible sleep.  The wake carries WakeSignal so the sleeper can
// tell it apart from its condition.
func (k *Kernel) Signal(pid Pid, sig uint) error {
	if sig >= 64 {
		return ErrBadRequest
	}
	k.procs.lock.Lock()
	h, ok := k.procs.byPid[pid]
	if !ok {
		k.procs.lock.Unlock()
		return ErrBadPid
	}
	p, ok := k.procs.arena.Get(h)
	if !ok {
		k.procs.lock.Unlock()
		return ErrBadPid
	}
	p.sigPending.Or(1 << sig)

	if ProcState(p.state.Load()) == StateBlocked && p.interruptible {
		k.setState(p, StateReady)
		p.waitingOn = nil
		p.wakeReason.Store(int32(WakeSignal))
		k.procs.lock.Unlock()
		k.enqueue(p)
		return nil
	}
	k.procs.lock.Unlock()
	return nil
}

// TakeSignals atomically drains the current process's pending set.
func (k *Kernel) TakeSignals(c *CPU) uint64 {
	p := k.mustCurrent(c)
	return p.sigPending.Swap(0)
}

// CurrentPid is the process-identity query exposed to drivers.
func (k *Kernel) CurrentPid(c *CPU) Pid {
	return k.mustCurrent(c).pid
}

// Lookup finds a live process by pid.
func (k *Kernel) Lookup(pid Pid) (*Proc, bool) {
	k.procs.lock.Lock()
	defer k.procs.lock.Unlock()
	h, ok := k.procs.byPid[pid]
	if !ok {
		return nil, false
	}
	return k.procs.arena.Get(h)
}
