package haven

// AccessKind says what a memory access was trying to do when it trapped.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExec
)

func (a AccessKind) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	}
	return "read"
}

// FaultRecord is what the trap entry delivers for a page fault, synchronously
// on the faulting CPU.
type FaultRecord struct {
	Addr   uint64
	Access AccessKind
	Ctx    Context
}

// Tick is the timer interrupt entry.  It drains this CPU's deferred-wake
// ring, charges the running process's time slice and preempts it when the
// slice is gone -- unless the process has pinned itself, in which case the
// reschedule waits for the unpin.
//
// Ticks are delivered synchronously on the interrupted CPU.  A harness must
// not deliver a tick to a CPU whose current process is concurrently inside a
// kernel entry on that same CPU; on hardware, interrupt masking during trap
// handling gives that exclusion for free.
func (k *Kernel) Tick(c *CPU) {
	c.irqOff()
	c.ticks.Add(1)

	// this CPU is the ring's single consumer
	for {
		e, ok := c.wakes.Pop()
		if !ok {
			break
		}
		k.wakeHandle(e.h, e.q, WakeCondition)
	}

	c.lock.Lock()
	cur := c.current
	if cur == nil {
		c.lock.Unlock()
		c.idleTicks.Add(1)
		c.irqOn()
		k.schedule(c)
		return
	}
	c.sliceLeft--
	expired := c.sliceLeft <= 0
	if expired && cur.pinDepth.Load() > 0 {
		c.needResched = true
		expired = false
	}
	c.lock.Unlock()
	c.irqOn()

	if expired {
		c.preempts.Add(1)
		k.schedule(c)
	}
}

// PageFault is the fault trap entry.  A resolvable fault (demand paging,
// copy-on-write) returns nil and the process retries the access.  Anything
// else kills the faulting process -- the kernel itself never dies on a user
// fault.
func (k *Kernel) PageFault(c *CPU, rec FaultRecord) error {
	p := k.mustCurrent(c)
	if p.space == nil {
		violated("pid %d faulted with no address space", p.pid)
	}
	err := p.space.handleFault(c, rec.Addr, rec.Access)
	if err == nil {
		return nil
	}
	p.ctx = rec.Ctx
	k.terminate(c, p, ExitStatus{
		Faulted:   true,
		FaultAddr: rec.Addr,
		Cause:     asErrno(err),
	})
	return err
}

func asErrno(err error) Errno {
	if e, ok := err.(Errno); ok {
		return e
	}
	return ErrSegFault
}

// MemWrite stores b at va in the current process's address space, faulting
// pages in exactly the way a user-mode store would.  An unresolvable fault
// kills the process and reports the error.  Drivers use this same path for
// device buffers.
func (k *Kernel) MemWrite(c *CPU, va uint64, b []byte) error {
	return k.memAccess(c, va, b, AccessWrite)
}

// MemRead fills b from va.  Same fault semantics as MemWrite.
func (k *Kernel) MemRead(c *CPU, va uint64, b []byte) error {
	return k.memAccess(c, va, b, AccessRead)
}

func (k *Kernel) memAccess(c *CPU, va uint64, b []byte, access AccessKind) error {
	p := k.mustCurrent(c)
	space := p.space
	ps := space.pageSize()

	off := uint64(0)
	for off < uint64(len(b)) {
		addr := va + off
		chunk := ps - addr%ps
		if rem := uint64(len(b)) - off; chunk > rem {
			chunk = rem
		}

		frame, ok := space.translate(c, addr, access)
		if !ok {
			if err := k.PageFault(c, FaultRecord{Addr: addr, Access: access}); err != nil {
				return err
			}
			frame, ok = space.translate(c, addr, access)
			if !ok {
				violated("pid %d: resolved fault at %#x did not translate", p.pid, addr)
			}
		}

		bytes := k.frames.Bytes(frame)
		if access == AccessWrite {
			copy(bytes[addr%ps:], b[off:off+chunk])
		} else {
			copy(b[off:off+chunk], bytes[addr%ps:addr%ps+chunk])
		}
		off += chunk
	}
	return nil
}

// shootdown invalidates the translation cache for [start,end) on every CPU
// that may have cached it.  Invalidation is a correctness requirement, not an
// optimization: a CPU with a stale entry would keep translating to a frame
// the space no longer owns.
func (k *Kernel) shootdown(s *AddrSpace, start, end uint64) {
	shift := s.pt.pageShift
	firstPage := start >> shift
	lastPage := (end - 1) >> shift
	wide := lastPage-firstPage >= 64
	for _, c := range k.cpus {
		if wide {
			c.tlbFlushASID(s.asid)
		} else {
			c.tlbInvalidate(s.asid, firstPage, lastPage)
		}
	}
}
