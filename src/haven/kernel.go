package haven

import (
	"fmt"
	"sync/atomic"

	"reverie/src/gen"
	"reverie/src/lib/trust"
	"reverie/src/lib/upbeat"
)

// Kernel is the ownership root for the whole core: every table hangs off it
// and nothing lives in package globals, so initialization order and teardown
// are explicit and a test can boot as many kernels as it likes.
type Kernel struct {
	params upbeat.BootParams

	cpus   []*CPU
	frames *FramePool
	ids    *gen.IDPool
	procs  procTable
	caps   *CapRegistry

	glock   Spin
	gqueues [][]rqEntry

	nextASID atomic.Uint64

	// reaper is task zero: the idle ancestor that inherits orphans, so no
	// process is ever left unreapable.
	reaper *Proc
}

// NewKernel boots the core: boot params, frame pool, identifier pool, PCB
// table with task zero, per-CPU state.  Task zero comes up Running on CPU 0.
func NewKernel(params upbeat.BootParams) (*Kernel, error) {
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("kernel boot: %w", err)
	}

	k := &Kernel{
		params:  params,
		frames:  newFramePool(params.Frames, params.PageSize),
		ids:     gen.NewIDPool(params.MaxProcs, params.CPUs),
		caps:    NewCapRegistry(),
		gqueues: make([][]rqEntry, params.Priorities),
	}
	k.procs.arena = gen.NewArena[*Proc](params.MaxProcs)
	k.procs.byPid = make(map[Pid]gen.Handle)

	k.cpus = make([]*CPU, params.CPUs)
	for i := range k.cpus {
		k.cpus[i] = newCPU(i, k)
	}

	id := k.ids.Allocate(0)
	if id == gen.NoID {
		return nil, fmt.Errorf("kernel boot: %w", ErrExhausted)
	}
	k.reaper = &Proc{
		pid:       Pid(id),
		prio:      params.Priorities - 1,
		affinity:  -1,
		childWait: NewWaitQueue(),
	}
	k.reaper.state.Store(int32(StateCreated))

	k.procs.lock.Lock()
	if !k.registerLocked(k.reaper, nil) {
		k.procs.lock.Unlock()
		return nil, fmt.Errorf("kernel boot: %w", ErrExhausted)
	}
	k.setState(k.reaper, StateReady)
	k.setState(k.reaper, StateRunning)
	k.procs.lock.Unlock()

	c0 := k.cpus[0]
	c0.lock.Lock()
	c0.current = k.reaper
	c0.sliceLeft = params.SliceTicks
	c0.lock.Unlock()

	trust.Infof("kernel up: %d cpus, %d frames of %#x bytes, %d pids",
		params.CPUs, params.Frames, params.PageSize, params.MaxProcs)
	return k, nil
}

func (k *Kernel) Params() upbeat.BootParams {
	return k.params
}

func (k *Kernel) NumCPU() int {
	return len(k.cpus)
}

func (k *Kernel) CPU(i int) *CPU {
	return k.cpus[i]
}

func (k *Kernel) Frames() *FramePool {
	return k.frames
}

func (k *Kernel) Caps() *CapRegistry {
	return k.caps
}

// Reaper is task zero.
func (k *Kernel) Reaper() *Proc {
	return k.reaper
}

// PidLive reports whether pid is currently issued, the test hook for the
// no-reuse-while-referenced property.
func (k *Kernel) PidLive(pid Pid) bool {
	return k.ids.Live(gen.ID(pid))
}

// LiveProcs is the number of occupied PCB slots, zombies included.
func (k *Kernel) LiveProcs() int {
	return k.procs.arena.Live()
}

// ProcInfo is one point-in-time row of the process table.
type ProcInfo struct {
	Pid   Pid
	PPid  Pid
	State ProcState
	Prio  int
	CPU   int
}

// Procs snapshots every live PCB slot, zombies included.  Rows stop being
// true the moment a state changes; callers use them for diagnostics, not
// decisions.
func (k *Kernel) Procs() []ProcInfo {
	out := make([]ProcInfo, 0, k.LiveProcs())
	k.procs.lock.Lock()
	k.procs.arena.Each(func(_ gen.Handle, p *Proc) {
		out = append(out, ProcInfo{
			Pid:   p.pid,
			PPid:  p.ppid,
			State: ProcState(p.state.Load()),
			Prio:  p.prio,
			CPU:   p.lastCPU,
		})
	})
	k.procs.lock.Unlock()
	return out
}

// CPUStats is a snapshot of one CPU's scheduling counters.
type CPUStats struct {
	Ticks      uint64
	Dispatches uint64
	Preempts   uint64
	Steals     uint64
	IdleTicks  uint64
	StaleDrops uint64
	WakeDrops  uint64
}

func (k *Kernel) Stats(cpu int) CPUStats {
	c := k.cpus[cpu]
	return CPUStats{
		Ticks:      c.ticks.Load(),
		Dispatches: c.dispatches.Load(),
		Preempts:   c.preempts.Load(),
		Steals:     c.steals.Load(),
		IdleTicks:  c.idleTicks.Load(),
		StaleDrops: c.staleDrops.Load(),
		WakeDrops:  c.wakeDrops.Load(),
	}
}

// DumpStats logs every CPU's counters on the stats channel.
func (k *Kernel) DumpStats() {
	for _, c := range k.cpus {
		s := k.Stats(c.id)
		trust.Statsf("sched", "cpu %d: ticks=%d dispatches=%d preempts=%d steals=%d idle=%d stale=%d wakedrops=%d",
			c.id, s.Ticks, s.Dispatches, s.Preempts, s.Steals, s.IdleTicks, s.StaleDrops, s.WakeDrops)
	}
	trust.Statsf("mem", "frames free=%d/%d", k.frames.Free(), k.params.Frames)
	trust.Statsf("proc", "pcb slots live=%d/%d", k.LiveProcs(), k.params.MaxProcs)
}
