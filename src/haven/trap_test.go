package haven

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageFaultOutsideRegionKillsProcess(t *testing.T) {
	k := bootKernel(t)
	c0 := k.CPU(0)

	pid, c1 := spawnOn(t, k, 1, rwSegment(0x10000, nil), 0x10000, 2)
	p, _ := k.Lookup(pid)

	err := k.PageFault(c1, FaultRecord{Addr: 0xdead0000, Access: AccessRead})
	require.ErrorIs(t, err, ErrSegFault)
	require.Equal(t, StateZombie, p.State())
	require.Nil(t, c1.Current())

	got, status, err := k.Wait(c0, false)
	require.NoError(t, err)
	require.Equal(t, pid, got)
	require.True(t, status.Faulted)
	require.Equal(t, uint64(0xdead0000), status.FaultAddr)
	require.Equal(t, ErrSegFault, status.Cause)
}

func TestPageFaultResolvableReturnsNil(t *testing.T) {
	k := bootKernel(t)

	pid, c1 := spawnOn(t, k, 1, rwSegment(0x10000, nil), 0x10000, 2)
	require.NoError(t, k.PageFault(c1, FaultRecord{Addr: 0x10008, Access: AccessWrite}))

	p, ok := k.Lookup(pid)
	require.True(t, ok)
	require.Equal(t, StateRunning, p.State(), "a resolved fault must not disturb the process")
}

func TestFaultRecordContextSavedOnKill(t *testing.T) {
	k := bootKernel(t)
	c0 := k.CPU(0)

	pid, c1 := spawnOn(t, k, 1, rwSegment(0x10000, nil), 0x10000, 2)
	p, _ := k.Lookup(pid)

	rec := FaultRecord{Addr: 0x50000, Access: AccessWrite, Ctx: Context{PC: 0x10044, SP: 0x10f00}}
	require.Error(t, k.PageFault(c1, rec))
	require.Equal(t, uint64(0x10044), p.Context().PC)
	require.Equal(t, uint64(0x10f00), p.Context().SP)

	_, _, err := k.Wait(c0, false)
	require.NoError(t, err)
}

func TestMemAccessCrossesPageBoundary(t *testing.T) {
	k := bootKernel(t)

	segs := []Segment{{Vaddr: 0x10000, Len: 0x3000, Perm: PermRead | PermWrite}}
	_, c1 := spawnOn(t, k, 1, segs, 0x10000, 2)

	data := bytes.Repeat([]byte{0x3c}, 0x1800)
	require.NoError(t, k.MemWrite(c1, 0x10800, data)) // spans two pages

	got := make([]byte, len(data))
	require.NoError(t, k.MemRead(c1, 0x10800, got))
	require.Equal(t, data, got)

	// the bytes around the write are still zero
	one := make([]byte, 1)
	require.NoError(t, k.MemRead(c1, 0x107ff, one))
	require.Zero(t, one[0])
	require.NoError(t, k.MemRead(c1, 0x12000, one))
	require.Zero(t, one[0])
}

func TestMemWriteToReadOnlyKills(t *testing.T) {
	k := bootKernel(t)
	c0 := k.CPU(0)

	segs := []Segment{{Vaddr: 0x10000, Len: 0x1000, Perm: PermRead}}
	pid, c1 := spawnOn(t, k, 1, segs, 0x10000, 2)

	require.ErrorIs(t, k.MemWrite(c1, 0x10000, []byte{1}), ErrSegFault)

	got, status, err := k.Wait(c0, false)
	require.NoError(t, err)
	require.Equal(t, pid, got)
	require.True(t, status.Faulted)
}

func TestExecPermissionIsChecked(t *testing.T) {
	k := bootKernel(t)

	segs := []Segment{
		{Vaddr: 0x10000, Len: 0x1000, Perm: PermRead | PermExec},
		{Vaddr: 0x20000, Len: 0x1000, Perm: PermRead | PermWrite},
	}
	_, c1 := spawnOn(t, k, 1, segs, 0x10000, 2)
	s := c1.Current().Space()

	require.NoError(t, s.handleFault(c1, 0x10000, AccessExec))
	require.ErrorIs(t, s.handleFault(c1, 0x20000, AccessExec), ErrSegFault)
}

func TestWakeRingOverflowIsCountedNotFatal(t *testing.T) {
	p := testParams()
	p.WakeRing = 2
	k, err := NewKernel(p)
	require.NoError(t, err)
	q := NewWaitQueue()
	c1 := k.CPU(1)

	// stuff the ring full of placeholder wakes; a further deferred wake
	// must fail cleanly and leave the waiter queued
	for c1.wakes.Push(wakeEntry{h: k.Reaper().Handle(), q: q}) {
	}
	q.lock.Lock()
	q.waiters = append(q.waiters, k.Reaper().Handle())
	q.lock.Unlock()

	require.False(t, k.DeferWakeOne(q, c1))
	require.Equal(t, 1, q.Len())
	require.Equal(t, uint64(1), k.Stats(1).WakeDrops)
}

func TestTickOnIdleCPUJustCountsWhenNothingIsRunnable(t *testing.T) {
	k := bootKernel(t)
	c2 := k.CPU(2)

	for i := 0; i < 5; i++ {
		k.Tick(c2)
	}
	require.Equal(t, uint64(5), k.Stats(2).IdleTicks)
	require.Nil(t, c2.Current())
}
