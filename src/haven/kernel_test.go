package haven

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"reverie/src/lib/trust"
	"reverie/src/lib/upbeat"
)

func TestMain(m *testing.M) {
	trust.SetLevel(trust.ErrorMask | trust.WarnMask)
	goleak.VerifyTestMain(m)
}

func testParams() upbeat.BootParams {
	p := upbeat.DefaultBootParams()
	p.Frames = 256
	return p
}

func bootKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := NewKernel(testParams())
	require.NoError(t, err)
	return k
}

// rwSegment is one page of writable data starting with the given bytes.
func rwSegment(base uint64, content []byte) []Segment {
	return []Segment{{Vaddr: base, Len: 0x1000, Perm: PermRead | PermWrite, Content: content}}
}

// spawnOn spawns a process pinned to cpu and ticks that CPU until the
// process is dispatched.  The spawning CPU is 0, where task zero runs.
func spawnOn(t *testing.T, k *Kernel, cpu int, segs []Segment, entry uint64, prio int) (Pid, *CPU) {
	t.Helper()
	pid, err := k.Spawn(k.CPU(0), segs, entry, prio, cpu)
	require.NoError(t, err)
	c := k.CPU(cpu)
	k.Tick(c)
	require.Equal(t, pid, k.CurrentPid(c), "spawned process should dispatch on its pinned cpu")
	return pid, c
}

func TestBoot(t *testing.T) {
	k := bootKernel(t)

	require.Equal(t, 4, k.NumCPU())
	r := k.Reaper()
	require.NotNil(t, r)
	require.Equal(t, StateRunning, r.State())
	require.Same(t, r, k.CPU(0).Current())
	require.True(t, k.PidLive(r.Pid()))
	require.Equal(t, 1, k.LiveProcs())

	for i := 1; i < k.NumCPU(); i++ {
		require.Nil(t, k.CPU(i).Current())
	}
}

func TestBootRejectsBadParams(t *testing.T) {
	p := testParams()
	p.PageSize = 0x1234 // not a power of two
	_, err := NewKernel(p)
	require.Error(t, err)

	p = testParams()
	p.CPUs = 0
	p.SliceTicks = 0 // zeroes take defaults, the boot must still come up
	k, err := NewKernel(p)
	require.NoError(t, err)
	require.Equal(t, upbeat.DefaultBootParams().CPUs, k.NumCPU())
}

func TestStatsCounters(t *testing.T) {
	k := bootKernel(t)

	_, c := spawnOn(t, k, 1, rwSegment(0x10000, nil), 0x10000, 2)
	s := k.Stats(1)
	require.Equal(t, uint64(1), s.Dispatches)
	require.Equal(t, uint64(1), s.Ticks)

	// the dispatch tick found the CPU idle
	require.Equal(t, uint64(1), s.IdleTicks)

	for i := 0; i < int(k.Params().SliceTicks); i++ {
		k.Tick(c)
	}
	s = k.Stats(1)
	require.Equal(t, uint64(1), s.Preempts)

	k.DumpStats() // exercises the stats channel; output is masked
}

func TestProcsSnapshot(t *testing.T) {
	k := bootKernel(t)

	rows := k.Procs()
	require.Len(t, rows, 1)
	require.Equal(t, k.Reaper().Pid(), rows[0].Pid)

	pid, _ := spawnOn(t, k, 1, rwSegment(0x10000, nil), 0x10000, 2)
	rows = k.Procs()
	require.Len(t, rows, 2)

	var row ProcInfo
	found := false
	for _, r := range rows {
		if r.Pid == pid {
			row, found = r, true
		}
	}
	require.True(t, found)
	require.Equal(t, k.Reaper().Pid(), row.PPid)
	require.Equal(t, StateRunning, row.State)
	require.Equal(t, 2, row.Prio)
	require.Equal(t, 1, row.CPU)
}
