package haven

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestParallelLifecycleStress drives every CPU from its own goroutine: CPUs
// 1..n-1 each run spawn/touch/exit cycles against their own CPU while CPU 0
// reaps.  The shared structures under fire are the PCB table, the identifier
// pool, the frame pool and the global queue.
func TestParallelLifecycleStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	k := bootKernel(t)

	const cycles = 50
	workers := k.NumCPU() - 1
	total := workers * cycles

	var g errgroup.Group
	for w := 1; w <= workers; w++ {
		c := k.CPU(w)
		g.Go(func() error {
			buf := make([]byte, 64)
			for i := 0; i < cycles; i++ {
				pid, err := k.Spawn(c, rwSegment(0x10000, nil), 0x10000, 2, c.ID())
				if err != nil {
					return err
				}
				k.Tick(c)
				if got := k.CurrentPid(c); got != pid {
					t.Errorf("cpu %d: dispatched %d, want %d", c.ID(), got, pid)
				}
				if err := k.MemWrite(c, 0x10000, buf); err != nil {
					return err
				}
				if err := k.MemRead(c, 0x10800, buf); err != nil {
					return err
				}
				k.Exit(c, i)
			}
			return nil
		})
	}

	reaped := 0
	g.Go(func() error {
		c0 := k.CPU(0)
		for reaped < total {
			_, _, err := k.Wait(c0, false)
			switch err {
			case nil:
				reaped++
			case ErrAgain, ErrNoChildren:
				k.Tick(c0)
			default:
				return err
			}
		}
		return nil
	})

	require.NoError(t, g.Wait())
	require.Equal(t, total, reaped)
	require.Equal(t, 1, k.LiveProcs(), "only task zero survives")

	free := k.Frames().Free()
	require.Equal(t, k.Params().Frames, free, "every frame came back")
}

// TestConcurrentSpawnUniquePids hammers Spawn from every CPU at once and
// checks that no identifier is ever issued twice while live.
func TestConcurrentSpawnUniquePids(t *testing.T) {
	k := bootKernel(t)

	const perCPU = 40
	results := make([][]Pid, k.NumCPU())

	var g errgroup.Group
	for w := 0; w < k.NumCPU(); w++ {
		c := k.CPU(w)
		g.Go(func() error {
			for i := 0; i < perCPU; i++ {
				pid, err := k.Spawn(c, rwSegment(0x10000, nil), 0x10000, 2, -1)
				if err != nil {
					return err
				}
				results[c.ID()] = append(results[c.ID()], pid)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[Pid]bool)
	for _, pids := range results {
		for _, pid := range pids {
			require.False(t, seen[pid], "pid %d issued twice", pid)
			seen[pid] = true
			require.True(t, k.PidLive(pid))
		}
	}
	require.Len(t, seen, k.NumCPU()*perCPU)
}

// TestConcurrentForkAndFault shares one copy-on-write page tree across CPUs
// and lets each side write concurrently; refcounts and content must both
// come out exact.
func TestConcurrentForkAndFault(t *testing.T) {
	k := bootKernel(t)

	pid, err := k.Spawn(k.CPU(0), rwSegment(0x10000, []byte("base")), 0x10000, 2, -1)
	require.NoError(t, err)
	c1 := k.CPU(1)
	k.Tick(c1)
	require.Equal(t, pid, k.CurrentPid(c1))
	require.NoError(t, k.MemWrite(c1, 0x10000, []byte("base")))

	kid, err := k.Fork(c1)
	require.NoError(t, err)
	c2 := k.CPU(2)
	k.Tick(c2)
	require.Equal(t, kid, k.CurrentPid(c2))

	var g errgroup.Group
	g.Go(func() error { return k.MemWrite(c1, 0x10000, []byte("parent side")) })
	g.Go(func() error { return k.MemWrite(c2, 0x10000, []byte("child  side")) })
	require.NoError(t, g.Wait())

	got := make([]byte, 11)
	require.NoError(t, k.MemRead(c1, 0x10000, got))
	require.Equal(t, []byte("parent side"), got)
	require.NoError(t, k.MemRead(c2, 0x10000, got))
	require.Equal(t, []byte("child  side"), got)

	pf, ok := c1.Current().Space().translate(c1, 0x10000, AccessRead)
	require.True(t, ok)
	cf, ok := c2.Current().Space().translate(c2, 0x10000, AccessRead)
	require.True(t, ok)
	require.NotEqual(t, pf, cf)
	require.Equal(t, int32(1), k.Frames().RefCount(pf))
	require.Equal(t, int32(1), k.Frames().RefCount(cf))
}
