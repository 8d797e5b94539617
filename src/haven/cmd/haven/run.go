package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"reverie/src/haven"
	"reverie/src/lib/trust"
)

var (
	runCycles int
	runForks  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "boot the core and drive a synthetic workload to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := loadParams()
		if err != nil {
			return err
		}
		k, err := haven.NewKernel(params)
		if err != nil {
			return err
		}
		return runWorkload(k, runCycles, runForks)
	},
}

func init() {
	runCmd.Flags().IntVar(&runCycles, "cycles", 100, "spawn/exit cycles per CPU")
	runCmd.Flags().BoolVar(&runForks, "forks", true, "fork each spawned process once")
}

// runWorkload owns one goroutine per CPU.  CPUs 1..n-1 run spawn / touch /
// optionally fork / exit cycles pinned to themselves; CPU 0 stays with task
// zero and reaps everything, ticking while it waits.
func runWorkload(k *haven.Kernel, cycles int, forks bool) error {
	workers := k.NumCPU() - 1
	if workers < 1 {
		return fmt.Errorf("workload needs at least 2 cpus, have %d", k.NumCPU())
	}
	perCycle := 1
	if forks {
		perCycle = 2
	}
	total := workers * cycles * perCycle

	seg := []haven.Segment{{
		Vaddr:   0x10000,
		Len:     0x2000,
		Perm:    haven.PermRead | haven.PermWrite,
		Content: []byte("synthetic workload image"),
	}}

	var g errgroup.Group
	for w := 1; w <= workers; w++ {
		c := k.CPU(w)
		g.Go(func() error {
			buf := make([]byte, 256)
			for i := 0; i < cycles; i++ {
				pid, err := k.Spawn(c, seg, 0x10000, 2, c.ID())
				if err != nil {
					return fmt.Errorf("cpu %d spawn: %w", c.ID(), err)
				}
				k.Tick(c)
				if got := k.CurrentPid(c); got != pid {
					return fmt.Errorf("cpu %d dispatched pid %d, want %d", c.ID(), got, pid)
				}
				if err := k.MemWrite(c, 0x10800, buf); err != nil {
					return fmt.Errorf("cpu %d write: %w", c.ID(), err)
				}
				if forks {
					if _, err := k.Fork(c); err != nil {
						return fmt.Errorf("cpu %d fork: %w", c.ID(), err)
					}
					// parent exits; the scheduler promotes the child
					k.Exit(c, 0)
					k.Tick(c)
					if err := k.MemRead(c, 0x10800, buf); err != nil {
						return fmt.Errorf("cpu %d child read: %w", c.ID(), err)
					}
				}
				k.Exit(c, 0)
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
			case haven.ErrAgain, haven.ErrNoChildren:
				k.Tick(c0)
			default:
				return fmt.Errorf("reap: %w", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	trust.Infof("workload done: %d processes reaped", reaped)
	k.DumpStats()
	if live := k.LiveProcs(); live != 1 {
		return fmt.Errorf("%d PCB slots still occupied after reaping", live)
	}
	return nil
}
