package main

import (
	"fmt"

	"github.com/mattn/go-tty"
	"github.com/spf13/cobra"

	"reverie/src/haven"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "step the kernel interactively from the terminal",
	Long: `monitor boots the core and hands you the timer interrupt:
  t  deliver one tick to every CPU
  s  spawn a migratable demo process
  w  reap one exited child (non-blocking)
  x  exit the process running on the highest busy CPU
  p  list every process in the table
  d  dump scheduler and memory counters
  q  quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := loadParams()
		if err != nil {
			return err
		}
		k, err := haven.NewKernel(params)
		if err != nil {
			return err
		}
		return monitor(k)
	},
}

func monitor(k *haven.Kernel) error {
	term, err := tty.Open()
	if err != nil {
		return fmt.Errorf("monitor needs a terminal: %w", err)
	}
	defer term.Close()

	seg := []haven.Segment{{
		Vaddr:   0x10000,
		Len:     0x1000,
		Perm:    haven.PermRead | haven.PermWrite,
		Content: []byte("monitor demo"),
	}}

	fmt.Println("haven monitor: t=tick s=spawn w=reap x=exit p=procs d=stats q=quit")
	showCPUs(k)
	for {
		r, err := term.ReadRune()
		if err != nil {
			return err
		}
		switch r {
		case 'q':
			return nil
		case 't':
			for i := 0; i < k.NumCPU(); i++ {
				k.Tick(k.CPU(i))
			}
			showCPUs(k)
		case 's':
			pid, err := k.Spawn(k.CPU(0), seg, 0x10000, 2, -1)
			if err != nil {
				fmt.Printf("spawn: %v\n", err)
				continue
			}
			fmt.Printf("spawned pid %d (queued; tick to dispatch)\n", pid)
		case 'w':
			pid, status, err := k.Wait(k.CPU(0), false)
			if err != nil {
				fmt.Printf("wait: %v\n", err)
				continue
			}
			fmt.Printf("reaped pid %d code %d faulted=%v\n", pid, status.Code, status.Faulted)
		case 'x':
			exitOne(k)
			showCPUs(k)
		case 'p':
			for _, row := range k.Procs() {
				fmt.Printf("  pid %d ppid %d %s prio %d cpu %d\n",
					row.Pid, row.PPid, row.State, row.Prio, row.CPU)
			}
		case 'd':
			k.DumpStats()
		}
	}
}

// exitOne terminates the running process on the highest-numbered busy CPU,
// sparing task zero on CPU 0.
func exitOne(k *haven.Kernel) {
	for i := k.NumCPU() - 1; i >= 1; i-- {
		c := k.CPU(i)
		if p := c.Current(); p != nil {
			fmt.Printf("exiting pid %d on cpu %d\n", p.Pid(), i)
			k.Exit(c, 0)
			return
		}
	}
	fmt.Println("nothing running outside cpu 0")
}

func showCPUs(k *haven.Kernel) {
	for i := 0; i < k.NumCPU(); i++ {
		c := k.CPU(i)
		if p := c.Current(); p != nil {
			fmt.Printf("  cpu %d: pid %d %s prio %d\n", i, p.Pid(), p.State(), p.Priority())
		} else {
			fmt.Printf("  cpu %d: idle\n", i)
		}
	}
}
