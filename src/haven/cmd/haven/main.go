package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"reverie/src/lib/trust"
	"reverie/src/lib/upbeat"
)

var (
	paramsPath string
	logSpec    string
)

var rootCmd = &cobra.Command{
	Use:   "haven",
	Short: "host-model kernel core: processes, address spaces, scheduling",
	Long: `haven boots the kernel core on the host and drives it with a synthetic
workload (run) or an interactive stepper (monitor).  Every CPU is a goroutine,
every process a schedulable context; the point is to watch the real locking,
COW and shootdown machinery work.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyLogSpec(logSpec)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&paramsPath, "params", "", "boot parameters YAML file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logSpec, "log", "info", "log channels: comma list of error,warn,info,debug,stats")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(monitorCmd)
}

func applyLogSpec(spec string) error {
	var mask trust.MaskLevel
	for _, name := range strings.Split(spec, ",") {
		switch strings.TrimSpace(name) {
		case "error":
			mask |= trust.ErrorMask
		case "warn":
			mask |= trust.ErrorMask | trust.WarnMask
		case "info":
			mask |= trust.ErrorMask | trust.WarnMask | trust.InfoMask
		case "debug":
			mask |= trust.ErrorMask | trust.WarnMask | trust.InfoMask | trust.DebugMask
		case "stats":
			mask |= trust.StatsMask
		case "":
		default:
			return fmt.Errorf("unknown log channel %q", name)
		}
	}
	trust.SetLevel(mask)
	return nil
}

func loadParams() (upbeat.BootParams, error) {
	if paramsPath == "" {
		return upbeat.DefaultBootParams(), nil
	}
	return upbeat.LoadBootParams(paramsPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
