package upbeat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootParams is everything the kernel core needs to size its tables.  On real
// hardware these arrive from the bootloader; here they come from a YAML file
// or the defaults.
type BootParams struct {
	CPUs       int    `yaml:"cpus"`        // parallel kernel contexts
	Frames     uint32 `yaml:"frames"`      // physical frames backing all address spaces
	PageSize   uint64 `yaml:"page_size"`   // bytes per page, power of two
	SliceTicks int    `yaml:"slice_ticks"` // timer ticks per scheduling quantum
	Priorities int    `yaml:"priorities"`  // distinct priority levels, 0 is highest
	MaxProcs   uint32 `yaml:"max_procs"`   // PID namespace bound and PCB table size
	WakeRing   uint32 `yaml:"wake_ring"`   // per-CPU deferred-wake ring capacity
}

func DefaultBootParams() BootParams {
	return BootParams{
		CPUs:       4,
		Frames:     4096,
		PageSize:   0x1000,
		SliceTicks: 4,
		Priorities: 8,
		MaxProcs:   256,
		WakeRing:   64,
	}
}

// LoadBootParams reads params from a YAML file.  Fields left at zero take the
// default value, so a partial file is fine.
func LoadBootParams(path string) (BootParams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BootParams{}, fmt.Errorf("boot params: %w", err)
	}
	var p BootParams
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return BootParams{}, fmt.Errorf("boot params %s: %w", path, err)
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return BootParams{}, fmt.Errorf("boot params %s: %w", path, err)
	}
	return p, nil
}

func (p *BootParams) ApplyDefaults() {
	d := DefaultBootParams()
	if p.CPUs == 0 {
		p.CPUs = d.CPUs
	}
	if p.Frames == 0 {
		p.Frames = d.Frames
	}
	if p.PageSize == 0 {
		p.PageSize = d.PageSize
	}
	if p.SliceTicks == 0 {
		p.SliceTicks = d.SliceTicks
	}
	if p.Priorities == 0 {
		p.Priorities = d.Priorities
	}
	if p.MaxProcs == 0 {
		p.MaxProcs = d.MaxProcs
	}
	if p.WakeRing == 0 {
		p.WakeRing = d.WakeRing
	}
}

func (p *BootParams) Validate() error {
	if p.CPUs < 1 || p.CPUs > 256 {
		return fmt.Errorf("cpus must be in [1,256], got %d", p.CPUs)
	}
	if p.PageSize&(p.PageSize-1) != 0 || p.PageSize < 256 {
		return fmt.Errorf("page_size must be a power of two >= 256, got %#x", p.PageSize)
	}
	if p.Frames < 8 {
		return fmt.Errorf("frames must be >= 8, got %d", p.Frames)
	}
	if p.SliceTicks < 1 {
		return fmt.Errorf("slice_ticks must be >= 1, got %d", p.SliceTicks)
	}
	if p.Priorities < 1 || p.Priorities > 64 {
		return fmt.Errorf("priorities must be in [1,64], got %d", p.Priorities)
	}
	if p.MaxProcs < 2 {
		return fmt.Errorf("max_procs must be >= 2, got %d", p.MaxProcs)
	}
	if p.WakeRing < 2 {
		return fmt.Errorf("wake_ring must be >= 2, got %d", p.WakeRing)
	}
	return nil
}
