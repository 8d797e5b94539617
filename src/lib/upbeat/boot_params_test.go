package upbeat

import (
	"os"
	"path/filepath"
	"testing"
)

func writeParams(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boot.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBootParamsPartialFileTakesDefaults(t *testing.T) {
	path := writeParams(t, "cpus: 2\nframes: 512\n")
	p, err := LoadBootParams(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.CPUs != 2 || p.Frames != 512 {
		t.Fatalf("explicit fields lost: %+v", p)
	}
	d := DefaultBootParams()
	if p.PageSize != d.PageSize || p.SliceTicks != d.SliceTicks || p.MaxProcs != d.MaxProcs {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

func TestLoadBootParamsRejectsBadValues(t *testing.T) {
	cases := []string{
		"page_size: 100\n",  // below minimum and not a power of two
		"cpus: 1000\n",      // over the cap
		"priorities: 65\n",  // over the cap
		"slice_ticks: -1\n", // negative survives ApplyDefaults, Validate catches it
	}
	for _, yaml := range cases {
		if _, err := LoadBootParams(writeParams(t, yaml)); err == nil {
			t.Errorf("accepted %q", yaml)
		}
	}
}

func TestLoadBootParamsMissingFile(t *testing.T) {
	if _, err := LoadBootParams(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestLoadBootParamsMalformedYAML(t *testing.T) {
	if _, err := LoadBootParams(writeParams(t, ": [broken")); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestValidateDirect(t *testing.T) {
	p := DefaultBootParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	p.Frames = 4
	if err := p.Validate(); err == nil {
		t.Fatal("frames below minimum accepted")
	}
}
