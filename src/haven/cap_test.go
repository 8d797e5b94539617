package haven

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBlockDev struct {
	tags   []CapTag
	sector int
}

func (d *fakeBlockDev) Capabilities() []CapTag { return d.tags }
func (d *fakeBlockDev) ReadSector(n int) int   { return d.sector + n }

type sectorReader interface {
	ReadSector(n int) int
}

func TestCapRegistryDeclaredTags(t *testing.T) {
	r := NewCapRegistry()
	dev := &fakeBlockDev{tags: []CapTag{CapBlockDevice, CapDMABuffer}}

	require.False(t, r.Supports(dev, CapBlockDevice), "unregistered object has no capabilities")

	r.Register(dev)
	require.True(t, r.Supports(dev, CapBlockDevice))
	require.True(t, r.Supports(dev, CapDMABuffer))
	require.False(t, r.Supports(dev, CapConsole))

	r.Unregister(dev)
	require.False(t, r.Supports(dev, CapBlockDevice))
}

func TestLookupAsRequiresDeclarationAndType(t *testing.T) {
	r := NewCapRegistry()
	dev := &fakeBlockDev{tags: []CapTag{CapBlockDevice}, sector: 100}
	r.Register(dev)

	rd, ok := LookupAs[sectorReader](r, dev, CapBlockDevice)
	require.True(t, ok)
	require.Equal(t, 103, rd.ReadSector(3))

	// satisfies the interface, but never declared the tag
	_, ok = LookupAs[sectorReader](r, dev, CapConsole)
	require.False(t, ok)

	// declared the tag, but cannot satisfy the requested type
	type powerCycler interface{ PowerCycle() }
	_, ok = LookupAs[powerCycler](r, dev, CapBlockDevice)
	require.False(t, ok)
}

func TestKernelOwnsACapRegistry(t *testing.T) {
	k := bootKernel(t)
	dev := &fakeBlockDev{tags: []CapTag{CapConsole}}
	k.Caps().Register(dev)
	require.True(t, k.Caps().Supports(dev, CapConsole))
}
