package haven

import "math/bits"

// Perm is a region or page permission mask.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) String() string {
	out := []byte("---")
	if p&PermRead != 0 {
		out[0] = 'r'
	}
	if p&PermWrite != 0 {
		out[1] = 'w'
	}
	if p&PermExec != 0 {
		out[2] = 'x'
	}
	return string(out)
}

const (
	ptLevels    = 4
	ptIndexBits = 9
	ptFanout    = 1 << ptIndexBits
)

// PTE is one leaf translation.  Perm is always a subset of the owning
// region's permission; COW marks a shared frame whose write must first
// materialize a private copy.
type PTE struct {
	Frame   FrameID
	Perm    Perm
	Present bool
	COW     bool
}

type ptNode struct {
	kids [ptFanout]*ptNode
	ptes []PTE // leaf level only
}

// pageTable is a 4-level radix tree keyed by virtual address, 9 index bits
// per level above the page offset.  Every level is exclusively owned by its
// parent; sharing happens at the frame level, never at the table level.
type pageTable struct {
	root      *ptNode
	pageShift uint
}

func newPageTable(pageSize uint64) pageTable {
	return pageTable{
		root:      &ptNode{},
		pageShift: uint(bits.TrailingZeros64(pageSize)),
	}
}

// maxVA is one past the largest translatable address.
func (pt *pageTable) maxVA() uint64 {
	return 1 << (pt.pageShift + ptLevels*ptIndexBits)
}

func (pt *pageTable) index(level int, va uint64) uint64 {
	return (va >> (pt.pageShift + uint(level)*ptIndexBits)) & (ptFanout - 1)
}

// walk returns the PTE for va, descending the radix levels and allocating
// interior nodes on the way down when alloc is set.  Without alloc it
// returns nil where no translation exists.
func (pt *pageTable) walk(va uint64, alloc bool) *PTE {
	if va >= pt.maxVA() {
		violated("page table walk beyond max va: %#x", va)
	}
	n := pt.root
	for level := ptLevels - 1; level > 0; level-- {
		i := pt.index(level, va)
		next := n.kids[i]
		if next == nil {
			if !alloc {
				return nil
			}
			next = &ptNode{}
			n.kids[i] = next
		}
		n = next
	}
	if n.ptes == nil {
		if !alloc {
			return nil
		}
		n.ptes = make([]PTE, ptFanout)
	}
	return &n.ptes[pt.index(0, va)]
}

// each visits every present translation in ascending address order.
func (pt *pageTable) each(f func(va uint64, pte *PTE)) {
	pt.eachNode(pt.root, ptLevels-1, 0, f)
}

func (pt *pageTable) eachNode(n *ptNode, level int, base uint64, f func(uint64, *PTE)) {
	if n == nil {
		return
	}
	if level == 0 {
		for i := range n.ptes {
			if n.ptes[i].Present {
				f(base|uint64(i)<<pt.pageShift, &n.ptes[i])
			}
		}
		return
	}
	shift := pt.pageShift + uint(level)*ptIndexBits
	for i, kid := range n.kids {
		if kid != nil {
			pt.eachNode(kid, level-1, base|uint64(i)<<shift, f)
		}
	}
}
