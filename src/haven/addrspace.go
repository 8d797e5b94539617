package haven

import (
	"sync/atomic"

	"reverie/src/lib/trust"
)

// Backing says where a region's pages come from.
type Backing uint8

const (
	BackAnon    Backing = iota // zero-filled on demand
	BackSegment                // loadable-segment content, paged in on demand
	BackShared                 // explicitly shared frames, installed eagerly
	BackDevice                 // device buffer, installed eagerly
)

func (b Backing) String() string {
	switch b {
	case BackAnon:
		return "anon"
	case BackSegment:
		return "segment"
	case BackShared:
		return "shared"
	case BackDevice:
		return "device"
	}
	return "unknown"
}

// Region is a contiguous virtual range [Start,End) with uniform permission
// and backing.  Regions within one space never overlap.
type Region struct {
	Start   uint64
	End     uint64
	Perm    Perm
	Backing Backing

	// src is the initial-content source for segment-backed regions,
	// indexed from Start.  Shorter-than-region sources zero-fill the tail.
	src []byte
}

func (r Region) covers(va uint64) bool {
	return va >= r.Start && va < r.End
}

// AddrSpace owns one page-table hierarchy and the region list describing it.
// The reference count tracks sharing processes; teardown happens at zero.
type AddrSpace struct {
	kern *Kernel
	asid uint64

	lock    Spin
	pt      pageTable
	regions []Region // sorted by Start
	refs    atomic.Int32
}

func (k *Kernel) newSpace() *AddrSpace {
	s := &AddrSpace{
		kern: k,
		asid: k.nextASID.Add(1),
		pt:   newPageTable(k.params.PageSize),
	}
	s.refs.Store(1)
	return s
}

func (s *AddrSpace) ASID() uint64 {
	return s.asid
}

func (s *AddrSpace) Ref() {
	if s.refs.Add(1) <= 1 {
		violated("address space %d revived from zero references", s.asid)
	}
}

// Unref drops one sharer; the last one tears the space down, returning every
// frame and flushing every CPU's cached translations for it.
func (s *AddrSpace) Unref() {
	n := s.refs.Add(-1)
	if n < 0 {
		violated("address space %d reference count went negative", s.asid)
	}
	if n > 0 {
		return
	}
	s.lock.Lock()
	s.pt.each(func(va uint64, pte *PTE) {
		s.kern.frames.Unref(pte.Frame)
		*pte = PTE{}
	})
	s.pt = newPageTable(s.kern.params.PageSize)
	s.regions = nil
	s.lock.Unlock()
	for _, c := range s.kern.cpus {
		c.tlbFlushASID(s.asid)
	}
}

func (s *AddrSpace) pageSize() uint64 {
	return s.kern.params.PageSize
}

func (s *AddrSpace) rangeOK(start, length uint64) bool {
	ps := s.pageSize()
	return length > 0 && start%ps == 0 && length%ps == 0 &&
		start+length > start && start+length <= s.pt.maxVA()
}

// regionFor finds the region covering va; index -1 when none does.
func (s *AddrSpace) regionForLocked(va uint64) int {
	for i := range s.regions {
		if s.regions[i].covers(va) {
			return i
		}
	}
	return -1
}

// Regions returns a copy of the region list, for callers that want to
// inspect the layout without holding any lock.
func (s *AddrSpace) Regions() []Region {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]Region, len(s.regions))
	copy(out, s.regions)
	for i := range out {
		out[i].src = nil
	}
	return out
}

// Map installs a region.  It fails with ErrOverlap when the range intersects
// an existing region and ErrExhausted when an eager backing cannot get its
// frames.  Anonymous and segment regions are demand-paged; shared and device
// regions are populated eagerly.
func (s *AddrSpace) Map(start, length uint64, perm Perm, backing Backing, src []byte) error {
	if !s.rangeOK(start, length) || perm == 0 {
		return ErrBadRequest
	}
	end := start + length

	s.lock.Lock()
	pos := len(s.regions)
	for i := range s.regions {
		r := &s.regions[i]
		if start < r.End && r.Start < end {
			s.lock.Unlock()
			return ErrOverlap
		}
		if r.Start >= end && i < pos {
			pos = i
		}
	}

	nr := Region{Start: start, End: end, Perm: perm, Backing: backing, src: src}
	s.regions = append(s.regions, Region{})
	copy(s.regions[pos+1:], s.regions[pos:])
	s.regions[pos] = nr

	if backing == BackShared || backing == BackDevice {
		ps := s.pageSize()
		for va := start; va < end; va += ps {
			f, ok := s.kern.frames.Alloc()
			if !ok {
				// undo everything this call did
				for undo := start; undo < va; undo += ps {
					pte := s.pt.walk(undo, false)
					s.kern.frames.Unref(pte.Frame)
					*pte = PTE{}
				}
				s.regions = append(s.regions[:pos], s.regions[pos+1:]...)
				s.lock.Unlock()
				return ErrExhausted
			}
			pte := s.pt.walk(va, true)
			*pte = PTE{Frame: f, Perm: perm, Present: true}
		}
	}
	s.lock.Unlock()
	trust.Debugf("asid %d: map [%#x,%#x) %s %s", s.asid, start, end, perm, backing)
	return nil
}

// coveredLocked reports whether [start,end) lies entirely inside regions.
func (s *AddrSpace) coveredLocked(start, end uint64) bool {
	cur := start
	for i := range s.regions {
		r := &s.regions[i]
		if r.End <= cur {
			continue
		}
		if r.Start > cur {
			return false
		}
		cur = r.End
		if cur >= end {
			return true
		}
	}
	return cur >= end
}

// Unmap removes [start,start+length).  The range must be fully covered by
// existing regions (ErrNotMapped otherwise); partially covered regions are
// trimmed or split.  Present frames lose one reference and every CPU's
// translation cache drops the affected addresses -- stale translations are a
// silent-corruption hazard, so the shootdown is part of the contract.
func (s *AddrSpace) Unmap(start, length uint64) error {
	if !s.rangeOK(start, length) {
		return ErrBadRequest
	}
	end := start + length

	s.lock.Lock()
	if !s.coveredLocked(start, end) {
		s.lock.Unlock()
		return ErrNotMapped
	}

	out := make([]Region, 0, len(s.regions)+1)
	for _, r := range s.regions {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			left := r
			left.End = start
			if r.src != nil {
				left.src = r.src[:min64(uint64(len(r.src)), start-r.Start)]
			}
			out = append(out, left)
		}
		if r.End > end {
			right := r
			right.Start = end
			if r.src != nil {
				off := end - r.Start
				if off < uint64(len(r.src)) {
					right.src = r.src[off:]
				} else {
					right.src = nil
				}
			}
			out = append(out, right)
		}
	}
	s.regions = out

	ps := s.pageSize()
	for va := start; va < end; va += ps {
		if pte := s.pt.walk(va, false); pte != nil && pte.Present {
			s.kern.frames.Unref(pte.Frame)
			*pte = PTE{}
		}
	}
	s.lock.Unlock()

	s.kern.shootdown(s, start, end)
	trust.Debugf("asid %d: unmap [%#x,%#x)", s.asid, start, end)
	return nil
}

// Protect changes the permission of [start,start+length), which must be
// fully covered by existing regions.  Installed translations are tightened
// to the new permission; widening takes effect lazily on the next fault.
func (s *AddrSpace) Protect(start, length uint64, perm Perm) error {
	if !s.rangeOK(start, length) || perm == 0 {
		return ErrBadRequest
	}
	end := start + length

	s.lock.Lock()
	if !s.coveredLocked(start, end) {
		s.lock.Unlock()
		return ErrNotMapped
	}

	out := make([]Region, 0, len(s.regions)+2)
	for _, r := range s.regions {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			left := r
			left.End = start
			out = append(out, left)
		}
		mid := r
		if mid.Start < start {
			if mid.src != nil {
				mid.src = mid.src[min64(uint64(len(mid.src)), start-mid.Start):]
			}
			mid.Start = start
		}
		if mid.End > end {
			mid.End = end
		}
		mid.Perm = perm
		out = append(out, mid)
		if r.End > end {
			right := r
			if right.src != nil {
				off := end - r.Start
				if off < uint64(len(right.src)) {
					right.src = right.src[off:]
				} else {
					right.src = nil
				}
			}
			right.Start = end
			out = append(out, right)
		}
	}
	s.regions = out

	ps := s.pageSize()
	for va := start; va < end; va += ps {
		if pte := s.pt.walk(va, false); pte != nil && pte.Present {
			pte.Perm &= perm
		}
	}
	s.lock.Unlock()

	s.kern.shootdown(s, start, end)
	return nil
}

// fork produces a new address space sharing every present frame
// copy-on-write.  Shared and device regions keep real shared mappings; all
// other present pages lose their write bit in both spaces and gain a frame
// reference, diverging on first write.
func (s *AddrSpace) fork() *AddrSpace {
	child := s.kern.newSpace()

	s.lock.Lock()
	child.regions = make([]Region, len(s.regions))
	copy(child.regions, s.regions)

	s.pt.each(func(va uint64, pte *PTE) {
		i := s.regionForLocked(va)
		if i < 0 {
			violated("asid %d: present page %#x outside every region", s.asid, va)
		}
		r := &s.regions[i]
		cpte := child.pt.walk(va, true)
		if r.Backing == BackShared || r.Backing == BackDevice {
			*cpte = *pte
			s.kern.frames.Ref(pte.Frame)
			return
		}
		pte.Perm &^= PermWrite
		pte.COW = true
		*cpte = PTE{Frame: pte.Frame, Perm: pte.Perm, Present: true, COW: true}
		s.kern.frames.Ref(pte.Frame)
	})
	first, last := uint64(0), uint64(0)
	if n := len(s.regions); n > 0 {
		first, last = s.regions[0].Start, s.regions[n-1].End
	}
	s.lock.Unlock()

	// parent write permissions changed under every CPU's feet
	if last > first {
		s.kern.shootdown(s, first, last)
	}
	trust.Debugf("asid %d: forked into asid %d", s.asid, child.asid)
	return child
}

func permFor(access AccessKind) Perm {
	switch access {
	case AccessWrite:
		return PermWrite
	case AccessExec:
		return PermExec
	default:
		return PermRead
	}
}

// handleFault resolves a fault at va or reports why it cannot.  Minor faults
// demand-page a backing page in or materialize a private copy under a COW
// write; anything outside a region or beyond its permission is ErrSegFault
// and the caller terminates the process, never the kernel.
func (s *AddrSpace) handleFault(c *CPU, va uint64, access AccessKind) error {
	if va >= s.pt.maxVA() {
		return ErrSegFault
	}
	ps := s.pageSize()
	page := va &^ (ps - 1)

	s.lock.Lock()
	defer s.lock.Unlock()

	i := s.regionForLocked(va)
	if i < 0 {
		return ErrSegFault
	}
	r := &s.regions[i]
	need := permFor(access)
	if r.Perm&need == 0 {
		return ErrSegFault
	}

	pte := s.pt.walk(page, true)
	if !pte.Present {
		f, ok := s.kern.frames.Alloc()
		if !ok {
			return ErrExhausted
		}
		if r.Backing == BackSegment && r.src != nil {
			off := page - r.Start
			if off < uint64(len(r.src)) {
				copy(s.kern.frames.Bytes(f), r.src[off:])
			}
		}
		*pte = PTE{Frame: f, Perm: r.Perm, Present: true}
		return nil
	}

	if access == AccessWrite && pte.Perm&PermWrite == 0 {
		if pte.COW {
			old := pte.Frame
			if s.kern.frames.RefCount(old) == 1 {
				// sole remaining mapper, the frame is private again
				pte.Perm = r.Perm
				pte.COW = false
			} else {
				nf, ok := s.kern.frames.AllocCopy(old)
				if !ok {
					return ErrExhausted
				}
				// install the private copy before dropping the shared
				// reference; the reverse order has a window where the
				// frame could be freed while still mapped
				pte.Frame = nf
				pte.Perm = r.Perm
				pte.COW = false
				s.kern.frames.Unref(old)
				// the frame changed, and every CPU this process ran on
				// may still cache the old translation; a local
				// invalidate would leave a remote CPU mapping the page
				// to the frame the sibling space now owns outright
				s.kern.shootdown(s, page, page+ps)
				return nil
			}
		} else {
			// region allows the write, the translation was just tightened
			pte.Perm = r.Perm
		}
		c.tlbInvalidate(s.asid, page>>s.pt.pageShift, page>>s.pt.pageShift)
		return nil
	}

	// present and permitted: racing fault already resolved it
	return nil
}

// translate resolves va for the given access through c's translation cache,
// filling it on a page-table hit.  A false return means the access must take
// the fault path.
func (s *AddrSpace) translate(c *CPU, va uint64, access AccessKind) (FrameID, bool) {
	ps := s.pageSize()
	pageIdx := va >> s.pt.pageShift
	need := permFor(access)

	if v, ok := c.tlbLookup(s.asid, pageIdx); ok {
		if v.perm&need != 0 {
			return v.frame, true
		}
		return NoFrame, false
	}

	s.lock.Lock()
	pte := s.pt.walk(va&^(ps-1), false)
	if pte == nil || !pte.Present || pte.Perm&need == 0 {
		s.lock.Unlock()
		return NoFrame, false
	}
	v := tlbVal{frame: pte.Frame, perm: pte.Perm}
	s.lock.Unlock()

	c.tlbFill(s.asid, pageIdx, v)
	return v.frame, true
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
