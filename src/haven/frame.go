package haven

import (
	"reverie/src/lib/upbeat"
)

type FrameID uint32

const NoFrame = ^FrameID(0)

// FramePool owns every physical frame in the machine.  Frames are
// reference-counted because copy-on-write and explicit sharing let several
// address spaces map the same frame; a frame returns to the pool only when
// the last mapping drops.  Contents are real bytes so divergence after a COW
// split is observable.
type FramePool struct {
	pageSize uint64

	lock  Spin
	inUse *upbeat.BitSet
	hint  uint32
	free  uint32
	refs  []int32
	data  [][]byte
}

func newFramePool(frames uint32, pageSize uint64) *FramePool {
	return &FramePool{
		pageSize: pageSize,
		inUse:    upbeat.NewBitSet(frames),
		free:     frames,
		refs:     make([]int32, frames),
		data:     make([][]byte, frames),
	}
}

// Alloc returns a zeroed frame with reference count 1, or NoFrame when the
// pool is exhausted.
func (fp *FramePool) Alloc() (FrameID, bool) {
	fp.lock.Lock()
	idx, ok := fp.inUse.FirstClear(upbeat.BitIndex(fp.hint))
	if !ok || uint32(idx) >= uint32(len(fp.refs)) {
		// FirstClear can land in the rounded-up tail of the bitset
		idx, ok = fp.inUse.FirstClear(0)
	}
	if !ok || uint32(idx) >= uint32(len(fp.refs)) {
		fp.lock.Unlock()
		return NoFrame, false
	}
	fp.inUse.Set(idx)
	fp.hint = uint32(idx) + 1
	fp.free--
	f := FrameID(idx)
	fp.refs[f] = 1
	fp.lock.Unlock()

	b := fp.data[f]
	if b == nil {
		fp.data[f] = make([]byte, fp.pageSize)
	} else {
		clear(b)
	}
	return f, true
}

// AllocCopy returns a new frame whose contents duplicate src.
func (fp *FramePool) AllocCopy(src FrameID) (FrameID, bool) {
	f, ok := fp.Alloc()
	if !ok {
		return NoFrame, false
	}
	copy(fp.data[f], fp.data[src])
	return f, true
}

// Bytes is the frame's contents.  Valid only while the caller holds a
// reference.
func (fp *FramePool) Bytes(f FrameID) []byte {
	return fp.data[f]
}

func (fp *FramePool) Ref(f FrameID) {
	fp.lock.Lock()
	if !fp.inUse.On(upbeat.BitIndex(f)) {
		fp.lock.Unlock()
		violated("ref of unallocated frame %d", f)
	}
	fp.refs[f]++
	fp.lock.Unlock()
}

// Unref drops one reference, freeing the frame at zero.
func (fp *FramePool) Unref(f FrameID) {
	fp.lock.Lock()
	if !fp.inUse.On(upbeat.BitIndex(f)) {
		fp.lock.Unlock()
		violated("unref of unallocated frame %d", f)
	}
	fp.refs[f]--
	if fp.refs[f] < 0 {
		fp.lock.Unlock()
		violated("frame %d reference count went negative", f)
	}
	if fp.refs[f] == 0 {
		fp.inUse.Clear(upbeat.BitIndex(f))
		fp.free++
	}
	fp.lock.Unlock()
}

// RefCount is a test and assertion hook.
func (fp *FramePool) RefCount(f FrameID) int32 {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	return fp.refs[f]
}

// Free is how many frames remain allocatable.
func (fp *FramePool) Free() uint32 {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	return fp.free
}

func (fp *FramePool) PageSize() uint64 {
	return fp.pageSize
}
