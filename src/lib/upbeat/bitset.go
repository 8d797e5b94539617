package upbeat

type BitSet struct {
	size uint32
	data []uint64
}

type BitIndex uint32

// NewBitSet allocates a bitset with all bits clear.  Sizes are rounded up to a
// multiple of 64 so the word arithmetic never has a ragged tail.
func NewBitSet(size uint32) *BitSet {
	words := (size + 63) >> 6
	return &BitSet{
		size: words << 6,
		data: make([]uint64, words),
	}
}

func (b *BitSet) Size() uint32 {
	return b.size
}

func (b *BitSet) On(bit BitIndex) bool {
	return b.data[bit>>6]&(uint64(1)<<(bit%64)) != 0
}

func (b *BitSet) Set(bit BitIndex) {
	b.data[bit>>6] |= uint64(1) << (bit % 64)
}

func (b *BitSet) Clear(bit BitIndex) {
	b.data[bit>>6] &^= uint64(1) << (bit % 64)
}

func (b *BitSet) ClearAll() {
	for i := range b.data {
		b.data[i] = 0
	}
}

// FirstClear returns the index of the first clear bit at or after from,
// wrapping around once.  The second return is false when every bit is set.
func (b *BitSet) FirstClear(from BitIndex) (BitIndex, bool) {
	n := BitIndex(b.size)
	for off := BitIndex(0); off < n; off++ {
		i := (from + off) % n
		if !b.On(i) {
			return i, true
		}
	}
	return 0, false
}
