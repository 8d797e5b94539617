package haven

// Segment is one loadable segment as produced by the ELF loader, which is an
// external collaborator: relocation and symbol logic live there, this core
// only consumes the result.  Content shorter than Len zero-fills the tail,
// the usual .bss arrangement.
type Segment struct {
	Vaddr   uint64
	Len     uint64
	Perm    Perm
	Content []byte
}

func validateSegments(segs []Segment, pageSize uint64) error {
	for i, seg := range segs {
		if seg.Len == 0 || seg.Vaddr%pageSize != 0 || seg.Len%pageSize != 0 {
			return ErrBadRequest
		}
		if seg.Perm == 0 || uint64(len(seg.Content)) > seg.Len {
			return ErrBadRequest
		}
		for j := 0; j < i; j++ {
			if seg.Vaddr < segs[j].Vaddr+segs[j].Len && segs[j].Vaddr < seg.Vaddr+seg.Len {
				return ErrOverlap
			}
		}
	}
	return nil
}
