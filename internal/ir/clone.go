package ir

// Clone deep-copies the program. IDs are preserved, so positions and
// def-use structure of the copy mirror the original exactly; the testable
// idempotence property compares a cloned "before" against the rewritten
// "after".
func (p *Program) Clone() *Program {
	out := &Program{
		ops:     make([]Op, len(p.ops)),
		buffers: make([]Buffer, len(p.buffers)),
	}

	blockMap := make(map[*Block]*Block)
	var cloneBlock func(blk *Block) *Block
	cloneBlock = func(blk *Block) *Block {
		nb := &Block{
			Ops:   append([]OpID(nil), blk.Ops...),
			Args:  append([]BufferID(nil), blk.Args...),
			Owner: blk.Owner,
		}
		blockMap[blk] = nb
		for _, id := range blk.Ops {
			if body := p.Op(id).Body; body != nil {
				cloneBlock(body)
			}
		}
		return nb
	}
	out.Root = cloneBlock(p.Root)

	for i := range p.ops {
		src := &p.ops[i]
		dst := &out.ops[i]
		*dst = *src
		dst.Operands = append([]BufferID(nil), src.Operands...)
		dst.Results = append([]BufferID(nil), src.Results...)
		dst.Domain = append([]int64(nil), src.Domain...)
		if src.Body != nil {
			dst.Body = blockMap[src.Body]
		}
		if src.block != nil {
			dst.block = blockMap[src.block]
		}
	}

	for i := range p.buffers {
		src := &p.buffers[i]
		dst := &out.buffers[i]
		*dst = *src
		dst.Shape = src.Shape.Clone()
		if src.consumers != nil {
			dst.consumers = make(map[OpID]int, len(src.consumers))
			for k, v := range src.consumers {
				dst.consumers[k] = v
			}
		}
	}
	return out
}
