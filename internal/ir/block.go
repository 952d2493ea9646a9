package ir

// Block is an ordered sequence of operations. The root block belongs to the
// program; nested blocks belong to async regions. Positions in the order
// decide dominance for allocation motion, so moves and insertions are
// expressed as updates to this order.
type Block struct {
	// Ops holds the block's operations in execution order.
	Ops []OpID
	// Args are buffers defined by the block itself rather than by an op.
	Args []BufferID
	// Owner is the region op the block is the body of, or InvalidOp for
	// the root block.
	Owner OpID
}

// index returns the position of op in the block, or -1.
func (blk *Block) index(op OpID) int {
	for i, id := range blk.Ops {
		if id == op {
			return i
		}
	}
	return -1
}

// remove deletes op from the block order.
func (blk *Block) remove(op OpID) {
	if i := blk.index(op); i >= 0 {
		blk.Ops = append(blk.Ops[:i], blk.Ops[i+1:]...)
	}
}

// insertAt places op at position i in the block order.
func (blk *Block) insertAt(i int, op OpID) {
	blk.Ops = append(blk.Ops, InvalidOp)
	copy(blk.Ops[i+1:], blk.Ops[i:])
	blk.Ops[i] = op
}
