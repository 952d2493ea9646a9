// Package ir holds the buffer-level program graph the layout rewriter
// operates on: buffers, the closed operation set, ordered blocks and the
// def-use indexes every rewrite rule queries.
//
// Ops and buffers live in arenas addressed by stable IDs, so rewrites never
// invalidate references held by an in-flight pattern sweep. Consumer lists
// are explicit index sets maintained by the mutators here; rules read them,
// never iterator state.
package ir

import (
	"github.com/cockroachdb/errors"
)

// Program is a buffer-level program graph: arenas of operations and
// buffers, a root block, and nested region blocks. It is produced by the
// upstream lowering stage and mutated in place by the rewriter.
type Program struct {
	ops     []Op
	buffers []Buffer
	Root    *Block
}

// NewProgram creates an empty program with a root block.
func NewProgram() *Program {
	return &Program{Root: &Block{Owner: InvalidOp}}
}

// Op returns the arena entry for id. The pointer stays valid across
// rewrites; check Dead before matching on it.
func (p *Program) Op(id OpID) *Op {
	return &p.ops[id]
}

// Buffer returns the arena entry for id.
func (p *Program) Buffer(id BufferID) *Buffer {
	return &p.buffers[id]
}

// NumOps returns the arena size, including dead entries.
func (p *Program) NumOps() int {
	return len(p.ops)
}

// Producer returns the op defining the buffer and true, or InvalidOp and
// false for block arguments.
func (p *Program) Producer(b BufferID) (OpID, bool) {
	buf := p.Buffer(b)
	if buf.Arg {
		return InvalidOp, false
	}
	return buf.Producer, buf.Producer != InvalidOp
}

// Consumers returns the live ops referencing b as an operand, in
// deterministic order.
func (p *Program) Consumers(b BufferID) []OpID {
	return p.Buffer(b).consumerIDs()
}

// Blocks returns every block of the program, root first, regions in
// program order.
func (p *Program) Blocks() []*Block {
	blocks := []*Block{p.Root}
	p.ForEachOp(func(op *Op) {
		if op.Body != nil {
			blocks = append(blocks, op.Body)
		}
	})
	return blocks
}

// ForEachOp visits every live op in program order, descending into region
// bodies right after the region op itself. The visit order is captured up
// front, so fn may erase ops (including the visited one) freely; ops it
// inserts are not visited in the same sweep.
func (p *Program) ForEachOp(fn func(op *Op)) {
	var order []OpID
	var collect func(blk *Block)
	collect = func(blk *Block) {
		for _, id := range blk.Ops {
			order = append(order, id)
			if body := p.Op(id).Body; body != nil {
				collect(body)
			}
		}
	}
	collect(p.Root)
	for _, id := range order {
		if op := p.Op(id); !op.Dead {
			fn(op)
		}
	}
}

// IsBefore reports whether a precedes b. Both must sit in the same block.
func (p *Program) IsBefore(a, b OpID) bool {
	blk := p.Op(a).block
	if blk != p.Op(b).block {
		panic("ir: IsBefore across blocks")
	}
	return blk.index(a) < blk.index(b)
}

// newOp appends an op to the arena and registers its operand uses. The
// caller places it into a block.
func (p *Program) newOp(op Op) OpID {
	op.ID = OpID(len(p.ops))
	p.ops = append(p.ops, op)
	for _, b := range op.Operands {
		p.Buffer(b).addConsumer(op.ID)
	}
	return op.ID
}

// newBuffer appends a buffer to the arena.
func (p *Program) newBuffer(shape Shape, dtype DataType, l Layout, producer OpID, arg bool) BufferID {
	id := BufferID(len(p.buffers))
	p.buffers = append(p.buffers, Buffer{
		ID:       id,
		Shape:    shape.Clone(),
		DType:    dtype,
		Layout:   l,
		Producer: producer,
		Arg:      arg,
	})
	return id
}

// ReplaceAllUses rewires every operand reference of old to new. Producer
// records are untouched; erase old's producer separately if it dies.
func (p *Program) ReplaceAllUses(old, new BufferID) {
	if old == new {
		return
	}
	for _, id := range p.Buffer(old).consumerIDs() {
		op := p.Op(id)
		for i, b := range op.Operands {
			if b == old {
				op.Operands[i] = new
				p.Buffer(old).removeConsumer(id)
				p.Buffer(new).addConsumer(id)
			}
		}
	}
}

// ReplaceOperand rewires a single op's references of old to new.
func (p *Program) ReplaceOperand(op OpID, old, new BufferID) {
	o := p.Op(op)
	for i, b := range o.Operands {
		if b == old {
			o.Operands[i] = new
			p.Buffer(old).removeConsumer(op)
			p.Buffer(new).addConsumer(op)
		}
	}
}

// EraseOp removes the op from its block, unregisters its operand uses and
// marks it and its result buffers dead. Result buffers must have no
// remaining consumers; rewire them first.
func (p *Program) EraseOp(id OpID) {
	op := p.Op(id)
	if op.Dead {
		return
	}
	for _, r := range op.Results {
		if n := p.Buffer(r).NumConsumers(); n != 0 {
			panic(errors.AssertionFailedf("erasing op %d leaves buffer %d with %d consumers", id, r, n))
		}
	}
	for _, b := range op.Operands {
		p.Buffer(b).removeConsumer(id)
	}
	if op.block != nil {
		op.block.remove(id)
	}
	for _, r := range op.Results {
		p.Buffer(r).Dead = true
	}
	op.Dead = true
}

// MoveBefore repositions op immediately before anchor, possibly hoisting it
// out of a nested block.
func (p *Program) MoveBefore(op, anchor OpID) {
	p.move(op, anchor, 0)
}

// MoveAfter repositions op immediately after anchor.
func (p *Program) MoveAfter(op, anchor OpID) {
	p.move(op, anchor, 1)
}

func (p *Program) move(op, anchor OpID, offset int) {
	if op == anchor {
		return
	}
	o := p.Op(op)
	dst := p.Op(anchor).block
	o.block.remove(op)
	dst.insertAt(dst.index(anchor)+offset, op)
	o.block = dst
}

// Verify checks the invariants the upstream lowering guarantees by
// construction. A violation is an internal-consistency failure: the graph
// is already broken and rewriting must not continue.
func (p *Program) Verify() error {
	for i := range p.buffers {
		buf := &p.buffers[i]
		if buf.Dead {
			continue
		}
		if !buf.Arg {
			if buf.Producer == InvalidOp {
				return errors.AssertionFailedf("buffer %d has no producer", buf.ID)
			}
			prod := p.Op(buf.Producer)
			if prod.Dead {
				return errors.AssertionFailedf("buffer %d produced by dead op %d", buf.ID, buf.Producer)
			}
			found := false
			for _, r := range prod.Results {
				found = found || r == buf.ID
			}
			if !found {
				return errors.AssertionFailedf("buffer %d not among results of its producer %d", buf.ID, buf.Producer)
			}
		}
		if buf.Layout.IsDevice() {
			if !buf.Layout.Kind.Valid() {
				return errors.AssertionFailedf("buffer %d has unrecognized device layout kind %d", buf.ID, buf.Layout.Kind)
			}
			if buf.Shape.Rank() != buf.Layout.Kind.Rank() {
				return errors.AssertionFailedf("buffer %d: layout %s expects rank %d, shape is %s",
					buf.ID, buf.Layout.Kind, buf.Layout.Kind.Rank(), buf.Shape)
			}
		}
		for _, id := range buf.consumerIDs() {
			if p.Op(id).Dead {
				return errors.AssertionFailedf("buffer %d lists dead op %d as consumer", buf.ID, id)
			}
		}
	}

	var err error
	p.ForEachOp(func(op *Op) {
		if err != nil {
			return
		}
		err = p.verifyOp(op)
	})
	return err
}

func (p *Program) verifyOp(op *Op) error {
	for _, b := range op.Operands {
		if p.Buffer(b).Dead {
			return errors.AssertionFailedf("op %d (%s) reads dead buffer %d", op.ID, op.Kind, b)
		}
		if !p.Buffer(b).HasConsumer(op.ID) {
			return errors.AssertionFailedf("op %d (%s) missing from consumer set of buffer %d", op.ID, op.Kind, b)
		}
	}

	switch op.Kind {
	case OpConvertToNative:
		src, dst := p.Buffer(op.Src()), p.Buffer(op.Dst())
		if !src.Layout.IsDevice() || !dst.Layout.IsNative() {
			return errors.AssertionFailedf("to_native %d connects %s to %s", op.ID, src.Layout, dst.Layout)
		}
		if op.LayoutKind != src.Layout.Kind {
			return errors.AssertionFailedf("to_native %d tagged %s but source is %s", op.ID, op.LayoutKind, src.Layout)
		}
	case OpConvertToDevice:
		src, dst := p.Buffer(op.Src()), p.Buffer(op.Dst())
		if !src.Layout.IsNative() || !dst.Layout.IsDevice() {
			return errors.AssertionFailedf("to_device %d connects %s to %s", op.ID, src.Layout, dst.Layout)
		}
		if op.LayoutKind != dst.Layout.Kind {
			return errors.AssertionFailedf("to_device %d tagged %s but destination is %s", op.ID, op.LayoutKind, dst.Layout)
		}
	case OpCopy:
		src, dst := p.Buffer(op.Src()), p.Buffer(op.Dst())
		if src.DType != dst.DType && !op.SrcAdapted && !op.DstAdapted {
			return errors.AssertionFailedf("copy %d moves %s into %s without a type adapter", op.ID, src.DType, dst.DType)
		}
		if op.ReadMap.NumDims != len(op.Domain) || op.WriteMap.NumDims != len(op.Domain) {
			return errors.AssertionFailedf("copy %d maps disagree with its %d-d domain", op.ID, len(op.Domain))
		}
	case OpConstFill:
		if op.WriteMap.NumDims != len(op.Domain) {
			return errors.AssertionFailedf("const_fill %d map disagrees with its %d-d domain", op.ID, len(op.Domain))
		}
	case OpYield:
		if op.block.Owner == InvalidOp {
			return errors.AssertionFailedf("yield %d outside a region body", op.ID)
		}
		if op.block.Ops[len(op.block.Ops)-1] != op.ID {
			return errors.AssertionFailedf("yield %d is not its block's terminator", op.ID)
		}
	case OpAwait:
		src := p.Buffer(op.Operands[0])
		if src.Arg || p.Op(src.Producer).Kind != OpAsyncRegion {
			return errors.AssertionFailedf("await %d operand is not an async region result", op.ID)
		}
	case OpAlloc, OpDealloc, OpView, OpCompute, OpAsyncRegion:
		// Structure enforced at construction.
	default:
		return errors.AssertionFailedf("op %d has unrecognized kind %d", op.ID, uint8(op.Kind))
	}
	return nil
}
