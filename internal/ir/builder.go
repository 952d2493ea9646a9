package ir

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/layout"
)

// Builder appends operations to a program at an insertion point. Misuse
// (wrong layout classes, mismatched ranks) panics: builders run in the
// upstream lowering stage and in tests, where a malformed graph is a
// programming error, not input.
type Builder struct {
	p   *Program
	blk *Block
	pos int
}

// NewBuilder returns a builder appending to the end of the root block.
func NewBuilder(p *Program) *Builder {
	return &Builder{p: p, blk: p.Root, pos: len(p.Root.Ops)}
}

// Program returns the program under construction.
func (b *Builder) Program() *Program {
	return b.p
}

// SetInsertionPointAfter makes the builder insert right after op.
func (b *Builder) SetInsertionPointAfter(op OpID) {
	blk := b.p.Op(op).block
	b.blk = blk
	b.pos = blk.index(op) + 1
}

// SetInsertionPointBefore makes the builder insert right before op.
func (b *Builder) SetInsertionPointBefore(op OpID) {
	blk := b.p.Op(op).block
	b.blk = blk
	b.pos = blk.index(op)
}

// SetInsertionPointToEnd makes the builder append to blk.
func (b *Builder) SetInsertionPointToEnd(blk *Block) {
	b.blk = blk
	b.pos = len(blk.Ops)
}

func (b *Builder) insert(op Op) OpID {
	op.block = b.blk
	id := b.p.newOp(op)
	b.blk.insertAt(b.pos, id)
	b.pos++
	return id
}

// Arg adds a block argument buffer to the builder's current block.
func (b *Builder) Arg(shape Shape, dtype DataType, l Layout) BufferID {
	id := b.p.newBuffer(shape, dtype, l, InvalidOp, true)
	b.blk.Args = append(b.blk.Args, id)
	return id
}

// Alloc defines a buffer and brackets the start of its lifetime. dynDims
// supply extents for dynamic dimensions, in order.
func (b *Builder) Alloc(shape Shape, dtype DataType, l Layout, dynDims ...BufferID) BufferID {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("ir: alloc: %v", err))
	}
	buf := b.p.newBuffer(shape, dtype, l, InvalidOp, false)
	op := b.insert(Op{Kind: OpAlloc, Operands: dynDims, Results: []BufferID{buf}})
	b.p.Buffer(buf).Producer = op
	return buf
}

// Dealloc releases buf's storage.
func (b *Builder) Dealloc(buf BufferID) OpID {
	return b.insert(Op{Kind: OpDealloc, Operands: []BufferID{buf}})
}

// ConvertToNative copies packed device buffer src into native buffer dst.
func (b *Builder) ConvertToNative(src, dst BufferID) OpID {
	s, d := b.p.Buffer(src), b.p.Buffer(dst)
	if !s.Layout.IsDevice() || !d.Layout.IsNative() {
		panic(fmt.Sprintf("ir: to_native connects %s to %s", s.Layout, d.Layout))
	}
	return b.insert(Op{
		Kind:       OpConvertToNative,
		Operands:   []BufferID{src, dst},
		LayoutKind: s.Layout.Kind,
	})
}

// ConvertToDevice copies native buffer src into packed device buffer dst.
func (b *Builder) ConvertToDevice(src, dst BufferID) OpID {
	s, d := b.p.Buffer(src), b.p.Buffer(dst)
	if !s.Layout.IsNative() || !d.Layout.IsDevice() {
		panic(fmt.Sprintf("ir: to_device connects %s to %s", s.Layout, d.Layout))
	}
	return b.insert(Op{
		Kind:       OpConvertToDevice,
		Operands:   []BufferID{src, dst},
		LayoutKind: d.Layout.Kind,
	})
}

// Copy builds an elementwise copy loop over domain, reading src through
// read and writing dst through write.
func (b *Builder) Copy(src, dst BufferID, read, write layout.Map, domain []int64) OpID {
	if read.NumDims != len(domain) || write.NumDims != len(domain) {
		panic(fmt.Sprintf("ir: copy maps disagree with %d-d domain", len(domain)))
	}
	return b.insert(Op{
		Kind:     OpCopy,
		Operands: []BufferID{src, dst},
		ReadMap:  read,
		WriteMap: write,
		Domain:   append([]int64(nil), domain...),
	})
}

// ConstFill writes value into dst through write over domain.
func (b *Builder) ConstFill(dst BufferID, value float64, write layout.Map, domain []int64) OpID {
	if write.NumDims != len(domain) {
		panic(fmt.Sprintf("ir: const_fill map disagrees with %d-d domain", len(domain)))
	}
	return b.insert(Op{
		Kind:     OpConstFill,
		Operands: []BufferID{dst},
		WriteMap: write,
		Domain:   append([]int64(nil), domain...),
		Fill:     value,
	})
}

// View reinterprets src's shape without moving data. The result aliases
// src's storage and keeps its layout and element type.
func (b *Builder) View(src BufferID, kind ViewKind, shape Shape) BufferID {
	s := b.p.Buffer(src)
	if s.Shape.IsStatic() && shape.IsStatic() && s.Shape.NumElements() != shape.NumElements() {
		panic(fmt.Sprintf("ir: view reinterprets %s as %s", s.Shape, shape))
	}
	buf := b.p.newBuffer(shape, s.DType, s.Layout, InvalidOp, false)
	op := b.insert(Op{Kind: OpView, View: kind, Operands: []BufferID{src}, Results: []BufferID{buf}})
	b.p.Buffer(buf).Producer = op
	return buf
}

// Compute builds an opaque computation over the given buffers.
func (b *Builder) Compute(bufs ...BufferID) OpID {
	return b.insert(Op{Kind: OpCompute, Operands: bufs})
}

// AsyncRegion opens a deferred computation capturing the given buffers.
// The returned builder appends into the region body; terminate it with
// Yield before building the await.
func (b *Builder) AsyncRegion(captured ...BufferID) (OpID, *Builder) {
	body := &Block{}
	op := b.insert(Op{Kind: OpAsyncRegion, Operands: captured, Body: body})
	body.Owner = op
	return op, &Builder{p: b.p, blk: body}
}

// Yield terminates a region body, defining one region result per yielded
// buffer. It must be called on the region body's builder.
func (b *Builder) Yield(bufs ...BufferID) OpID {
	region := b.blk.Owner
	if region == InvalidOp {
		panic("ir: yield outside a region body")
	}
	op := b.insert(Op{Kind: OpYield, Operands: bufs})
	regionOp := b.p.Op(region)
	for _, id := range bufs {
		buf := b.p.Buffer(id)
		res := b.p.newBuffer(buf.Shape, buf.DType, buf.Layout, region, false)
		regionOp.Results = append(regionOp.Results, res)
	}
	return op
}

// Await releases region result i into a new buffer in the builder's block.
func (b *Builder) Await(region OpID, i int) BufferID {
	regionOp := b.p.Op(region)
	if regionOp.Kind != OpAsyncRegion {
		panic("ir: await on " + regionOp.Kind.String())
	}
	src := b.p.Buffer(regionOp.Results[i])
	buf := b.p.newBuffer(src.Shape, src.DType, src.Layout, InvalidOp, false)
	op := b.insert(Op{Kind: OpAwait, Operands: []BufferID{src.ID}, Results: []BufferID{buf}})
	b.p.Buffer(buf).Producer = op
	return buf
}
