package ir

import (
	"github.com/kiln-ml/kiln/internal/layout"
)

// OpID is a stable arena index for an operation.
type OpID int32

// InvalidOp marks the absence of an operation.
const InvalidOp OpID = -1

// OpKind discriminates the closed set of operations the rewriter
// understands. Every rule site switches exhaustively over this set.
type OpKind uint8

// Operation kinds.
const (
	OpInvalid OpKind = iota

	// OpAlloc defines a buffer and brackets the start of its storage
	// lifetime. Operands, if any, are buffers supplying dynamic extents.
	OpAlloc
	// OpDealloc releases the storage of its single operand.
	OpDealloc

	// OpConvertToNative copies a packed device buffer (operand 0) into a
	// native buffer (operand 1), materializing the full tensor.
	OpConvertToNative
	// OpConvertToDevice copies a native buffer (operand 0) into a packed
	// device buffer (operand 1).
	OpConvertToDevice

	// OpCopy is an elementwise copy loop: for every point of its iteration
	// domain it reads operand 0 through ReadMap and writes operand 1
	// through WriteMap. Transposes, concat assembly, slice assembly and
	// padding all lower to copies.
	OpCopy
	// OpConstFill writes a scalar constant through WriteMap over its
	// domain into operand 0. Padding chains produce these.
	OpConstFill

	// OpView reinterprets the shape of operand 0 without moving data; its
	// result aliases the operand's storage.
	OpView

	// OpCompute stands for any opaque computation consuming and producing
	// buffers (a matmul, say). The rewriter never touches these; they only
	// matter as consumers that block a match.
	OpCompute

	// OpAsyncRegion is a deferred computation unit. Operands are the
	// captured external inputs; Body holds the deferred ops and ends in an
	// OpYield; Results are the region's not-yet-available values.
	OpAsyncRegion
	// OpAwait is the synchronization point releasing one region result
	// (operand 0) into its result buffer.
	OpAwait
	// OpYield terminates a region body, yielding its operands as the
	// region's results.
	OpYield
)

// String returns the operation mnemonic.
func (k OpKind) String() string {
	switch k {
	case OpAlloc:
		return "alloc"
	case OpDealloc:
		return "dealloc"
	case OpConvertToNative:
		return "to_native"
	case OpConvertToDevice:
		return "to_device"
	case OpCopy:
		return "copy"
	case OpConstFill:
		return "const_fill"
	case OpView:
		return "view"
	case OpCompute:
		return "compute"
	case OpAsyncRegion:
		return "async_region"
	case OpAwait:
		return "await"
	case OpYield:
		return "yield"
	default:
		return "invalid"
	}
}

// ViewKind identifies a concrete shape-reinterpretation operation. All of
// them share the view-like capability: the result aliases the operand.
type ViewKind uint8

// View kinds.
const (
	ViewReshape ViewKind = iota
	ViewCollapseShape
	ViewExpandShape
)

// String returns the view mnemonic suffix.
func (v ViewKind) String() string {
	switch v {
	case ViewReshape:
		return "reshape"
	case ViewCollapseShape:
		return "collapse_shape"
	case ViewExpandShape:
		return "expand_shape"
	default:
		return "unknown"
	}
}

// Op is one operation in the arena. Fields beyond ID, Kind, Operands and
// Results are populated per kind; unused ones stay zero.
type Op struct {
	ID   OpID
	Kind OpKind

	// Operands are the buffers the op reads or writes, in the role order
	// documented on each OpKind.
	Operands []BufferID
	// Results are the buffers the op defines (alloc, view, region, await).
	Results []BufferID

	// LayoutKind is the device layout involved in a conversion.
	LayoutKind layout.Kind

	// ReadMap/WriteMap/Domain describe a copy or const-fill iteration:
	// both maps take a point of the domain; ReadMap addresses the source
	// storage and WriteMap the destination storage.
	ReadMap  layout.Map
	WriteMap layout.Map
	Domain   []int64

	// Fill is the constant written by a const_fill.
	Fill float64

	// SrcAdapted/DstAdapted mark the identity element-type adapters that
	// forwarding wraps around a copy's loaded and stored values once the
	// copy addresses packed storage directly. They carry no computation.
	SrcAdapted bool
	DstAdapted bool

	// View is the concrete reinterpretation kind of an OpView.
	View ViewKind

	// Body is the nested block of an async region.
	Body *Block

	block *Block
	Dead  bool
}

// IsViewLike reports whether the op carries the view-like capability: its
// result aliases its operand's storage. All concrete ViewKinds do.
func (o *Op) IsViewLike() bool {
	return o.Kind == OpView
}

// IsConversion reports whether the op converts between layouts.
func (o *Op) IsConversion() bool {
	return o.Kind == OpConvertToNative || o.Kind == OpConvertToDevice
}

// Src returns the source buffer of a conversion, copy or const-fill.
func (o *Op) Src() BufferID {
	switch o.Kind {
	case OpConvertToNative, OpConvertToDevice, OpCopy:
		return o.Operands[0]
	default:
		panic("ir: Src on " + o.Kind.String())
	}
}

// Dst returns the destination buffer of a conversion, copy or const-fill.
func (o *Op) Dst() BufferID {
	switch o.Kind {
	case OpConvertToNative, OpConvertToDevice, OpCopy:
		return o.Operands[1]
	case OpConstFill:
		return o.Operands[0]
	default:
		panic("ir: Dst on " + o.Kind.String())
	}
}

// Block returns the block the op currently sits in.
func (o *Op) Block() *Block {
	return o.block
}
