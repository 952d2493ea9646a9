// Package ir provides the public API for building and inspecting the
// buffer-level program graphs the kiln rewriter operates on.
//
// The package re-exports the core types from the internal implementation:
//   - Program: the operation/buffer arena with def-use queries
//   - Builder: appends operations at an insertion point
//   - Buffer, Op, Block: the graph nodes
//   - Shape, DataType, Layout: buffer typing
//
// Example:
//
//	p := ir.NewProgram()
//	b := ir.NewBuilder(p)
//	dev := b.Arg(ir.Shape{2, 3, 4}, ir.Float16, ir.Device(layout.K3D))
//	nat := b.Alloc(ir.Shape{2, 3, 4}, ir.Float32, ir.Native())
//	b.ConvertToNative(dev, nat)
package ir

import (
	"github.com/kiln-ml/kiln/internal/ir"
)

// Core graph types.

// Program is a buffer-level program graph.
type Program = ir.Program

// Builder appends operations to a program at an insertion point.
type Builder = ir.Builder

// Buffer is a tensor value with shape, element type and layout tag.
type Buffer = ir.Buffer

// Op is one operation in the graph.
type Op = ir.Op

// Block is an ordered sequence of operations.
type Block = ir.Block

// Identifier types.

// BufferID is a stable arena index for a buffer.
type BufferID = ir.BufferID

// OpID is a stable arena index for an operation.
type OpID = ir.OpID

// Sentinel identifiers.
const (
	InvalidBuffer = ir.InvalidBuffer
	InvalidOp     = ir.InvalidOp
)

// Buffer typing.

// Shape represents the logical dimensions of a buffer.
type Shape = ir.Shape

// DynamicDim marks a dimension whose extent is unknown until run time.
const DynamicDim = ir.DynamicDim

// DataType represents the element type of a buffer.
type DataType = ir.DataType

// Element types.
const (
	Float32 = ir.Float32
	Float16 = ir.Float16
)

// Layout tags a buffer with the storage world it lives in.
type Layout = ir.Layout

// Native returns the native layout tag.
func Native() Layout { return ir.Native() }

// Device returns the device layout tag for a kind.
var Device = ir.Device

// Operation kinds.

// OpKind discriminates the closed operation set.
type OpKind = ir.OpKind

// Operation kinds.
const (
	OpAlloc           = ir.OpAlloc
	OpDealloc         = ir.OpDealloc
	OpConvertToNative = ir.OpConvertToNative
	OpConvertToDevice = ir.OpConvertToDevice
	OpCopy            = ir.OpCopy
	OpConstFill       = ir.OpConstFill
	OpView            = ir.OpView
	OpCompute         = ir.OpCompute
	OpAsyncRegion     = ir.OpAsyncRegion
	OpAwait           = ir.OpAwait
	OpYield           = ir.OpYield
)

// ViewKind identifies a concrete shape-reinterpretation operation.
type ViewKind = ir.ViewKind

// View kinds.
const (
	ViewReshape       = ir.ViewReshape
	ViewCollapseShape = ir.ViewCollapseShape
	ViewExpandShape   = ir.ViewExpandShape
)

// Constructors.

// NewProgram creates an empty program with a root block.
func NewProgram() *Program { return ir.NewProgram() }

// NewBuilder returns a builder appending to the end of the root block.
func NewBuilder(p *Program) *Builder { return ir.NewBuilder(p) }
