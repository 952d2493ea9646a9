// Package eval is a scalar reference interpreter for buffer-level programs.
//
// It exists for one purpose: executing a program on concrete data before
// and after the rewriter runs, so tests can check that the physical bytes
// of every surviving buffer are unchanged. Conversions materialize through
// the layout index maps into padded physical storage, copies walk their
// iteration domains index by index, and async regions run inline, which is
// the single-threaded reference semantics of a deferred unit.
//
// The interpreter faults on use-after-release and out-of-range physical
// coordinates; a lifetime-adjuster bug surfaces here as an error rather
// than silently reading freed storage.
package eval

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/ir"
	"github.com/kiln-ml/kiln/internal/layout"
)

// storage is one buffer's physical contents. Views share the data slice of
// their source.
type storage struct {
	data  []float64
	shape []int64
	freed bool
}

type interp struct {
	p     *ir.Program
	store map[ir.BufferID]*storage
}

// Execute runs the program with the given block-argument bindings and
// returns the contents of every buffer still allocated at the end.
// Arguments not present in args start zeroed.
func Execute(p *ir.Program, args map[ir.BufferID][]float64) (map[ir.BufferID][]float64, error) {
	in := &interp{p: p, store: make(map[ir.BufferID]*storage)}

	for _, arg := range p.Root.Args {
		s, err := in.newStorage(arg)
		if err != nil {
			return nil, err
		}
		if data, ok := args[arg]; ok {
			if len(data) != len(s.data) {
				return nil, fmt.Errorf("eval: argument %d: got %d elements, storage holds %d", arg, len(data), len(s.data))
			}
			copy(s.data, data)
		}
		in.store[arg] = s
	}

	if err := in.runBlock(p.Root); err != nil {
		return nil, err
	}

	out := make(map[ir.BufferID][]float64)
	for id, s := range in.store {
		if !s.freed {
			out[id] = append([]float64(nil), s.data...)
		}
	}
	return out, nil
}

// storageShape returns the flat storage geometry of a buffer: the logical
// shape for native buffers, the padded physical shape for device buffers.
func storageShape(buf *ir.Buffer) ([]int64, error) {
	if !buf.Shape.IsStatic() {
		return nil, fmt.Errorf("eval: buffer %d has dynamic shape %s", buf.ID, buf.Shape)
	}
	if buf.Layout.IsDevice() {
		return layout.PhysicalShape(buf.Layout.Kind, buf.Shape), nil
	}
	return buf.Shape, nil
}

func (in *interp) newStorage(id ir.BufferID) (*storage, error) {
	shape, err := storageShape(in.p.Buffer(id))
	if err != nil {
		return nil, err
	}
	n := int64(1)
	for _, dim := range shape {
		n *= dim
	}
	return &storage{data: make([]float64, n), shape: shape}, nil
}

func (in *interp) get(id ir.BufferID) (*storage, error) {
	s, ok := in.store[id]
	if !ok {
		return nil, fmt.Errorf("eval: buffer %d used before allocation", id)
	}
	if s.freed {
		return nil, fmt.Errorf("eval: buffer %d used after release", id)
	}
	return s, nil
}

func (in *interp) runBlock(blk *ir.Block) error {
	for _, id := range blk.Ops {
		if err := in.runOp(in.p.Op(id)); err != nil {
			return err
		}
	}
	return nil
}

func (in *interp) runOp(op *ir.Op) error {
	switch op.Kind {
	case ir.OpAlloc:
		s, err := in.newStorage(op.Results[0])
		if err != nil {
			return err
		}
		in.store[op.Results[0]] = s
		return nil

	case ir.OpDealloc:
		s, err := in.get(op.Operands[0])
		if err != nil {
			return err
		}
		s.freed = true
		return nil

	case ir.OpConvertToNative:
		return in.runConversion(op, true)

	case ir.OpConvertToDevice:
		return in.runConversion(op, false)

	case ir.OpCopy:
		src, err := in.get(op.Src())
		if err != nil {
			return err
		}
		dst, err := in.get(op.Dst())
		if err != nil {
			return err
		}
		return forEachPoint(op.Domain, func(point []int64) error {
			v, err := src.load(op.ReadMap.Eval(point))
			if err != nil {
				return err
			}
			return dst.write(op.WriteMap.Eval(point), v)
		})

	case ir.OpConstFill:
		dst, err := in.get(op.Dst())
		if err != nil {
			return err
		}
		return forEachPoint(op.Domain, func(point []int64) error {
			return dst.write(op.WriteMap.Eval(point), op.Fill)
		})

	case ir.OpView:
		src, err := in.get(op.Operands[0])
		if err != nil {
			return err
		}
		shape, err := storageShape(in.p.Buffer(op.Results[0]))
		if err != nil {
			return err
		}
		in.store[op.Results[0]] = &storage{data: src.data, shape: shape}
		return nil

	case ir.OpCompute:
		// Opaque; contributes nothing to the values the rewriter touches.
		return nil

	case ir.OpAsyncRegion:
		return in.runBlock(op.Body)

	case ir.OpYield:
		region := in.p.Op(op.Block().Owner)
		for i, y := range op.Operands {
			s, err := in.get(y)
			if err != nil {
				return err
			}
			in.store[region.Results[i]] = s
		}
		return nil

	case ir.OpAwait:
		s, err := in.get(op.Operands[0])
		if err != nil {
			return err
		}
		in.store[op.Results[0]] = s
		return nil

	default:
		return fmt.Errorf("eval: cannot execute op kind %s", op.Kind)
	}
}

// runConversion moves a full tensor between layouts through the device
// index map. NCHW storage is internally channel-last, so its logical
// coordinates permute before the map applies.
func (in *interp) runConversion(op *ir.Op, toNative bool) error {
	src, err := in.get(op.Src())
	if err != nil {
		return err
	}
	dst, err := in.get(op.Dst())
	if err != nil {
		return err
	}

	var logical ir.Shape
	if toNative {
		logical = in.p.Buffer(op.Dst()).Shape
	} else {
		logical = in.p.Buffer(op.Src()).Shape
	}
	if !logical.IsStatic() {
		return fmt.Errorf("eval: conversion %d over dynamic shape %s", op.ID, logical)
	}

	m := layout.IndexMap(op.LayoutKind)
	if op.LayoutKind == layout.KNCHW {
		m = m.Compose(layout.Permutation(layout.NCHWPermutation))
	}

	return forEachPoint(logical, func(point []int64) error {
		phys := m.Eval(point)
		if toNative {
			v, err := src.load(phys)
			if err != nil {
				return err
			}
			return dst.write(point, v)
		}
		v, err := src.load(point)
		if err != nil {
			return err
		}
		return dst.write(phys, v)
	})
}

func (s *storage) load(coords []int64) (float64, error) {
	off, err := s.offset(coords)
	if err != nil {
		return 0, err
	}
	return s.data[off], nil
}

func (s *storage) write(coords []int64, v float64) error {
	off, err := s.offset(coords)
	if err != nil {
		return err
	}
	s.data[off] = v
	return nil
}

func (s *storage) offset(coords []int64) (int64, error) {
	if len(coords) != len(s.shape) {
		return 0, fmt.Errorf("eval: %d coordinates into rank-%d storage", len(coords), len(s.shape))
	}
	off := int64(0)
	for i, c := range coords {
		if c < 0 || c >= s.shape[i] {
			return 0, fmt.Errorf("eval: coordinate %d out of range [0, %d) at axis %d", c, s.shape[i], i)
		}
		off = off*s.shape[i] + c
	}
	return off, nil
}

// forEachPoint walks a bounded iteration domain in row-major order.
func forEachPoint(domain []int64, fn func(point []int64) error) error {
	for _, dim := range domain {
		if dim <= 0 {
			return nil
		}
	}
	point := make([]int64, len(domain))
	for {
		if err := fn(point); err != nil {
			return err
		}
		i := len(domain) - 1
		for ; i >= 0; i-- {
			point[i]++
			if point[i] < domain[i] {
				break
			}
			point[i] = 0
		}
		if i < 0 {
			return nil
		}
	}
}
