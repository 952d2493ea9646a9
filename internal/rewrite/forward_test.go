package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/eval"
	"github.com/kiln-ml/kiln/internal/ir"
	"github.com/kiln-ml/kiln/internal/layout"
)

// physRamp fills a device argument's full physical storage with a ramp.
func physRamp(kind layout.Kind, shape ir.Shape) []float64 {
	n := int64(1)
	for _, dim := range layout.PhysicalShape(kind, shape) {
		n *= dim
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(i + 1)
	}
	return data
}

// runAndCompare executes the program before and after the pass and checks
// that every buffer surviving both runs holds identical values.
func runAndCompare(t *testing.T, p *ir.Program, args map[ir.BufferID][]float64) {
	t.Helper()
	before := p.Clone()
	runPass(t, p)

	wantOut, err := eval.Execute(before, args)
	require.NoError(t, err)
	gotOut, err := eval.Execute(p, args)
	require.NoError(t, err)
	for id, want := range wantOut {
		got, ok := gotOut[id]
		if !ok {
			continue
		}
		assert.Equal(t, want, got, "buffer %d changed value", id)
	}
}

func TestForwardIdentityCopy(t *testing.T) {
	shape := ir.Shape{2, 3, 4}
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	in := b.Arg(shape, ir.Float16, ir.Device(layout.K3D))
	nat := b.Alloc(shape, ir.Float32, ir.Native())
	b.ConvertToNative(in, nat)
	tmp := b.Alloc(shape, ir.Float32, ir.Native())
	cp := b.Copy(nat, tmp, layout.Identity(3), layout.Identity(3), shape)
	out := b.Alloc(shape, ir.Float16, ir.Device(layout.K3D))
	b.ConvertToDevice(tmp, out)
	b.Compute(out)

	runAndCompare(t, p, map[ir.BufferID][]float64{in: physRamp(layout.K3D, shape)})

	// Both conversions and both native temporaries are gone; the copy
	// addresses packed storage on both sides.
	assert.Empty(t, opsOfKind(p, ir.OpConvertToNative))
	assert.Empty(t, opsOfKind(p, ir.OpConvertToDevice))
	assert.Len(t, opsOfKind(p, ir.OpAlloc), 1)

	op := p.Op(cp)
	require.Equal(t, []ir.BufferID{in, out}, op.Operands)
	assert.True(t, op.SrcAdapted)
	assert.True(t, op.DstAdapted)
	wantMap := layout.IndexMap(layout.K3D).Compose(layout.Identity(3))
	assert.Equal(t, wantMap.String(), op.ReadMap.String())
	assert.Equal(t, wantMap.String(), op.WriteMap.String())

	// The surviving destination allocation dominates the copy.
	outAlloc, _ := p.Producer(out)
	assert.True(t, p.IsBefore(outAlloc, cp))
}

func TestForwardMultiChainConvergence(t *testing.T) {
	// Two conversion chains assemble halves of one packed tensor. Both
	// match independently; the shared to_device must be erased exactly
	// once, after every chain has been rewritten.
	half := ir.Shape{2, 3, 64}
	whole := ir.Shape{4, 3, 64}
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	inA := b.Arg(half, ir.Float16, ir.Device(layout.K3D))
	inB := b.Arg(half, ir.Float16, ir.Device(layout.K3D))
	natA := b.Alloc(half, ir.Float32, ir.Native())
	b.ConvertToNative(inA, natA)
	natB := b.Alloc(half, ir.Float32, ir.Native())
	b.ConvertToNative(inB, natB)

	tmp := b.Alloc(whole, ir.Float32, ir.Native())
	lower := layout.Identity(3)
	upper := layout.NewMap(3,
		layout.Add(layout.Dim(0), layout.Const(2)),
		layout.Dim(1),
		layout.Dim(2))
	cpA := b.Copy(natA, tmp, layout.Identity(3), lower, half)
	cpB := b.Copy(natB, tmp, layout.Identity(3), upper, half)

	out := b.Alloc(whole, ir.Float16, ir.Device(layout.K3D))
	b.ConvertToDevice(tmp, out)
	b.Compute(out)

	runAndCompare(t, p, map[ir.BufferID][]float64{
		inA: physRamp(layout.K3D, half),
		inB: physRamp(layout.K3D, half),
	})

	assert.Empty(t, opsOfKind(p, ir.OpConvertToNative))
	assert.Empty(t, opsOfKind(p, ir.OpConvertToDevice))
	assert.Len(t, opsOfKind(p, ir.OpAlloc), 1)

	outAlloc, _ := p.Producer(out)
	for _, c := range []ir.OpID{cpA, cpB} {
		op := p.Op(c)
		assert.Equal(t, out, op.Operands[1])
		assert.True(t, op.SrcAdapted)
		assert.True(t, op.DstAdapted)
		assert.True(t, p.IsBefore(outAlloc, c))
	}
	assert.Equal(t, inA, p.Op(cpA).Operands[0])
	assert.Equal(t, inB, p.Op(cpB).Operands[0])
}

func TestForwardSkipsUnsupportedLayouts(t *testing.T) {
	cases := map[layout.Kind]ir.Shape{
		layout.K1D:  {70},
		layout.K2DS: {3, 70},
	}
	for kind, shape := range cases {
		t.Run(kind.String(), func(t *testing.T) {
			p := ir.NewProgram()
			b := ir.NewBuilder(p)

			in := b.Arg(shape, ir.Float16, ir.Device(kind))
			nat := b.Alloc(shape, ir.Float32, ir.Native())
			b.ConvertToNative(in, nat)
			tmp := b.Alloc(shape, ir.Float32, ir.Native())
			id := layout.Identity(shape.Rank())
			b.Copy(nat, tmp, id, id, shape)
			out := b.Alloc(shape, ir.Float16, ir.Device(kind))
			b.ConvertToDevice(tmp, out)
			b.Compute(out)

			requireUnchanged(t, p)
		})
	}
}

func TestForwardAbortsOnConstFillWrite(t *testing.T) {
	// A constant fill into the shared intermediate cannot be expressed in
	// the packed element type, so the whole match must back off.
	shape := ir.Shape{2, 3, 64}
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	in := b.Arg(shape, ir.Float16, ir.Device(layout.K3D))
	nat := b.Alloc(shape, ir.Float32, ir.Native())
	b.ConvertToNative(in, nat)
	tmp := b.Alloc(ir.Shape{2, 3, 66}, ir.Float32, ir.Native())
	b.Copy(nat, tmp, layout.Identity(3), layout.Identity(3), shape)
	pad := layout.NewMap(3,
		layout.Dim(0),
		layout.Dim(1),
		layout.Add(layout.Dim(2), layout.Const(64)))
	b.ConstFill(tmp, 0, pad, []int64{2, 3, 2})
	out := b.Alloc(ir.Shape{2, 3, 66}, ir.Float16, ir.Device(layout.K3D))
	b.ConvertToDevice(tmp, out)
	b.Compute(out)

	requireUnchanged(t, p)
}

func TestForwardAbortsOnIntermediateReadBack(t *testing.T) {
	shape := ir.Shape{2, 3, 64}
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	in := b.Arg(shape, ir.Float16, ir.Device(layout.K3D))
	nat := b.Alloc(shape, ir.Float32, ir.Native())
	b.ConvertToNative(in, nat)
	tmp := b.Alloc(shape, ir.Float32, ir.Native())
	b.Copy(nat, tmp, layout.Identity(3), layout.Identity(3), shape)
	other := b.Alloc(shape, ir.Float32, ir.Native())
	b.Copy(tmp, other, layout.Identity(3), layout.Identity(3), shape)
	out := b.Alloc(shape, ir.Float16, ir.Device(layout.K3D))
	b.ConvertToDevice(tmp, out)
	b.Compute(out)
	b.Compute(other)

	requireUnchanged(t, p)
}

func TestForwardNCHWComposesPermutationOnOneSide(t *testing.T) {
	shape := ir.Shape{2, 3, 4, 5}
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	in := b.Arg(shape, ir.Float16, ir.Device(layout.KNCHW))
	nat := b.Alloc(shape, ir.Float32, ir.Native())
	b.ConvertToNative(in, nat)
	tmp := b.Alloc(shape, ir.Float32, ir.Native())
	cp := b.Copy(nat, tmp, layout.Identity(4), layout.Identity(4), shape)
	out := b.Alloc(shape, ir.Float16, ir.Device(layout.K4D))
	b.ConvertToDevice(tmp, out)
	b.Compute(out)

	runAndCompare(t, p, map[ir.BufferID][]float64{in: physRamp(layout.KNCHW, shape)})

	// The channel-last permutation belongs on the NCHW side only.
	op := p.Op(cp)
	wantRead := layout.IndexMap(layout.KNCHW).
		Compose(layout.Permutation(layout.NCHWPermutation)).
		Compose(layout.Identity(4))
	wantWrite := layout.IndexMap(layout.K4D).Compose(layout.Identity(4))
	assert.Equal(t, wantRead.String(), op.ReadMap.String())
	assert.Equal(t, wantWrite.String(), op.WriteMap.String())
}

func TestForwardHoistsAllocWithItsOperands(t *testing.T) {
	shape := ir.Shape{2, 3, 64}
	dynShape := ir.Shape{ir.DynamicDim, 3, 64}
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	in := b.Arg(shape, ir.Float16, ir.Device(layout.K3D))
	nat := b.Alloc(shape, ir.Float32, ir.Native())
	b.ConvertToNative(in, nat)
	tmp := b.Alloc(shape, ir.Float32, ir.Native())
	cp := b.Copy(nat, tmp, layout.Identity(3), layout.Identity(3), shape)
	dims := b.Alloc(ir.Shape{1}, ir.Float32, ir.Native())
	out := b.Alloc(dynShape, ir.Float16, ir.Device(layout.K3D), dims)
	b.ConvertToDevice(tmp, out)
	b.Compute(out)

	runPass(t, p)

	// Destination allocation and its extent operand both move in front of
	// the rewritten copy, extent first.
	outAlloc, _ := p.Producer(out)
	dimsAlloc, _ := p.Producer(dims)
	assert.True(t, p.IsBefore(dimsAlloc, outAlloc))
	assert.True(t, p.IsBefore(outAlloc, cp))
	assert.Empty(t, opsOfKind(p, ir.OpConvertToNative))
	assert.Empty(t, opsOfKind(p, ir.OpConvertToDevice))
}
