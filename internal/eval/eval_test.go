package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/ir"
	"github.com/kiln-ml/kiln/internal/layout"
)

func ramp(n int64) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(i + 1)
	}
	return data
}

func TestConversionRoundTrip(t *testing.T) {
	shapes := map[layout.Kind]ir.Shape{
		layout.K1D:   {70},
		layout.K2D:   {3, 70},
		layout.K2DS:  {3, 70},
		layout.K3D:   {2, 33, 70},
		layout.K3DS:  {2, 33, 70},
		layout.K4D:   {2, 3, 33, 70},
		layout.K4DS:  {2, 3, 33, 70},
		layout.KNCHW: {2, 3, 4, 70},
	}
	for kind, shape := range shapes {
		t.Run(kind.String(), func(t *testing.T) {
			p := ir.NewProgram()
			b := ir.NewBuilder(p)

			in := b.Arg(shape, ir.Float32, ir.Native())
			dev := b.Alloc(shape, ir.Float16, ir.Device(kind))
			b.ConvertToDevice(in, dev)
			out := b.Alloc(shape, ir.Float32, ir.Native())
			b.ConvertToNative(dev, out)
			require.NoError(t, p.Verify())

			data := ramp(shape.NumElements())
			results, err := Execute(p, map[ir.BufferID][]float64{in: data})
			require.NoError(t, err)
			assert.Equal(t, data, results[out], "values lost crossing the packed layout")
		})
	}
}

func TestCopyTranspose(t *testing.T) {
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	src := b.Arg(ir.Shape{2, 3}, ir.Float32, ir.Native())
	dst := b.Alloc(ir.Shape{3, 2}, ir.Float32, ir.Native())
	// Iterate the source domain; write transposed.
	b.Copy(src, dst, layout.Identity(2), layout.Permutation([]int{1, 0}), []int64{2, 3})

	results, err := Execute(p, map[ir.BufferID][]float64{
		src: {1, 2, 3, 4, 5, 6},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, results[dst])
}

func TestConstFill(t *testing.T) {
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	dst := b.Alloc(ir.Shape{4}, ir.Float32, ir.Native())
	// Fill only the tail.
	b.ConstFill(dst, 7, layout.NewMap(1, layout.Add(layout.Dim(0), layout.Const(2))), []int64{2})

	results, err := Execute(p, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 7, 7}, results[dst])
}

func TestViewAliasesStorage(t *testing.T) {
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	base := b.Alloc(ir.Shape{12}, ir.Float32, ir.Native())
	view := b.View(base, ir.ViewExpandShape, ir.Shape{3, 4})
	b.ConstFill(view, 5, layout.Identity(2), []int64{3, 4})

	results, err := Execute(p, nil)
	require.NoError(t, err)
	want := make([]float64, 12)
	for i := range want {
		want[i] = 5
	}
	assert.Equal(t, want, results[base], "write through the view must land in the base storage")
	assert.Equal(t, want, results[view])
}

func TestAsyncRegionRunsInline(t *testing.T) {
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	in := b.Arg(ir.Shape{4}, ir.Float32, ir.Native())
	region, body := b.AsyncRegion(in)
	inner := body.Alloc(ir.Shape{4}, ir.Float32, ir.Native())
	body.Copy(in, inner, layout.Identity(1), layout.Identity(1), []int64{4})
	body.Yield(inner)
	got := b.Await(region, 0)
	require.NoError(t, p.Verify())

	results, err := Execute(p, map[ir.BufferID][]float64{in: {9, 8, 7, 6}})
	require.NoError(t, err)
	assert.Equal(t, []float64{9, 8, 7, 6}, results[got])
}

func TestUseAfterReleaseFaults(t *testing.T) {
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	src := b.Alloc(ir.Shape{4}, ir.Float32, ir.Native())
	dst := b.Alloc(ir.Shape{4}, ir.Float32, ir.Native())
	b.Dealloc(src)
	b.Copy(src, dst, layout.Identity(1), layout.Identity(1), []int64{4})

	_, err := Execute(p, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after release")
}

func TestReleasedBuffersDropFromResults(t *testing.T) {
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	tmp := b.Alloc(ir.Shape{4}, ir.Float32, ir.Native())
	kept := b.Alloc(ir.Shape{4}, ir.Float32, ir.Native())
	b.Dealloc(tmp)

	results, err := Execute(p, nil)
	require.NoError(t, err)
	assert.NotContains(t, results, tmp)
	assert.Contains(t, results, kept)
}

func TestArgumentSizeMismatch(t *testing.T) {
	p := ir.NewProgram()
	b := ir.NewBuilder(p)
	in := b.Arg(ir.Shape{4}, ir.Float32, ir.Native())

	_, err := Execute(p, map[ir.BufferID][]float64{in: {1, 2}})
	require.Error(t, err)
}
