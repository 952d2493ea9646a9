package layout

import (
	"testing"
)

func TestExprEval(t *testing.T) {
	tests := []struct {
		name string
		expr *Expr
		dims []int64
		want int64
	}{
		{"dim", Dim(1), []int64{3, 7}, 7},
		{"const", Const(42), []int64{1}, 42},
		{"add", Add(Dim(0), Const(5)), []int64{3}, 8},
		{"mul", Mul(Dim(0), Dim(1)), []int64{3, 7}, 21},
		{"floordiv", FloorDiv(Dim(0), 64), []int64{130}, 2},
		{"floordiv exact", FloorDiv(Dim(0), 64), []int64{128}, 2},
		{"mod", Mod(Dim(0), 64), []int64{130}, 2},
		{"mod zero", Mod(Dim(0), 64), []int64{128}, 0},
		{"nested", Add(Mul(Dim(0), Const(3)), Dim(1)), []int64{2, 1}, 7},
	}

	for _, tt := range tests {
		if got := tt.expr.Eval(tt.dims); got != tt.want {
			t.Errorf("%s: Eval(%v) = %d, want %d", tt.name, tt.dims, got, tt.want)
		}
	}
}

func TestFloorSemantics(t *testing.T) {
	if got := floorDiv(-1, 64); got != -1 {
		t.Errorf("floorDiv(-1, 64) = %d, want -1", got)
	}
	if got := floorMod(-1, 64); got != 63 {
		t.Errorf("floorMod(-1, 64) = %d, want 63", got)
	}
}

func TestIdentityMap(t *testing.T) {
	m := Identity(3)
	if !m.IsIdentity() {
		t.Fatal("Identity(3) is not IsIdentity")
	}
	got := m.Eval([]int64{4, 5, 6})
	want := []int64{4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Identity eval = %v, want %v", got, want)
		}
	}
}

func TestPermutationMap(t *testing.T) {
	// NCHW -> NHWC.
	m := Permutation([]int{0, 2, 3, 1})
	got := m.Eval([]int64{1, 10, 20, 30})
	want := []int64{1, 20, 30, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Permutation eval = %v, want %v", got, want)
		}
	}
	if m.IsIdentity() {
		t.Error("non-trivial permutation reported as identity")
	}
}

func TestCompose(t *testing.T) {
	// outer: (d0, d1) -> (d0 + d1, d0 mod 4)
	outer := NewMap(2, Add(Dim(0), Dim(1)), Mod(Dim(0), 4))
	// inner: (d0) -> (2*d0, 3)
	inner := NewMap(1, Mul(Const(2), Dim(0)), Const(3))

	composed := outer.Compose(inner)
	if composed.NumDims != 1 {
		t.Fatalf("composed NumDims = %d, want 1", composed.NumDims)
	}
	for _, x := range []int64{0, 1, 5, 9} {
		inner2 := inner.Eval([]int64{x})
		want := outer.Eval(inner2)
		got := composed.Eval([]int64{x})
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("compose at %d: got %v, want %v", x, got, want)
			}
		}
	}
}

func TestComposeWithIdentity(t *testing.T) {
	m := IndexMap(K3D)
	composed := m.Compose(Identity(3))
	point := []int64{1, 17, 70}
	a, b := m.Eval(point), composed.Eval(point)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("m∘id differs from m at %v: %v vs %v", point, b, a)
		}
	}
}

func TestMapString(t *testing.T) {
	m := NewMap(2, Dim(1), FloorDiv(Dim(0), 32))
	want := "(d0, d1) -> (d1, (d0 floordiv 32))"
	if got := m.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
