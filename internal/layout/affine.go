package layout

import (
	"fmt"
	"strings"
)

// exprKind discriminates affine expression nodes.
type exprKind uint8

const (
	exprDim exprKind = iota
	exprConst
	exprAdd
	exprMul
	exprFloorDiv
	exprMod
)

// Expr is an affine expression over integer index dimensions: dimension
// references, integer constants, addition, multiplication, floor division
// and modulo. Expressions are immutable once built.
type Expr struct {
	kind     exprKind
	dim      int
	value    int64
	lhs, rhs *Expr
}

// Dim returns an expression referencing input dimension i.
func Dim(i int) *Expr {
	if i < 0 {
		panic(fmt.Sprintf("affine: negative dimension %d", i))
	}
	return &Expr{kind: exprDim, dim: i}
}

// Const returns a constant expression.
func Const(v int64) *Expr {
	return &Expr{kind: exprConst, value: v}
}

// Add returns lhs + rhs.
func Add(lhs, rhs *Expr) *Expr {
	return &Expr{kind: exprAdd, lhs: lhs, rhs: rhs}
}

// Mul returns lhs * rhs.
func Mul(lhs, rhs *Expr) *Expr {
	return &Expr{kind: exprMul, lhs: lhs, rhs: rhs}
}

// FloorDiv returns lhs floordiv rhs. rhs must be a positive constant.
func FloorDiv(lhs *Expr, rhs int64) *Expr {
	if rhs <= 0 {
		panic(fmt.Sprintf("affine: floordiv by non-positive constant %d", rhs))
	}
	return &Expr{kind: exprFloorDiv, lhs: lhs, rhs: Const(rhs)}
}

// Mod returns lhs mod rhs. rhs must be a positive constant.
func Mod(lhs *Expr, rhs int64) *Expr {
	if rhs <= 0 {
		panic(fmt.Sprintf("affine: mod by non-positive constant %d", rhs))
	}
	return &Expr{kind: exprMod, lhs: lhs, rhs: Const(rhs)}
}

// Eval evaluates the expression for the given dimension values.
func (e *Expr) Eval(dims []int64) int64 {
	switch e.kind {
	case exprDim:
		if e.dim >= len(dims) {
			panic(fmt.Sprintf("affine: dimension d%d out of range for %d inputs", e.dim, len(dims)))
		}
		return dims[e.dim]
	case exprConst:
		return e.value
	case exprAdd:
		return e.lhs.Eval(dims) + e.rhs.Eval(dims)
	case exprMul:
		return e.lhs.Eval(dims) * e.rhs.Eval(dims)
	case exprFloorDiv:
		return floorDiv(e.lhs.Eval(dims), e.rhs.value)
	case exprMod:
		return floorMod(e.lhs.Eval(dims), e.rhs.value)
	default:
		panic("affine: unknown expression kind")
	}
}

// substitute replaces every dimension reference di with repl[i].
func (e *Expr) substitute(repl []*Expr) *Expr {
	switch e.kind {
	case exprDim:
		if e.dim >= len(repl) {
			panic(fmt.Sprintf("affine: dimension d%d out of range for %d replacements", e.dim, len(repl)))
		}
		return repl[e.dim]
	case exprConst:
		return e
	case exprAdd:
		return Add(e.lhs.substitute(repl), e.rhs.substitute(repl))
	case exprMul:
		return Mul(e.lhs.substitute(repl), e.rhs.substitute(repl))
	case exprFloorDiv:
		return FloorDiv(e.lhs.substitute(repl), e.rhs.value)
	case exprMod:
		return Mod(e.lhs.substitute(repl), e.rhs.value)
	default:
		panic("affine: unknown expression kind")
	}
}

// String renders the expression in the conventional affine syntax.
func (e *Expr) String() string {
	switch e.kind {
	case exprDim:
		return fmt.Sprintf("d%d", e.dim)
	case exprConst:
		return fmt.Sprintf("%d", e.value)
	case exprAdd:
		return fmt.Sprintf("(%s + %s)", e.lhs, e.rhs)
	case exprMul:
		return fmt.Sprintf("(%s * %s)", e.lhs, e.rhs)
	case exprFloorDiv:
		return fmt.Sprintf("(%s floordiv %d)", e.lhs, e.rhs.value)
	case exprMod:
		return fmt.Sprintf("(%s mod %d)", e.lhs, e.rhs.value)
	default:
		return "?"
	}
}

// Map is an affine map from NumDims input dimensions to len(Exprs) result
// coordinates.
type Map struct {
	NumDims int
	Exprs   []*Expr
}

// NewMap builds a map from its result expressions.
func NewMap(numDims int, exprs ...*Expr) Map {
	return Map{NumDims: numDims, Exprs: exprs}
}

// Identity returns the n-dimensional identity map.
func Identity(n int) Map {
	exprs := make([]*Expr, n)
	for i := range exprs {
		exprs[i] = Dim(i)
	}
	return Map{NumDims: n, Exprs: exprs}
}

// Permutation returns the map (d0, ..., dn-1) -> (d_perm[0], ..., d_perm[n-1]).
func Permutation(perm []int) Map {
	exprs := make([]*Expr, len(perm))
	for i, p := range perm {
		exprs[i] = Dim(p)
	}
	return Map{NumDims: len(perm), Exprs: exprs}
}

// NumResults returns the number of result coordinates.
func (m Map) NumResults() int {
	return len(m.Exprs)
}

// IsIdentity reports whether every result i is exactly di.
func (m Map) IsIdentity() bool {
	if len(m.Exprs) != m.NumDims {
		return false
	}
	for i, e := range m.Exprs {
		if e.kind != exprDim || e.dim != i {
			return false
		}
	}
	return true
}

// Eval applies the map to a point.
func (m Map) Eval(point []int64) []int64 {
	if len(point) != m.NumDims {
		panic(fmt.Sprintf("affine: map expects %d dims, got %d", m.NumDims, len(point)))
	}
	out := make([]int64, len(m.Exprs))
	for i, e := range m.Exprs {
		out[i] = e.Eval(point)
	}
	return out
}

// Compose returns m ∘ inner, the map that first applies inner and then m.
// inner must produce exactly m.NumDims coordinates.
func (m Map) Compose(inner Map) Map {
	if inner.NumResults() != m.NumDims {
		panic(fmt.Sprintf("affine: cannot compose %d-result map into %d-dim map",
			inner.NumResults(), m.NumDims))
	}
	exprs := make([]*Expr, len(m.Exprs))
	for i, e := range m.Exprs {
		exprs[i] = e.substitute(inner.Exprs)
	}
	return Map{NumDims: inner.NumDims, Exprs: exprs}
}

// String renders the map as (d0, d1) -> (expr, expr).
func (m Map) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 0; i < m.NumDims; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "d%d", i)
	}
	b.WriteString(") -> (")
	for i, e := range m.Exprs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.String())
	}
	b.WriteByte(')')
	return b.String()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	r := a % b
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return r
}
