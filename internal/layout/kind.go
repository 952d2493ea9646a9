// Package layout defines the packed device layouts understood by the
// rewriter: the layout kind tags, the fixed affine index map that relates a
// logical tensor index to a physical storage coordinate for each kind, and
// the padded physical shapes those maps address.
//
// Device storage is tiled: the innermost logical dimension is split into
// cells of 64 elements and the second-innermost into pages of 32, so a
// logical tensor of shape [a, ..., s, l] occupies a physical volume of
// [ceil(l/64), a, ..., ceil(s/32), 32, 64]. The NCHW kind additionally
// stores its data channel-last, so its index map operates on NHWC
// coordinates; callers compose the channel-last permutation explicitly.
package layout

import (
	"fmt"
)

// Tiling geometry of the packed device format.
const (
	CellWidth  = 64 // elements per cell along the innermost dimension
	PageHeight = 32 // rows per page along the second-innermost dimension
)

// Kind identifies a packed device layout.
type Kind uint8

// Device layout kinds.
const (
	K1D Kind = iota
	K2D
	K2DS
	K3D
	K3DS
	K4D
	K4DS
	KNCHW
)

// Kinds lists every device layout kind.
var Kinds = []Kind{K1D, K2D, K2DS, K3D, K3DS, K4D, K4DS, KNCHW}

// String returns the layout tag as it appears in textual dumps.
func (k Kind) String() string {
	switch k {
	case K1D:
		return "1D"
	case K2D:
		return "2D"
	case K2DS:
		return "2DS"
	case K3D:
		return "3D"
	case K3DS:
		return "3DS"
	case K4D:
		return "4D"
	case K4DS:
		return "4DS"
	case KNCHW:
		return "NCHW"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a recognized layout kind.
func (k Kind) Valid() bool {
	return k <= KNCHW
}

// ParseKind resolves a layout tag as printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("layout: unknown kind %q", s)
}

// Rank returns the logical tensor rank the kind applies to.
func (k Kind) Rank() int {
	switch k {
	case K1D:
		return 1
	case K2D, K2DS:
		return 2
	case K3D, K3DS:
		return 3
	case K4D, K4DS, KNCHW:
		return 4
	default:
		panic(fmt.Sprintf("layout: rank of unknown kind %d", k))
	}
}

// ForwardingSupported reports whether load-store forwarding may address
// device storage of this kind directly. The 1D and 2DS index maps are not
// reliably derivable, so forwarding must leave them alone.
func (k Kind) ForwardingSupported() bool {
	return k != K1D && k != K2DS
}

// NCHWPermutation is the channel-last axis order of NCHW device storage.
// Composing it turns NCHW logical coordinates into the NHWC coordinates the
// NCHW index map operates on.
var NCHWPermutation = []int{0, 2, 3, 1}

// IndexMap returns the fixed affine map from logical index to physical
// storage coordinate for the given kind. For KNCHW the map expects NHWC
// coordinates; compose Permutation(NCHWPermutation) in front of it.
func IndexMap(k Kind) Map {
	switch k {
	case K1D:
		// Each cell of 64 elements on its own page row.
		return NewMap(1,
			FloorDiv(Dim(0), CellWidth),
			Mod(Dim(0), CellWidth))
	case K2DS:
		// Every outer row is packed independently.
		return NewMap(2,
			Dim(0),
			FloorDiv(Dim(1), CellWidth),
			Mod(Dim(0), PageHeight),
			Mod(Dim(1), CellWidth))
	case K2D, K3D, K4D, KNCHW:
		return tiledMap(k.Rank(), false)
	case K3DS, K4DS:
		return tiledMap(k.Rank(), true)
	default:
		panic(fmt.Sprintf("layout: index map of unknown kind %d", k))
	}
}

// tiledMap builds the generic tiling map for a rank-n logical index
// (d0, ..., S, L):
//
//	(L floordiv 64, d0, ..., S floordiv 32, S mod 32, L mod 64)
//
// The sampled variants keep the leading dimension as an untiled batch axis
// in front of the cell coordinate.
func tiledMap(rank int, sampled bool) Map {
	last := Dim(rank - 1)
	second := Dim(rank - 2)

	var exprs []*Expr
	if sampled {
		exprs = append(exprs, Dim(0), FloorDiv(last, CellWidth))
		for i := 1; i < rank-2; i++ {
			exprs = append(exprs, Dim(i))
		}
	} else {
		exprs = append(exprs, FloorDiv(last, CellWidth))
		for i := 0; i < rank-2; i++ {
			exprs = append(exprs, Dim(i))
		}
	}
	exprs = append(exprs,
		FloorDiv(second, PageHeight),
		Mod(second, PageHeight),
		Mod(last, CellWidth))
	return NewMap(rank, exprs...)
}

// PhysicalShape returns the padded physical shape addressed by IndexMap(k)
// for a logical shape. For KNCHW the logical shape is given in NCHW order
// and the physical volume covers its NHWC permutation. All dimensions must
// be static.
func PhysicalShape(k Kind, logical []int64) []int64 {
	rank := k.Rank()
	if len(logical) != rank {
		panic(fmt.Sprintf("layout: kind %s expects rank %d, got shape of rank %d", k, rank, len(logical)))
	}
	dims := logical
	if k == KNCHW {
		dims = permute(logical, NCHWPermutation)
	}

	last := dims[rank-1]
	switch k {
	case K1D:
		return []int64{ceilDiv(last, CellWidth), CellWidth}
	case K2DS:
		return []int64{dims[0], ceilDiv(last, CellWidth), PageHeight, CellWidth}
	}

	second := dims[rank-2]
	var phys []int64
	switch k {
	case K3DS, K4DS:
		phys = append(phys, dims[0], ceilDiv(last, CellWidth))
		phys = append(phys, dims[1:rank-2]...)
	default:
		phys = append(phys, ceilDiv(last, CellWidth))
		phys = append(phys, dims[:rank-2]...)
	}
	return append(phys, ceilDiv(second, PageHeight), PageHeight, CellWidth)
}

func permute(dims []int64, perm []int) []int64 {
	out := make([]int64, len(dims))
	for i, p := range perm {
		out[i] = dims[p]
	}
	return out
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
