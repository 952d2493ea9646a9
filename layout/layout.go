// Package layout re-exports the packed device layout kinds and the affine
// index-map helpers copy operations are built from.
package layout

import (
	"github.com/kiln-ml/kiln/internal/layout"
)

// Kind identifies a packed device layout.
type Kind = layout.Kind

// Device layout kinds.
const (
	K1D   = layout.K1D
	K2D   = layout.K2D
	K2DS  = layout.K2DS
	K3D   = layout.K3D
	K3DS  = layout.K3DS
	K4D   = layout.K4D
	K4DS  = layout.K4DS
	KNCHW = layout.KNCHW
)

// Tiling geometry of the packed device format.
const (
	CellWidth  = layout.CellWidth
	PageHeight = layout.PageHeight
)

// Map is an affine map from index dimensions to storage coordinates.
type Map = layout.Map

// Expr is an affine expression over integer index dimensions.
type Expr = layout.Expr

// Expression constructors.
var (
	Dim      = layout.Dim
	Const    = layout.Const
	Add      = layout.Add
	Mul      = layout.Mul
	FloorDiv = layout.FloorDiv
	Mod      = layout.Mod
)

// Map constructors.
var (
	NewMap      = layout.NewMap
	Identity    = layout.Identity
	Permutation = layout.Permutation
)

// ParseKind resolves a layout tag as printed by Kind.String.
var ParseKind = layout.ParseKind

// IndexMap returns the fixed affine map from logical index to physical
// storage coordinate for a kind.
var IndexMap = layout.IndexMap

// PhysicalShape returns the padded physical shape IndexMap addresses.
var PhysicalShape = layout.PhysicalShape

// NCHWPermutation is the channel-last axis order of NCHW device storage.
var NCHWPermutation = layout.NCHWPermutation
