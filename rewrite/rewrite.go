// Package rewrite provides the public API for the layout-conversion
// elimination pass.
//
// The pass removes and fuses the conversions between native and packed
// device layouts that the upstream lowering stage makes explicit, without
// changing any observable tensor value:
//
//	p := ...            // *ir.Program from the lowering stage
//	err := rewrite.Run(p, rewrite.WithLogger(log))
package rewrite

import (
	"github.com/go-logr/logr"

	irpub "github.com/kiln-ml/kiln/ir"

	"github.com/kiln-ml/kiln/internal/rewrite"
)

// Pass is the layout-conversion elimination pass.
type Pass = rewrite.Pass

// Option configures a Pass.
type Option = rewrite.Option

// WithLogger directs match-failure diagnostics to log at V(1).
func WithLogger(log logr.Logger) Option { return rewrite.WithLogger(log) }

// WithMaxIterations overrides the fixed-point iteration bound.
func WithMaxIterations(n int) Option { return rewrite.WithMaxIterations(n) }

// New creates a Pass.
func New(opts ...Option) *Pass { return rewrite.New(opts...) }

// Run rewrites the program in place with a pass built from opts.
func Run(p *irpub.Program, opts ...Option) error {
	return rewrite.New(opts...).Run(p)
}
