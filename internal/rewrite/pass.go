// Package rewrite implements the layout-conversion elimination pass.
//
// Conversions between the native dense layout and the packed device layout
// copy whole buffers, so redundant ones dominate end-to-end latency. The
// pass removes and fuses them without changing any observable tensor value:
// local rules and view-aware fusion run to a fixed point, load-store
// forwarding then rewrites copy chains to address packed storage directly,
// and the allocation lifetime adjuster repairs storage brackets around
// async regions afterwards.
//
// Rule mismatches are not errors; every rule degrades to skipping its
// candidate, and the pass is safe on programs exhibiting none of its
// patterns. Violations of invariants the upstream lowering guarantees abort
// with an assertion error instead of rewriting a broken graph.
package rewrite

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"

	"github.com/kiln-ml/kiln/internal/ir"
)

// DefaultMaxIterations bounds the local fixed-point loop. Each iteration
// deletes at least one op, so hitting the bound means a rule cycle, which
// is a bug in the rules, not a property of the input.
const DefaultMaxIterations = 10000

// Pass is the layout-conversion elimination pass. The zero value is not
// usable; construct with New.
type Pass struct {
	log      logr.Logger
	maxIters int
}

// Option configures a Pass.
type Option func(*Pass)

// WithLogger directs match-failure diagnostics to log at V(1).
func WithLogger(log logr.Logger) Option {
	return func(p *Pass) { p.log = log }
}

// WithMaxIterations overrides the fixed-point iteration bound.
func WithMaxIterations(n int) Option {
	return func(p *Pass) { p.maxIters = n }
}

// New creates a Pass.
func New(opts ...Option) *Pass {
	p := &Pass{log: logr.Discard(), maxIters: DefaultMaxIterations}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run rewrites the program in place. On error the graph must be considered
// unusable: an assertion failure means an upstream invariant was already
// broken when rewriting started or a rewrite could not be completed.
func (ps *Pass) Run(p *ir.Program) error {
	if err := p.Verify(); err != nil {
		return errors.Wrap(err, "layout rewrite: input graph")
	}

	for i := 0; ; i++ {
		if i >= ps.maxIters {
			return errors.AssertionFailedf("layout rewrite: no fixed point after %d iterations", ps.maxIters)
		}
		changed := ps.removeDeadConversions(p)
		if ps.fuseInversePairs(p) {
			changed = true
		}
		if ps.fuseThroughViews(p) {
			changed = true
		}
		if !changed {
			break
		}
	}

	// Forwarding runs once over the fixed-point graph. A single to_device
	// can terminate several independently matched chains, so matched ones
	// are collected here and erased exactly once afterwards.
	removable := make(map[ir.OpID]struct{})
	ps.forwardAll(p, removable)
	for _, id := range sortedOps(removable) {
		if !p.Op(id).Dead {
			p.EraseOp(id)
		}
	}

	ps.removeDeadTemps(p)

	if err := ps.adjustAsyncLifetimes(p); err != nil {
		return err
	}

	if err := p.Verify(); err != nil {
		return errors.Wrap(err, "layout rewrite: output graph")
	}
	return nil
}

// realConsumers returns buf's consumers excluding its lifetime brackets and
// the listed ops. Deallocations release storage without observing data, so
// no rule counts them as uses.
func realConsumers(p *ir.Program, buf ir.BufferID, exclude ...ir.OpID) []ir.OpID {
	var out []ir.OpID
	for _, id := range p.Consumers(buf) {
		if p.Op(id).Kind == ir.OpDealloc {
			continue
		}
		skip := false
		for _, e := range exclude {
			skip = skip || id == e
		}
		if !skip {
			out = append(out, id)
		}
	}
	return out
}

// removeDeadTemps erases allocations whose buffers are referenced by
// nothing but their own deallocations. Eliminated conversions leave their
// intermediate materializations in this state.
func (ps *Pass) removeDeadTemps(p *ir.Program) {
	changed := true
	for changed {
		changed = false
		p.ForEachOp(func(op *ir.Op) {
			if op.Kind != ir.OpAlloc {
				return
			}
			buf := op.Results[0]
			if len(realConsumers(p, buf)) != 0 {
				return
			}
			for _, id := range p.Consumers(buf) {
				p.EraseOp(id)
			}
			p.EraseOp(op.ID)
			changed = true
		})
	}
}

func sortedOps(set map[ir.OpID]struct{}) []ir.OpID {
	out := make([]ir.OpID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
