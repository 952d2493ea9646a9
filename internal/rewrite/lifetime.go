package rewrite

import (
	"github.com/cockroachdb/errors"

	"github.com/kiln-ml/kiln/internal/ir"
)

// The allocation lifetime adjuster repairs storage brackets around async
// regions. A region that allocates its own yielded result leaves the
// deferred task owning storage the enclosing scope consumes; the adjuster
// moves that allocation out in front of the region and releases it after
// its last consumer past the await point. Captured inputs get a release
// too, unless some consumer already releases them: a captured buffer
// shared by several regions must be freed exactly once.
//
// Only allocation and deallocation brackets move. Reads never cross an
// await boundary, and no release is inserted before the await that makes a
// value available.

// adjustAsyncLifetimes runs the adjuster over every async region.
func (ps *Pass) adjustAsyncLifetimes(p *ir.Program) error {
	var regions []*ir.Op
	p.ForEachOp(func(op *ir.Op) {
		if op.Kind == ir.OpAsyncRegion {
			regions = append(regions, op)
		}
	})
	for _, region := range regions {
		if err := ps.adjustRegion(p, region); err != nil {
			return err
		}
	}
	return nil
}

func (ps *Pass) adjustRegion(p *ir.Program, region *ir.Op) error {
	// Multi-result regions are a hard precondition, not a case to
	// generalize: which result's consumer bounds the shared storage
	// lifetime is unresolved.
	if len(region.Results) != 1 {
		ps.log.V(1).Info("lifetime: region yields multiple results", "op", region.ID)
		return nil
	}
	body := region.Body
	if len(body.Ops) == 0 {
		return errors.AssertionFailedf("async region %d has an empty body", region.ID)
	}
	term := p.Op(body.Ops[len(body.Ops)-1])
	if term.Kind != ir.OpYield {
		return errors.AssertionFailedf("async region %d does not end in a yield", region.ID)
	}
	if len(term.Operands) != 1 {
		ps.log.V(1).Info("lifetime: region yields multiple values", "op", region.ID)
		return nil
	}

	yielded := term.Operands[0]
	allocID, ok := p.Producer(yielded)
	if !ok || p.Op(allocID).Kind != ir.OpAlloc {
		ps.log.V(1).Info("lifetime: yielded buffer is not a plain allocation", "buffer", yielded)
		return nil
	}
	alloc := p.Op(allocID)
	if alloc.Block() != body {
		// Already owned by the enclosing scope; nothing to repair. This is
		// what makes a second run of the adjuster a no-op.
		return nil
	}
	for _, operand := range alloc.Operands {
		if prod, ok := p.Producer(operand); ok && p.Op(prod).Block() == body {
			ps.log.V(1).Info("lifetime: yielded allocation depends on region-internal values", "op", allocID)
			return nil
		}
	}

	await := findAwait(p, region)
	if await == nil {
		ps.log.V(1).Info("lifetime: region result is never awaited", "op", region.ID)
		return nil
	}
	users := p.Consumers(await.Results[0])
	if len(users) == 0 {
		ps.log.V(1).Info("lifetime: awaited value has no consumers", "op", await.ID)
		return nil
	}

	// Captured inputs: buffers allocated outside the region but used by
	// its body.
	captured := capturedAllocs(p, region)

	// The enclosing scope takes ownership of the yielded storage.
	p.MoveBefore(allocID, region.ID)

	// Release it after its last consumer past the await. A consumer nested
	// in an inner scope resolves to that scope's release point in the
	// enclosing block, never before the await that publishes the value.
	anchor := lastConsumerAnchor(p, users, p.Op(region.ID).Block())
	if anchor == ir.InvalidOp {
		anchor = await.ID
	}
	b := ir.NewBuilder(p)
	b.SetInsertionPointAfter(anchor)
	b.Dealloc(yielded)

	// Release captured inputs after the region completes, unless something
	// already does. Two regions sharing a captured buffer must not both
	// free it.
	for _, in := range captured {
		if hasDeallocConsumer(p, in) {
			continue
		}
		b.Dealloc(in)
	}
	return nil
}

// findAwait returns the await releasing the region's single result, or nil.
func findAwait(p *ir.Program, region *ir.Op) *ir.Op {
	for _, id := range p.Consumers(region.Results[0]) {
		if op := p.Op(id); op.Kind == ir.OpAwait {
			return op
		}
	}
	return nil
}

// capturedAllocs collects allocations from the enclosing scope whose
// buffers the region body uses, in deterministic order.
func capturedAllocs(p *ir.Program, region *ir.Op) []ir.BufferID {
	seen := make(map[ir.BufferID]bool)
	var out []ir.BufferID
	for _, id := range region.Body.Ops {
		for _, operand := range p.Op(id).Operands {
			if seen[operand] {
				continue
			}
			prod, ok := p.Producer(operand)
			if !ok || p.Op(prod).Kind != ir.OpAlloc || p.Op(prod).Block() == region.Body {
				continue
			}
			seen[operand] = true
			out = append(out, operand)
		}
	}
	return out
}

// lastConsumerAnchor resolves each user to an op in the target block and
// returns the latest one. A user nested in an inner async region resolves
// to that region's await when it has one, so the release can never precede
// the synchronization that publishes the data.
func lastConsumerAnchor(p *ir.Program, users []ir.OpID, target *ir.Block) ir.OpID {
	anchor := ir.InvalidOp
	for _, id := range users {
		resolved := resolveToBlock(p, id, target)
		if resolved == ir.InvalidOp {
			continue
		}
		if anchor == ir.InvalidOp || p.IsBefore(anchor, resolved) {
			anchor = resolved
		}
	}
	return anchor
}

func resolveToBlock(p *ir.Program, op ir.OpID, target *ir.Block) ir.OpID {
	cur := op
	for p.Op(cur).Block() != target {
		owner := p.Op(cur).Block().Owner
		if owner == ir.InvalidOp {
			return ir.InvalidOp
		}
		region := p.Op(owner)
		if len(region.Results) == 1 {
			if await := findAwait(p, region); await != nil {
				cur = await.ID
				continue
			}
		}
		cur = owner
	}
	return cur
}

func hasDeallocConsumer(p *ir.Program, buf ir.BufferID) bool {
	for _, id := range p.Consumers(buf) {
		if p.Op(id).Kind == ir.OpDealloc {
			return true
		}
	}
	return false
}
