package rewrite

import (
	"github.com/kiln-ml/kiln/internal/ir"
	"github.com/kiln-ml/kiln/internal/layout"
)

// Load-store forwarding eliminates the native materialization between a
// to_native and the to_device operations its copy chains converge into:
//
//	to_native ──> copy ──> to_device
//	    |           |
//	    |           '────> to_device
//	    '───────> copy ──> to_device
//	                        ^
//	to_native ──> copy ─────'
//
// After the rewrite each copy loads from and stores to packed storage
// directly, with the device index maps (and, for NCHW, the channel-last
// permutation) composed into its own maps. The conversions' fixed affine
// maps are what makes this sound: one packed element can be forwarded into
// another packed element without ever materializing the native tensor.
//
// Matching and mutation are strictly separated. The whole chain structure
// is verified first; only then is anything rewritten, so a late mismatch
// leaves the graph untouched.

// forwardMatch is a fully verified candidate.
type forwardMatch struct {
	toNat  *ir.Op
	copies []ir.OpID
	// toDevOf maps each matched copy to the to_device consuming its write
	// target.
	toDevOf map[ir.OpID]ir.OpID
}

// forwardAll runs the engine over every to_native in program order. Matched
// to_device ops go into removable instead of being erased: several chains
// may converge on one, and it must outlive every rewrite that still reads
// its operands.
func (ps *Pass) forwardAll(p *ir.Program, removable map[ir.OpID]struct{}) {
	p.ForEachOp(func(op *ir.Op) {
		if op.Kind != ir.OpConvertToNative {
			return
		}
		m, ok := ps.matchForward(p, op)
		if !ok {
			return
		}
		ps.commitForward(p, m, removable)
	})
}

// matchForward verifies the full chain structure for one to_native. Any
// failed condition is a silent non-match.
func (ps *Pass) matchForward(p *ir.Program, toNat *ir.Op) (*forwardMatch, bool) {
	if !toNat.LayoutKind.ForwardingSupported() {
		ps.log.V(1).Info("forwarding: unsupported source layout", "kind", toNat.LayoutKind.String())
		return nil, false
	}

	// Every real consumer of the native materialization must read it as a
	// copy source.
	native := toNat.Dst()
	copies, ok := collectCopyReads(p, native, toNat.ID)
	if !ok || len(copies) == 0 {
		ps.log.V(1).Info("forwarding: consumers are not all copy reads", "buffer", native)
		return nil, false
	}

	m := &forwardMatch{toNat: toNat, copies: copies, toDevOf: make(map[ir.OpID]ir.OpID)}
	for _, c := range copies {
		toDev, ok := ps.matchWriteTarget(p, p.Op(c))
		if !ok {
			return nil, false
		}
		m.toDevOf[c] = toDev
	}
	return m, true
}

// collectCopyReads returns the copies reading buf. It fails if any real
// consumer other than exclude is not a copy read.
func collectCopyReads(p *ir.Program, buf ir.BufferID, exclude ir.OpID) ([]ir.OpID, bool) {
	var copies []ir.OpID
	for _, id := range realConsumers(p, buf, exclude) {
		op := p.Op(id)
		if op.Kind != ir.OpCopy || op.Src() != buf || op.Dst() == buf {
			return nil, false
		}
		copies = append(copies, id)
	}
	return copies, true
}

// matchWriteTarget checks the chain structure around one copy's write
// target: the target is a plain allocation consumed only by copy writes and
// exactly one supported to_device, and every sibling write into it is
// itself fed from a properly converted source. A write fed by anything else
// (a constant fill, say) aborts: there is no way to produce that value in
// the packed element type.
func (ps *Pass) matchWriteTarget(p *ir.Program, cp *ir.Op) (ir.OpID, bool) {
	target := cp.Dst()
	prod, ok := p.Producer(target)
	if !ok || p.Op(prod).Kind != ir.OpAlloc {
		ps.log.V(1).Info("forwarding: write target is not a plain allocation", "buffer", target)
		return ir.InvalidOp, false
	}

	toDev := ir.InvalidOp
	for _, id := range realConsumers(p, target) {
		op := p.Op(id)
		switch op.Kind {
		case ir.OpCopy:
			if op.Dst() != target {
				// A read of the intermediate would survive the rewrite and
				// observe storage that no longer exists.
				ps.log.V(1).Info("forwarding: intermediate is read back", "buffer", target)
				return ir.InvalidOp, false
			}
			if !ps.chainClosed(p, op) {
				return ir.InvalidOp, false
			}
		case ir.OpConvertToDevice:
			if op.Src() != target {
				return ir.InvalidOp, false
			}
			if toDev != ir.InvalidOp {
				ps.log.V(1).Info("forwarding: two to_device ops on one target", "buffer", target)
				return ir.InvalidOp, false
			}
			if !op.LayoutKind.ForwardingSupported() {
				ps.log.V(1).Info("forwarding: unsupported destination layout", "kind", op.LayoutKind.String())
				return ir.InvalidOp, false
			}
			toDev = id
		default:
			ps.log.V(1).Info("forwarding: write target has non-copy consumer", "buffer", target, "kind", op.Kind.String())
			return ir.InvalidOp, false
		}
	}
	if toDev == ir.InvalidOp {
		ps.log.V(1).Info("forwarding: chain does not terminate in a conversion", "buffer", target)
		return ir.InvalidOp, false
	}
	return toDev, true
}

// chainClosed checks that a copy writing into a shared target reads from a
// buffer that is itself a to_native materialization consumed only by copy
// reads. This is the recursive leg of the chain structure.
func (ps *Pass) chainClosed(p *ir.Program, cp *ir.Op) bool {
	src := cp.Src()
	if p.Buffer(src).Arg {
		ps.log.V(1).Info("forwarding: sibling write reads a block argument", "buffer", src)
		return false
	}
	toNat := ir.InvalidOp
	for _, id := range realConsumers(p, src) {
		op := p.Op(id)
		switch op.Kind {
		case ir.OpCopy:
			if op.Src() != src {
				return false
			}
		case ir.OpConvertToNative:
			if op.Dst() != src || toNat != ir.InvalidOp {
				return false
			}
			toNat = id
		default:
			ps.log.V(1).Info("forwarding: sibling write not fed by a conversion", "buffer", src, "kind", op.Kind.String())
			return false
		}
	}
	return toNat != ir.InvalidOp
}

// commitForward applies a verified match: retargets every matched copy to
// packed storage on both sides, relocates destination allocations so they
// dominate the copies, erases the to_native and defers the to_device
// deletions.
func (ps *Pass) commitForward(p *ir.Program, m *forwardMatch, removable map[ir.OpID]struct{}) {
	source := m.toNat.Src()
	readDev := deviceMap(m.toNat.LayoutKind)

	for _, c := range m.copies {
		cp := p.Op(c)

		// Read side: load packed elements directly. The identity type
		// adapter keeps the copy body well-typed now that it loads the
		// packed element type.
		oldTarget := cp.Dst()
		p.ReplaceOperand(c, cp.Src(), source)
		cp.ReadMap = readDev.Compose(cp.ReadMap)
		cp.SrcAdapted = true

		// Write side: store into the to_device's destination.
		toDev := p.Op(m.toDevOf[c])
		dest := toDev.Dst()
		p.ReplaceOperand(c, oldTarget, dest)
		cp.WriteMap = deviceMap(toDev.LayoutKind).Compose(cp.WriteMap)
		cp.DstAdapted = true

		// The destination allocation used to sit right before the
		// to_device, after the loop; hoist it (and its operands) so it
		// dominates the copy.
		ps.hoistAlloc(p, dest, oldTarget, c)

		removable[m.toDevOf[c]] = struct{}{}
	}

	p.EraseOp(m.toNat.ID)
	ps.log.V(1).Info("forwarded copy chain", "copies", len(m.copies), "source", source)
}

// deviceMap returns the physical index map for a kind, with the
// channel-last permutation composed in front for NCHW, whose packed
// storage is internally transposed.
func deviceMap(k layout.Kind) layout.Map {
	m := layout.IndexMap(k)
	if k == layout.KNCHW {
		m = m.Compose(layout.Permutation(layout.NCHWPermutation))
	}
	return m
}

// hoistAlloc moves dest's allocation to just after oldTarget's allocation
// unless it already precedes the copy. The allocation's own non-argument
// operands move first, in their dependency order, so the move preserves
// dominance.
func (ps *Pass) hoistAlloc(p *ir.Program, dest, oldTarget ir.BufferID, copyOp ir.OpID) {
	destAllocID, _ := p.Producer(dest)
	destAlloc := p.Op(destAllocID)
	if destAlloc.Block() == p.Op(copyOp).Block() && p.IsBefore(destAllocID, copyOp) {
		return
	}

	anchorID, _ := p.Producer(oldTarget)
	lastMoved := ir.InvalidOp
	for _, operand := range destAlloc.Operands {
		if p.Buffer(operand).Arg {
			continue
		}
		opToMove, _ := p.Producer(operand)
		// Already early enough; likely feeding the anchor allocation too.
		if p.Op(opToMove).Block() == p.Op(anchorID).Block() && p.IsBefore(opToMove, anchorID) {
			continue
		}
		if lastMoved != ir.InvalidOp {
			p.MoveAfter(opToMove, lastMoved)
		} else {
			p.MoveAfter(opToMove, anchorID)
		}
		lastMoved = opToMove
	}
	if lastMoved != ir.InvalidOp {
		p.MoveAfter(destAllocID, lastMoved)
	} else {
		p.MoveAfter(destAllocID, anchorID)
	}
}
