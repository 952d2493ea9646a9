package rewrite

import (
	"github.com/kiln-ml/kiln/internal/ir"
)

// removeDeadConversions deletes every conversion whose output has no real
// consumer. Both directions qualify: a materialization nobody reads is pure
// data movement.
func (ps *Pass) removeDeadConversions(p *ir.Program) bool {
	changed := false
	p.ForEachOp(func(op *ir.Op) {
		if !op.IsConversion() {
			return
		}
		if len(realConsumers(p, op.Dst(), op.ID)) != 0 {
			return
		}
		ps.log.V(1).Info("removing dead conversion", "op", op.ID, "kind", op.Kind.String())
		p.EraseOp(op.ID)
		changed = true
	})
	return changed
}

// fuseInversePairs collapses
//
//	to_native(dev, nat)  {layout = K}
//	to_device(nat, dev') {layout = K}
//
// by rewiring every use of dev' to dev, provided the intermediate native
// buffer has no consumer besides the pair. Matching is deterministic: a
// buffer has exactly one producing conversion, so the preceding to_native
// is unique.
func (ps *Pass) fuseInversePairs(p *ir.Program) bool {
	changed := false
	p.ForEachOp(func(op *ir.Op) {
		if op.Kind != ir.OpConvertToDevice {
			return
		}
		if ps.fuseInversePair(p, op) {
			changed = true
		}
	})
	return changed
}

func (ps *Pass) fuseInversePair(p *ir.Program, toDev *ir.Op) bool {
	nat := toDev.Src()
	if p.Buffer(nat).Arg {
		return false
	}

	// Find the to_native that materialized the intermediate. There is only
	// one conversion writing a given buffer, so stop at the first hit.
	toNat := findWritingToNative(p, nat, toDev)
	if toNat == nil {
		return false
	}
	if toNat.LayoutKind != toDev.LayoutKind {
		ps.log.V(1).Info("inverse pair: layout kinds differ",
			"to_native", toNat.LayoutKind.String(), "to_device", toDev.LayoutKind.String())
		return false
	}
	if len(realConsumers(p, nat, toNat.ID, toDev.ID)) != 0 {
		ps.log.V(1).Info("inverse pair: intermediate has other consumers", "buffer", nat)
		return false
	}

	dev := toNat.Src()
	out := toDev.Dst()
	p.EraseOp(toDev.ID)
	p.ReplaceAllUses(out, dev)
	return true
}

// findWritingToNative returns the to_native whose output is buf and that
// precedes before in the same block, or nil.
func findWritingToNative(p *ir.Program, buf ir.BufferID, before *ir.Op) *ir.Op {
	for _, id := range p.Consumers(buf) {
		op := p.Op(id)
		if op.Kind != ir.OpConvertToNative || op.Dst() != buf {
			continue
		}
		if op.Block() != before.Block() || !p.IsBefore(id, before.ID) {
			continue
		}
		return op
	}
	return nil
}
