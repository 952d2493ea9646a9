package rewrite

import (
	"github.com/kiln-ml/kiln/internal/ir"
	"github.com/kiln-ml/kiln/internal/layout"
)

// fuseThroughViews extends inverse-pair fusion through shape-reinterpreting
// views:
//
//	to_native(dev, nat)   {layout = K}
//	nat' = view(nat)
//	to_device(nat', dev') {layout = K'}
//
// When dev and dev' have identical static shapes the round trip moves no
// information, so every use of dev' is rewired to dev and the to_device
// deleted; the view and the to_native follow if they become dangling.
//
// NCHW is excluded on both ends: its device storage is internally
// transposed, so shapes would not line up through a plain view.
func (ps *Pass) fuseThroughViews(p *ir.Program) bool {
	changed := false
	p.ForEachOp(func(op *ir.Op) {
		if op.Kind != ir.OpConvertToDevice {
			return
		}
		if ps.fuseThroughView(p, op) {
			changed = true
		}
	})
	return changed
}

func (ps *Pass) fuseThroughView(p *ir.Program, toDev *ir.Op) bool {
	if toDev.LayoutKind == layout.KNCHW {
		return false
	}
	viewed := toDev.Src()
	if p.Buffer(viewed).Arg {
		return false
	}

	prod, ok := p.Producer(viewed)
	if !ok || !p.Op(prod).IsViewLike() {
		return false
	}
	view := p.Op(prod)
	source := view.Operands[0]
	if p.Buffer(source).Arg {
		return false
	}

	toNat := findViewSourceToNative(p, source, view)
	if toNat == nil {
		return false
	}

	out := p.Buffer(toDev.Dst())
	in := p.Buffer(toNat.Src())
	if !out.Shape.IsStatic() || !out.Shape.Equal(in.Shape) {
		ps.log.V(1).Info("view fusion: endpoint shapes differ",
			"in", in.Shape.String(), "out", out.Shape.String())
		return false
	}

	outID := toDev.Dst()
	p.EraseOp(toDev.ID)
	p.ReplaceAllUses(outID, toNat.Src())

	// Drop the view and the first conversion if nothing else needs them.
	if p.Buffer(viewed).NumConsumers() == 0 {
		p.EraseOp(view.ID)
	}
	if len(realConsumers(p, toNat.Dst(), toNat.ID)) == 0 {
		p.EraseOp(toNat.ID)
	}
	return true
}

// findViewSourceToNative returns the non-NCHW to_native whose output is buf
// and that precedes the view in the same block, or nil.
func findViewSourceToNative(p *ir.Program, buf ir.BufferID, view *ir.Op) *ir.Op {
	for _, id := range p.Consumers(buf) {
		op := p.Op(id)
		if op.Kind != ir.OpConvertToNative || op.Dst() != buf {
			continue
		}
		if op.LayoutKind == layout.KNCHW {
			continue
		}
		if op.Block() != view.Block() || !p.IsBefore(id, view.ID) {
			continue
		}
		return op
	}
	return nil
}
