package ir

import (
	"fmt"
	"strings"
)

// String renders the program in a stable textual form. Two programs with
// identical structure print identically, so tests compare dumps to check
// that a graph survived a pass byte-for-byte unchanged.
func (p *Program) String() string {
	var b strings.Builder
	for _, arg := range p.Root.Args {
		fmt.Fprintf(&b, "%s = arg %s\n", bufName(arg), p.bufType(arg))
	}
	p.printBlock(&b, p.Root, "")
	return b.String()
}

func (p *Program) printBlock(b *strings.Builder, blk *Block, indent string) {
	for _, id := range blk.Ops {
		p.printOp(b, p.Op(id), indent)
	}
}

func (p *Program) printOp(b *strings.Builder, op *Op, indent string) {
	b.WriteString(indent)
	switch op.Kind {
	case OpAlloc:
		fmt.Fprintf(b, "%s = alloc%s %s", bufName(op.Results[0]), bufList(op.Operands), p.bufType(op.Results[0]))
	case OpDealloc:
		fmt.Fprintf(b, "dealloc %s", bufName(op.Operands[0]))
	case OpConvertToNative, OpConvertToDevice:
		fmt.Fprintf(b, "%s %s -> %s {layout = %s}", op.Kind, bufName(op.Src()), bufName(op.Dst()), op.LayoutKind)
	case OpCopy:
		fmt.Fprintf(b, "copy %s -> %s read=%s write=%s domain=%v",
			bufName(op.Src()), bufName(op.Dst()), op.ReadMap, op.WriteMap, op.Domain)
		if op.SrcAdapted || op.DstAdapted {
			fmt.Fprintf(b, " adapt=%s", adaptTag(op))
		}
	case OpConstFill:
		fmt.Fprintf(b, "const_fill %v -> %s write=%s domain=%v", op.Fill, bufName(op.Dst()), op.WriteMap, op.Domain)
	case OpView:
		fmt.Fprintf(b, "%s = view.%s %s %s", bufName(op.Results[0]), op.View, bufName(op.Operands[0]), p.Buffer(op.Results[0]).Shape)
	case OpCompute:
		fmt.Fprintf(b, "compute%s", bufList(op.Operands))
	case OpAsyncRegion:
		fmt.Fprintf(b, "%s = async_region%s {\n", bufList(op.Results), bufList(op.Operands))
		p.printBlock(b, op.Body, indent+"  ")
		fmt.Fprintf(b, "%s}", indent)
	case OpAwait:
		fmt.Fprintf(b, "%s = await %s", bufName(op.Results[0]), bufName(op.Operands[0]))
	case OpYield:
		fmt.Fprintf(b, "yield%s", bufList(op.Operands))
	default:
		fmt.Fprintf(b, "invalid")
	}
	b.WriteByte('\n')
}

func (p *Program) bufType(id BufferID) string {
	buf := p.Buffer(id)
	return fmt.Sprintf("%s %s %s", buf.Shape, buf.DType, buf.Layout)
}

func bufName(id BufferID) string {
	return fmt.Sprintf("%%%d", id)
}

func bufList(ids []BufferID) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = bufName(id)
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

func adaptTag(op *Op) string {
	switch {
	case op.SrcAdapted && op.DstAdapted:
		return "src,dst"
	case op.SrcAdapted:
		return "src"
	default:
		return "dst"
	}
}
