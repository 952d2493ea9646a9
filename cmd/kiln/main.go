// Package main provides the kiln CLI.
package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/xyproto/env/v2"

	"github.com/kiln-ml/kiln/ir"
	"github.com/kiln-ml/kiln/layout"
	"github.com/kiln-ml/kiln/rewrite"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("kiln %s\n", version)
		return
	}

	log := logr.Discard()
	if env.Bool("KILN_TRACE") {
		log = funcr.New(func(prefix, args string) {
			fmt.Fprintln(os.Stderr, prefix, args)
		}, funcr.Options{Verbosity: 2})
	}

	kind, err := layout.ParseKind(env.Str("KILN_LAYOUT", layout.K3D.String()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "kiln: %v\n", err)
		os.Exit(1)
	}

	p := demoProgram(kind)
	fmt.Println("before:")
	fmt.Print(p)

	if err := rewrite.Run(p, rewrite.WithLogger(log)); err != nil {
		fmt.Fprintf(os.Stderr, "kiln: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nafter:")
	fmt.Print(p)
}

// demoProgram builds the canonical forwarding example: a packed tensor is
// converted to native layout, shuffled by a copy loop and packed again.
// For most kinds the pass folds the round trip into a single copy on
// packed storage; for 1D and 2DS it prints the chain unchanged.
func demoProgram(kind layout.Kind) *ir.Program {
	p := ir.NewProgram()
	b := ir.NewBuilder(p)

	shape := make(ir.Shape, kind.Rank())
	for i := range shape {
		shape[i] = 2
	}
	shape[len(shape)-1] = 64
	src := b.Arg(shape, ir.Float16, ir.Device(kind))

	nat := b.Alloc(shape, ir.Float32, ir.Native())
	b.ConvertToNative(src, nat)

	shuffled := b.Alloc(shape, ir.Float32, ir.Native())
	id := layout.Identity(shape.Rank())
	b.Copy(nat, shuffled, id, id, shape)

	packed := b.Alloc(shape, ir.Float16, ir.Device(kind))
	b.ConvertToDevice(shuffled, packed)
	b.Compute(packed)
	return p
}
