package ir

import (
	"github.com/kiln-ml/kiln/internal/layout"
)

// LayoutClass distinguishes the two storage worlds a buffer can live in.
type LayoutClass uint8

// Layout classes.
const (
	// NativeClass is the standard dense row-major layout usable by generic
	// elementwise code.
	NativeClass LayoutClass = iota
	// DeviceClass is the accelerator's packed physical layout, identified
	// by a layout.Kind.
	DeviceClass
)

// Layout tags a buffer with the storage world it lives in. Device layouts
// carry the kind whose fixed index map relates logical indices to physical
// offsets.
type Layout struct {
	Class LayoutClass
	Kind  layout.Kind
}

// Native returns the native layout tag.
func Native() Layout {
	return Layout{Class: NativeClass}
}

// Device returns the device layout tag for a kind.
func Device(k layout.Kind) Layout {
	return Layout{Class: DeviceClass, Kind: k}
}

// IsNative reports whether the layout is the native dense layout.
func (l Layout) IsNative() bool {
	return l.Class == NativeClass
}

// IsDevice reports whether the layout is a packed device layout.
func (l Layout) IsDevice() bool {
	return l.Class == DeviceClass
}

// Equal compares two layout tags.
func (l Layout) Equal(other Layout) bool {
	if l.Class != other.Class {
		return false
	}
	return l.Class == NativeClass || l.Kind == other.Kind
}

// String returns "native" or "device<KIND>".
func (l Layout) String() string {
	if l.IsNative() {
		return "native"
	}
	return "device<" + l.Kind.String() + ">"
}
