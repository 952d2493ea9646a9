package ir

import (
	"fmt"
	"strings"
)

// DynamicDim marks a dimension whose extent is unknown until run time.
const DynamicDim int64 = -1

// Shape represents the logical dimensions of a buffer.
type Shape []int64

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// IsStatic reports whether every dimension is known.
func (s Shape) IsStatic() bool {
	for _, dim := range s {
		if dim == DynamicDim {
			return false
		}
	}
	return true
}

// NumElements returns the total number of elements.
// Panics if the shape has dynamic dimensions.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, dim := range s {
		if dim == DynamicDim {
			panic("shape: NumElements on dynamic shape")
		}
		n *= dim
	}
	return n
}

// Validate checks that every dimension is non-negative or dynamic.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 && dim != DynamicDim {
			return fmt.Errorf("invalid dimension at index %d: %d", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal dimension by dimension.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Strides calculates row-major strides for a static shape.
func (s Shape) Strides() []int64 {
	strides := make([]int64, len(s))
	if len(s) == 0 {
		return strides
	}
	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		if s[i+1] == DynamicDim {
			panic("shape: Strides on dynamic shape")
		}
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// String renders the shape as [2x3x4], with ? for dynamic dimensions.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, dim := range s {
		if dim == DynamicDim {
			parts[i] = "?"
		} else {
			parts[i] = fmt.Sprintf("%d", dim)
		}
	}
	return "[" + strings.Join(parts, "x") + "]"
}
