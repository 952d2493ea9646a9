package ir

// DataType represents the element type of a buffer.
type DataType int

// Supported element types. Native buffers hold Float32 elements; packed
// device buffers hold the accelerator's 16-bit format.
const (
	Float32 DataType = iota
	Float16
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float16:
		return 2
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	default:
		return "unknown"
	}
}
