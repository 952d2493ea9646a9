package ir

import "sort"

// BufferID is a stable arena index for a buffer.
type BufferID int32

// InvalidBuffer marks the absence of a buffer.
const InvalidBuffer BufferID = -1

// Buffer is a tensor value: a shape, an element type and a layout tag.
// Every buffer has exactly one producer, the op that defines it (an alloc,
// a view, an async region or an await), or is a block argument. Consumers
// are every op that reads or writes it.
type Buffer struct {
	ID     BufferID
	Shape  Shape
	DType  DataType
	Layout Layout

	// Producer is the defining op, or InvalidOp for block arguments.
	Producer OpID
	// Arg is true for block arguments.
	Arg bool

	consumers map[OpID]int
	Dead      bool
}

// NumConsumers returns how many live ops reference the buffer as an
// operand. An op referencing it through several operand slots counts once.
func (b *Buffer) NumConsumers() int {
	return len(b.consumers)
}

// HasConsumer reports whether op references the buffer as an operand.
func (b *Buffer) HasConsumer(op OpID) bool {
	_, ok := b.consumers[op]
	return ok
}

// consumerIDs returns the consumer set in deterministic order.
func (b *Buffer) consumerIDs() []OpID {
	ids := make([]OpID, 0, len(b.consumers))
	for id := range b.consumers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (b *Buffer) addConsumer(op OpID) {
	if b.consumers == nil {
		b.consumers = make(map[OpID]int)
	}
	b.consumers[op]++
}

func (b *Buffer) removeConsumer(op OpID) {
	if n, ok := b.consumers[op]; ok {
		if n <= 1 {
			delete(b.consumers, op)
		} else {
			b.consumers[op] = n - 1
		}
	}
}
