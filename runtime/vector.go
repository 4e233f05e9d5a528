package runtime

import (
	"strings"

	"github.com/pkg/errors"
)

const initialVectorCapacity = 2

// Vector is a growable sequence of values. *Vector is itself a Value, so
// every copy on the stack or in a binding aliases the same elements.
type Vector struct {
	elements []Value
	heap     Allocator
}

func NewVector(heap Allocator) (*Vector, error) {
	if err := heap.Allocate(initialVectorCapacity * valueSize); err != nil {
		return nil, err
	}
	return &Vector{elements: make([]Value, 0, initialVectorCapacity), heap: heap}, nil
}

func (*Vector) TypeId() TypeId { return VectorType }
func (*Vector) value()         {}

func (v *Vector) Len() int {
	return len(v.elements)
}

func (v *Vector) Capacity() int {
	return cap(v.elements)
}

func (v *Vector) Push(val Value) error {
	if len(v.elements) == cap(v.elements) {
		newCapacity := cap(v.elements) * 2
		if newCapacity == 0 {
			newCapacity = initialVectorCapacity
		}
		if err := v.heap.Reallocate(uintptr(cap(v.elements))*valueSize, uintptr(newCapacity)*valueSize); err != nil {
			return err
		}
		elements := make([]Value, len(v.elements), newCapacity)
		copy(elements, v.elements)
		v.elements = elements
	}
	v.elements = append(v.elements, val)
	return nil
}

func (v *Vector) Pop() error {
	if len(v.elements) == 0 {
		return errors.Wrap(StatusOutOfBuffer, "pop from empty vector")
	}
	v.elements[len(v.elements)-1] = nil
	v.elements = v.elements[:len(v.elements)-1]
	return nil
}

func (v *Vector) Get(index int) (Value, error) {
	if index < 0 || index >= len(v.elements) {
		return nil, errors.Wrapf(StatusOutOfBuffer, "vector index %d of %d", index, len(v.elements))
	}
	return v.elements[index], nil
}

func (v *Vector) Set(index int, val Value) error {
	if index < 0 || index >= len(v.elements) {
		return errors.Wrapf(StatusOutOfBuffer, "vector index %d of %d", index, len(v.elements))
	}
	v.elements[index] = val
	return nil
}

// Destroy returns the element buffer to the allocator. The vector is empty
// and unusable afterwards.
func (v *Vector) Destroy() {
	if v.elements == nil {
		return
	}
	v.heap.Free(uintptr(cap(v.elements)) * valueSize)
	v.elements = nil
}

func (v *Vector) String() string {
	parts := make([]string, len(v.elements))
	for i, e := range v.elements {
		parts[i] = describe(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
