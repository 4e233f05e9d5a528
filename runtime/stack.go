package runtime

import (
	"strings"

	"github.com/pkg/errors"
)

// OperandStack is the bounded value stack expressions are evaluated on.
type OperandStack struct {
	values   []Value
	capacity int
}

func NewOperandStack(capacity int) *OperandStack {
	return &OperandStack{values: make([]Value, 0, capacity), capacity: capacity}
}

func (s *OperandStack) Len() int {
	return len(s.values)
}

func (s *OperandStack) Capacity() int {
	return s.capacity
}

func (s *OperandStack) Push(v Value) error {
	if len(s.values) >= s.capacity {
		return errors.Wrapf(StatusStackOverflow, "operand stack full at %d values", s.capacity)
	}
	s.values = append(s.values, v)
	return nil
}

func (s *OperandStack) Pop() (Value, error) {
	stackLen := len(s.values)
	if stackLen <= 0 {
		return nil, errors.Wrap(StatusStackOverflow, "operand stack underflow")
	}
	result := s.values[stackLen-1]
	s.values[stackLen-1] = nil
	s.values = s.values[:stackLen-1]
	return result, nil
}

func (s *OperandStack) Top() (Value, error) {
	stackLen := len(s.values)
	if stackLen <= 0 {
		return nil, errors.Wrap(StatusStackOverflow, "top of empty operand stack")
	}
	return s.values[stackLen-1], nil
}

// Values returns a copy of the stack contents, bottom first.
func (s *OperandStack) Values() []Value {
	return append([]Value(nil), s.values...)
}

func (s *OperandStack) String() string {
	if len(s.values) == 0 {
		return "<empty>"
	}
	parts := make([]string, len(s.values))
	for i, v := range s.values {
		parts[i] = describe(v)
	}
	return strings.Join(parts, " ~ ")
}
