package runtime

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// CallFrame holds the bindings of one active function invocation and the
// offset to resume the caller at. A nil binding is unset.
type CallFrame struct {
	bindings     []Value
	returnOffset CodePointer
}

func (f *CallFrame) ReturnOffset() CodePointer {
	return f.returnOffset
}

func (f *CallFrame) Slots() []Value {
	return f.bindings
}

func (f *CallFrame) reset(returnOffset CodePointer) {
	for i := range f.bindings {
		f.bindings[i] = nil
	}
	f.returnOffset = returnOffset
}

// CallStack is a bounded stack of frames. Only the top frame is addressable.
// Frame storage is reused between calls.
type CallStack struct {
	frames   []CallFrame
	depth    int
	bindings int
}

func NewCallStack(capacity, bindings int) *CallStack {
	return &CallStack{frames: make([]CallFrame, capacity), bindings: bindings}
}

func (cs *CallStack) Depth() int {
	return cs.depth
}

func (cs *CallStack) Push(returnOffset CodePointer) error {
	if cs.depth >= len(cs.frames) {
		return errors.Wrapf(StatusStackOverflow, "call stack full at %d frames", len(cs.frames))
	}
	frame := &cs.frames[cs.depth]
	if frame.bindings == nil {
		frame.bindings = make([]Value, cs.bindings)
	}
	frame.reset(returnOffset)
	cs.depth++
	return nil
}

func (cs *CallStack) Pop() error {
	if cs.depth <= 0 {
		return errors.Wrap(StatusStackOverflow, "call stack underflow")
	}
	cs.depth--
	cs.frames[cs.depth].reset(-1)
	return nil
}

func (cs *CallStack) Top() (*CallFrame, error) {
	if cs.depth <= 0 {
		return nil, errors.Wrap(StatusStackOverflow, "no active call frame")
	}
	return &cs.frames[cs.depth-1], nil
}

func (cs *CallStack) ReturnOffset() (CodePointer, error) {
	frame, err := cs.Top()
	if err != nil {
		return 0, err
	}
	return frame.returnOffset, nil
}

func (cs *CallStack) Get(id int) (Value, error) {
	frame, err := cs.Top()
	if err != nil {
		return nil, err
	}
	if id < 0 || id >= len(frame.bindings) {
		return nil, errors.Wrapf(StatusOutOfBuffer, "binding %d of %d", id, len(frame.bindings))
	}
	v := frame.bindings[id]
	if v == nil {
		return nil, errors.Wrapf(StatusError, "binding %d is unset", id)
	}
	return v, nil
}

func (cs *CallStack) Set(id int, v Value) error {
	frame, err := cs.Top()
	if err != nil {
		return err
	}
	if id < 0 || id >= len(frame.bindings) {
		return errors.Wrapf(StatusOutOfBuffer, "binding %d of %d", id, len(frame.bindings))
	}
	frame.bindings[id] = v
	return nil
}

// each calls fn for every set binding of every active frame, outermost first.
func (cs *CallStack) each(fn func(Value)) {
	for i := 0; i < cs.depth; i++ {
		for _, v := range cs.frames[i].bindings {
			if v != nil {
				fn(v)
			}
		}
	}
}

func (cs *CallStack) String() string {
	if cs.depth == 0 {
		return "<empty>"
	}
	var sb strings.Builder
	for i := 0; i < cs.depth; i++ {
		frame := &cs.frames[i]
		if i > 0 {
			sb.WriteString(" | ")
		}
		fmt.Fprintf(&sb, "ret:%d", frame.returnOffset)
		for id, v := range frame.bindings {
			if v != nil {
				fmt.Fprintf(&sb, " %d=%s", id, describe(v))
			}
		}
	}
	return sb.String()
}
