package runtime

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

const (
	DefaultStackSize     = 1024
	DefaultCallDepth     = 1024
	DefaultFrameBindings = 256
)

var memberTypes = []TypeId{IntType, StringType}

type Options struct {
	StackSize     int
	CallDepth     int
	FrameBindings int

	Heap   Allocator
	Hasher Hasher
	Out    io.Writer
	Logger zerolog.Logger

	TraceValues    bool
	TraceFrames    bool
	TraceExecution bool
}

func DefaultOptions() Options {
	return Options{
		StackSize:     DefaultStackSize,
		CallDepth:     DefaultCallDepth,
		FrameBindings: DefaultFrameBindings,
		Heap:          NewCollectedHeap(),
		Hasher:        XXH3,
		Out:           os.Stdout,
		Logger:        zerolog.Nop(),
	}
}

// Machine bundles everything one run needs. Separate machines share no
// state.
type Machine struct {
	code      *ByteCode
	values    *OperandStack
	frames    *CallStack
	functions *IndexTable
	structs   *IndexTable

	heap      Allocator
	collector Collector
	hasher    Hasher
	out       io.Writer
	log       zerolog.Logger

	TraceValues    bool
	TraceFrames    bool
	TraceExecution bool
}

func NewMachine(code []byte, opts Options) (*Machine, error) {
	defaults := DefaultOptions()
	if opts.StackSize <= 0 {
		opts.StackSize = defaults.StackSize
	}
	if opts.CallDepth <= 0 {
		opts.CallDepth = defaults.CallDepth
	}
	if opts.FrameBindings <= 0 {
		opts.FrameBindings = defaults.FrameBindings
	}
	if opts.Heap == nil {
		opts.Heap = defaults.Heap
	}
	if opts.Hasher == nil {
		opts.Hasher = defaults.Hasher
	}
	if opts.Out == nil {
		opts.Out = defaults.Out
	}

	m := new(Machine)
	m.code = NewByteCode(code)
	m.values = NewOperandStack(opts.StackSize)
	m.frames = NewCallStack(opts.CallDepth, opts.FrameBindings)
	m.heap = opts.Heap
	m.collector, _ = opts.Heap.(Collector)
	m.hasher = opts.Hasher
	m.out = opts.Out
	m.log = opts.Logger

	var err error
	if m.functions, err = NewIndexTable(m.heap); err != nil {
		return nil, err
	}
	if m.structs, err = NewIndexTable(m.heap); err != nil {
		return nil, err
	}

	m.TraceValues = opts.TraceValues
	m.TraceFrames = opts.TraceFrames
	m.TraceExecution = opts.TraceExecution
	return m, nil
}

func (m *Machine) ByteCode() *ByteCode {
	return m.code
}

func (m *Machine) Values() *OperandStack {
	return m.values
}

func (m *Machine) Frames() *CallStack {
	return m.frames
}

func (m *Machine) Heap() Allocator {
	return m.heap
}

// Functions maps function ids to body offsets once the header is parsed.
func (m *Machine) Functions() *IndexTable {
	return m.functions
}

// Structs maps struct ids to member counts once the header is parsed.
func (m *Machine) Structs() *IndexTable {
	return m.structs
}

// Run parses the header, then executes function 0 until it returns.
func (m *Machine) Run() error {
	if err := m.header(); err != nil {
		return err
	}

	// All offsets are relative to the end of the header.
	if err := m.code.Trim(); err != nil {
		return errors.Wrap(err, "no function bodies after header")
	}

	mainOffset, err := m.functions.Get(0)
	if err != nil {
		return errors.Wrap(err, "main function")
	}
	if err := m.code.Jump(mainOffset); err != nil {
		return err
	}
	if err := m.frames.Push(-1); err != nil {
		return err
	}
	return m.function()
}

func (m *Machine) header() error {
	m.log.Debug().Msg("reading bytecode header")
	for {
		op, err := m.code.Read8()
		if err != nil {
			return errors.Wrap(err, "header")
		}
		switch op {
		case HEADER_END:
			return nil
		case FUNCTION_JMP:
			if err := m.functionJmp(); err != nil {
				return err
			}
		case STRUCT_DEF:
			if err := m.structDef(); err != nil {
				return err
			}
		default:
			return errors.Wrapf(StatusInvalidOp, "unrecognised header op 0x%02x", op)
		}
	}
}

func (m *Machine) functionJmp() error {
	functionId, err := m.code.Read8()
	if err != nil {
		return err
	}
	offset, err := m.code.Read8()
	if err != nil {
		return err
	}
	if err := m.functions.Set(int(functionId), int(offset)); err != nil {
		return errors.Wrapf(err, "function %d", functionId)
	}
	m.log.Debug().Uint8("function", functionId).Uint8("offset", offset).Msg("FUNCTION_JMP")
	return nil
}

func (m *Machine) structDef() error {
	structId, err := m.code.Read8()
	if err != nil {
		return err
	}
	numMembers, err := m.code.Read8()
	if err != nil {
		return err
	}
	for i := 0; i < int(numMembers); i++ {
		typeId, err := m.code.Read8()
		if err != nil {
			return err
		}
		if !slices.Contains(memberTypes, typeId) {
			return errors.Wrapf(StatusInvalidOp, "struct %d member %d has type id 0x%02x", structId, i, typeId)
		}
	}
	if err := m.structs.Set(int(structId), int(numMembers)); err != nil {
		return errors.Wrapf(err, "struct %d", structId)
	}
	m.log.Debug().Uint8("struct", structId).Uint8("members", numMembers).Msg("STRUCT_DEF")
	return nil
}

// function executes one function body starting at its FUNCTION_DEF. The
// caller has already pushed the frame. Nested calls recurse.
func (m *Machine) function() error {
	op, err := m.code.Read8()
	if err != nil {
		return err
	}
	if op != FUNCTION_DEF {
		return errors.Wrapf(StatusInvalidOp, "expected FUNCTION_DEF, found %s", InstructionName(op))
	}
	functionId, err := m.code.Read8()
	if err != nil {
		return err
	}
	numArgs, err := m.code.Read8()
	if err != nil {
		return err
	}
	m.log.Debug().Uint8("function", functionId).Uint8("args", numArgs).Msg("FUNCTION_DEF")
	if err := m.bindArgs(int(numArgs)); err != nil {
		return errors.Wrapf(err, "arguments of function %d", functionId)
	}

	for !m.code.AtEnd() {
		// Between instructions every live value is on the operand stack or in
		// a frame binding.
		if m.collector != nil && m.collector.ShouldCollect() {
			m.Collect()
		}
		if m.TraceValues {
			m.log.Trace().Stringer("values", m.values).Msg("VALUES")
		}
		if m.TraceFrames {
			m.log.Trace().Int("depth", m.frames.Depth()).Stringer("frames", m.frames).Msg("FRAMES")
		}
		offset := m.code.Offset()
		instr, err := m.code.Read8()
		if err != nil {
			return err
		}
		if m.TraceExecution {
			m.log.Trace().Int("offset", offset).Uint8("function", functionId).Msg(InstructionName(instr))
		}

		switch instr {
		case RETURN, RETURN_VAL:
			return m.ret(instr == RETURN_VAL)
		case CALL_FUNC:
			err = m.call()
		default:
			err = m.step(instr)
		}
		if err != nil {
			return errors.Wrapf(err, "%s at %d", InstructionName(instr), offset)
		}
	}
	// Every function ends in a return; running off the buffer means the
	// producer emitted a malformed body.
	return errors.Wrapf(StatusOutOfBuffer, "function %d has no return", functionId)
}

// bindArgs pops the call arguments so that the first declared argument is
// binding 0 and the last pushed one has the highest index.
func (m *Machine) bindArgs(numArgs int) error {
	for i := 0; i < numArgs; i++ {
		val, err := m.values.Pop()
		if err != nil {
			return err
		}
		if err := m.frames.Set(numArgs-i-1, val); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) call() error {
	functionId, err := m.code.Read8()
	if err != nil {
		return err
	}
	functionOffset, err := m.functions.Get(int(functionId))
	if err != nil {
		return errors.Wrapf(err, "function %d", functionId)
	}
	if err := m.frames.Push(m.code.Offset()); err != nil {
		return err
	}
	if err := m.code.Jump(functionOffset); err != nil {
		return err
	}
	return m.function()
}

func (m *Machine) ret(withValue bool) error {
	if withValue {
		// The result stays on the operand stack for the caller.
		if _, err := m.values.Top(); err != nil {
			return errors.Wrap(err, "RETURN_VAL")
		}
	}
	returnOffset, err := m.frames.ReturnOffset()
	if err != nil {
		return err
	}
	if err := m.frames.Pop(); err != nil {
		return err
	}
	if m.frames.Depth() != 0 {
		return m.code.Jump(returnOffset)
	}
	if returnOffset != -1 {
		return errors.Wrapf(StatusError, "outermost frame returned to %d", returnOffset)
	}
	return nil
}

// step executes every instruction that does not change the call depth.
func (m *Machine) step(instr Instruction) error {
	switch instr {
	case INT:
		val, err := m.code.Read8()
		if err != nil {
			return err
		}
		return m.values.Push(Int(val))
	case STRING:
		return m.pushString()

	case ADD, SUBTRACT, MULTIPLY, DIVIDE, EQ, LT:
		return m.binary(instr)

	case SET_VAR:
		id, err := m.code.Read8()
		if err != nil {
			return err
		}
		val, err := m.values.Pop()
		if err != nil {
			return err
		}
		return m.frames.Set(int(id), val)
	case GET_VAR:
		id, err := m.code.Read8()
		if err != nil {
			return err
		}
		val, err := m.frames.Get(int(id))
		if err != nil {
			return err
		}
		return m.values.Push(val)

	case PRINT:
		val, err := m.values.Pop()
		if err != nil {
			return err
		}
		switch val := val.(type) {
		case Int, String:
			_, err := fmt.Fprintln(m.out, val.String())
			return err
		default:
			return errors.Wrapf(StatusInvalidOp, "cannot print a %s", typeName(val.TypeId()))
		}

	case JUMP:
		offset, err := m.code.Read8()
		if err != nil {
			return err
		}
		return m.code.Jump(int(offset))
	case JUMP_IF_TRUE, JUMP_IF_FALSE:
		offset, err := m.code.Read8()
		if err != nil {
			return err
		}
		val, err := m.values.Pop()
		if err != nil {
			return err
		}
		cond, err := Truthy(val)
		if err != nil {
			return err
		}
		if cond == (instr == JUMP_IF_TRUE) {
			return m.code.Jump(int(offset))
		}
		return nil

	case STRUCT:
		return m.structAlloc()
	case GET_STRUCT_MEMBER:
		index, err := m.code.Read8()
		if err != nil {
			return err
		}
		s, err := m.popStruct()
		if err != nil {
			return err
		}
		member, err := s.Member(int(index))
		if err != nil {
			return err
		}
		return m.values.Push(member)
	case SET_STRUCT_MEMBER:
		index, err := m.code.Read8()
		if err != nil {
			return err
		}
		s, err := m.popStruct()
		if err != nil {
			return err
		}
		val, err := m.values.Pop()
		if err != nil {
			return err
		}
		return s.SetMember(int(index), val)

	case VEC:
		return m.vector()
	case VEC_ACCESS:
		index, err := m.popInt("vector index")
		if err != nil {
			return err
		}
		vec, err := m.popVector()
		if err != nil {
			return err
		}
		element, err := vec.Get(int(index))
		if err != nil {
			return err
		}
		return m.values.Push(element)
	case VEC_PUSH:
		val, err := m.values.Pop()
		if err != nil {
			return err
		}
		vec, err := m.popVector()
		if err != nil {
			return err
		}
		return vec.Push(val)
	case VEC_LEN:
		vec, err := m.popVector()
		if err != nil {
			return err
		}
		return m.values.Push(Int(vec.Len()))
	case VEC_POP:
		vec, err := m.popVector()
		if err != nil {
			return err
		}
		return vec.Pop()

	case MAP:
		return m.hashMap()
	case MAP_ACCESS:
		key, err := m.popKey()
		if err != nil {
			return err
		}
		hm, err := m.popMap()
		if err != nil {
			return err
		}
		val, err := hm.Get(key)
		if err != nil {
			return err
		}
		return m.values.Push(val)
	case MAP_INSERT:
		val, err := m.values.Pop()
		if err != nil {
			return err
		}
		key, err := m.popKey()
		if err != nil {
			return err
		}
		hm, err := m.popMap()
		if err != nil {
			return err
		}
		return hm.Set(key, val)

	default:
		return errors.Wrapf(StatusInvalidOp, "unrecognised instruction 0x%02x", instr)
	}
}

// pushString pushes a string literal. The allocation covers the bytes plus a
// terminator and is released if the push fails.
func (m *Machine) pushString() error {
	length, err := m.code.Read8()
	if err != nil {
		return err
	}
	size := uintptr(length) + 1
	if err := m.heap.Allocate(size); err != nil {
		return err
	}
	buf := make([]byte, length)
	for i := range buf {
		if buf[i], err = m.code.Read8(); err != nil {
			m.heap.Free(size)
			return err
		}
	}
	if err := m.values.Push(String(buf)); err != nil {
		m.heap.Free(size)
		return err
	}
	return nil
}

// binary pops rhs then lhs.
func (m *Machine) binary(instr Instruction) error {
	rhs, err := m.popInt(InstructionName(instr))
	if err != nil {
		return err
	}
	lhs, err := m.popInt(InstructionName(instr))
	if err != nil {
		return err
	}
	result, err := IntBinary(instr, lhs, rhs)
	if err != nil {
		return err
	}
	return m.values.Push(result)
}

func (m *Machine) structAlloc() error {
	structId, err := m.code.Read8()
	if err != nil {
		return err
	}
	numMembers, err := m.structs.Get(int(structId))
	if err != nil {
		return errors.Wrapf(err, "struct %d", structId)
	}
	size := uintptr(numMembers) * valueSize
	if err := m.heap.Allocate(size); err != nil {
		return err
	}
	s := &Struct{id: int(structId), members: make([]Value, numMembers)}
	for i := 0; i < numMembers; i++ {
		member, err := m.values.Pop()
		if err != nil {
			m.heap.Free(size)
			return err
		}
		s.members[numMembers-i-1] = member
	}
	if err := m.values.Push(s); err != nil {
		m.heap.Free(size)
		return err
	}
	return nil
}

// vector pops n values; the last pushed ends up at the highest index.
func (m *Machine) vector() error {
	count, err := m.code.Read8()
	if err != nil {
		return err
	}
	vec, err := NewVector(m.heap)
	if err != nil {
		return err
	}
	elements := make([]Value, count)
	for i := int(count) - 1; i >= 0; i-- {
		if elements[i], err = m.values.Pop(); err != nil {
			vec.Destroy()
			return err
		}
	}
	for _, e := range elements {
		if err := vec.Push(e); err != nil {
			vec.Destroy()
			return err
		}
	}
	if err := m.values.Push(vec); err != nil {
		vec.Destroy()
		return err
	}
	return nil
}

// hashMap pops n (value, key) pairs and inserts them in the order they were
// pushed, so a repeated key keeps its last value.
func (m *Machine) hashMap() error {
	count, err := m.code.Read8()
	if err != nil {
		return err
	}
	hm, err := NewHashMap(m.heap, m.hasher)
	if err != nil {
		return err
	}
	keys := make([]Value, count)
	vals := make([]Value, count)
	for i := int(count) - 1; i >= 0; i-- {
		if vals[i], err = m.values.Pop(); err != nil {
			hm.Destroy()
			return err
		}
		if keys[i], err = m.popKey(); err != nil {
			hm.Destroy()
			return err
		}
	}
	for i := range keys {
		if err := hm.Set(keys[i], vals[i]); err != nil {
			hm.Destroy()
			return err
		}
	}
	if err := m.values.Push(hm); err != nil {
		hm.Destroy()
		return err
	}
	return nil
}

func (m *Machine) popInt(context string) (Int, error) {
	val, err := m.values.Pop()
	if err != nil {
		return 0, err
	}
	return expectInt(val, context)
}

func (m *Machine) popStruct() (*Struct, error) {
	val, err := m.values.Pop()
	if err != nil {
		return nil, err
	}
	return expectStruct(val, "struct member")
}

func (m *Machine) popVector() (*Vector, error) {
	val, err := m.values.Pop()
	if err != nil {
		return nil, err
	}
	return expectVector(val, "vector operand")
}

func (m *Machine) popMap() (*HashMap, error) {
	val, err := m.values.Pop()
	if err != nil {
		return nil, err
	}
	return expectMap(val, "map operand")
}

func (m *Machine) popKey() (Value, error) {
	key, err := m.values.Pop()
	if err != nil {
		return nil, err
	}
	if !IsKey(key) {
		return nil, errors.Wrapf(StatusInvalidOp, "a %s cannot be a map key", typeName(key.TypeId()))
	}
	return key, nil
}
