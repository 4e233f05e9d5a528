package runtime

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
)

func runProgram(t *testing.T, code []byte, opts Options) (*Machine, string, error) {
	t.Helper()
	var out bytes.Buffer
	opts.Out = &out
	m, err := NewMachine(code, opts)
	if err != nil {
		t.Fatal(err)
	}
	err = m.Run()
	return m, out.String(), err
}

func TestMachinePrograms(t *testing.T) {
	testCases := []struct {
		name    string
		program func(b *Builder)
		out     string
		status  Status
		// Compared only when set. Composite values are not comparable.
		values  []Value
	}{
		{"return value stays on the stack", func(b *Builder) {
			b.Function(0, 0).Int(5).Op(RETURN_VAL)
		}, "", StatusOk, []Value{Int(5)}},

		{"call and print a sum", func(b *Builder) {
			b.Function(0, 0).Int(3).Int(4).Op(CALL_FUNC, 1).Op(PRINT).Op(RETURN)
			b.Function(1, 2).Op(GET_VAR, 0).Op(GET_VAR, 1).Op(ADD).Op(RETURN_VAL)
		}, "7\n", StatusOk, []Value{}},

		{"first argument is binding zero", func(b *Builder) {
			b.Function(0, 0).Int(10).Int(3).Op(CALL_FUNC, 1).Op(RETURN_VAL)
			b.Function(1, 2).Op(GET_VAR, 0).Op(GET_VAR, 1).Op(SUBTRACT).Op(RETURN_VAL)
		}, "", StatusOk, []Value{Int(7)}},

		{"function returning nothing", func(b *Builder) {
			b.Function(0, 0).Int(1).Op(CALL_FUNC, 1).Op(RETURN_VAL)
			b.Function(1, 0).Int(2).Op(PRINT).Op(RETURN)
		}, "2\n", StatusOk, []Value{Int(1)}},

		{"arithmetic and comparisons", func(b *Builder) {
			b.Function(0, 0)
			b.Int(6).Int(7).Op(MULTIPLY).Op(PRINT)
			b.Int(9).Int(2).Op(DIVIDE).Op(PRINT)
			b.Int(2).Int(3).Op(LT).Op(PRINT)
			b.Int(3).Int(3).Op(EQ).Op(PRINT)
			b.Int(4).Int(3).Op(EQ).Op(PRINT)
			b.Op(RETURN)
		}, "42\n4\n1\n1\n0\n", StatusOk, []Value{}},

		{"subtraction wraps around", func(b *Builder) {
			b.Function(0, 0).Int(0).Int(1).Op(SUBTRACT).Op(PRINT).Op(RETURN)
		}, "18446744073709551615\n", StatusOk, nil},

		{"string literal", func(b *Builder) {
			b.Function(0, 0).StringLit("hello").Op(PRINT).StringLit("").Op(RETURN_VAL)
		}, "hello\n", StatusOk, []Value{String("")}},

		{"countdown loop", func(b *Builder) {
			b.Function(0, 0).Int(3).Op(SET_VAR, 0)
			loop := b.Offset()
			b.Op(GET_VAR, 0).Op(PRINT)
			b.Op(GET_VAR, 0).Int(1).Op(SUBTRACT).Op(SET_VAR, 0)
			b.Op(GET_VAR, 0).Int(0).Op(EQ).Op(JUMP_IF_FALSE, loop)
			b.Op(RETURN)
		}, "3\n2\n1\n", StatusOk, []Value{}},

		{"jump if true taken", func(b *Builder) {
			b.Function(0, 0).Int(1)
			at := b.Offset() + 1
			b.Op(JUMP_IF_TRUE, 0).StringLit("skipped").Op(PRINT)
			b.Patch(at, b.Offset())
			b.StringLit("landed").Op(PRINT).Op(RETURN)
		}, "landed\n", StatusOk, nil},

		{"jump if true not taken", func(b *Builder) {
			b.Function(0, 0).Int(0)
			at := b.Offset() + 1
			b.Op(JUMP_IF_TRUE, 0).StringLit("fell through").Op(PRINT)
			b.Patch(at, b.Offset())
			b.Op(RETURN)
		}, "fell through\n", StatusOk, nil},

		{"unconditional jump", func(b *Builder) {
			b.Function(0, 0)
			at := b.Offset() + 1
			b.Op(JUMP, 0).Int(1).Op(PRINT)
			b.Patch(at, b.Offset())
			b.Int(2).Op(PRINT).Op(RETURN)
		}, "2\n", StatusOk, nil},

		{"struct members in push order", func(b *Builder) {
			b.StructDef(0, IntType, StringType)
			b.Function(0, 0).Int(1).StringLit("two").Op(STRUCT, 0)
			b.Op(SET_VAR, 0)
			b.Op(GET_VAR, 0).Op(GET_STRUCT_MEMBER, 0).Op(PRINT)
			b.Op(GET_VAR, 0).Op(GET_STRUCT_MEMBER, 1).Op(PRINT)
			b.Op(RETURN)
		}, "1\ntwo\n", StatusOk, []Value{}},

		{"struct mutation is shared", func(b *Builder) {
			b.StructDef(0, IntType, IntType)
			b.Function(0, 0).Int(1).Int(2).Op(STRUCT, 0).Op(SET_VAR, 0)
			b.Int(9).Op(GET_VAR, 0).Op(SET_STRUCT_MEMBER, 0)
			b.Op(GET_VAR, 0).Op(CALL_FUNC, 1)
			b.Op(GET_VAR, 0).Op(GET_STRUCT_MEMBER, 1).Op(PRINT)
			b.Op(RETURN)
			// Function 1 reads member 0 then overwrites member 1.
			b.Function(1, 1).Op(GET_VAR, 0).Op(GET_STRUCT_MEMBER, 0).Op(PRINT)
			b.Int(5).Op(GET_VAR, 0).Op(SET_STRUCT_MEMBER, 1).Op(RETURN)
		}, "9\n5\n", StatusOk, []Value{}},

		{"vector operations", func(b *Builder) {
			b.Function(0, 0).Int(1).Int(2).Int(3).Op(VEC, 3).Op(SET_VAR, 0)
			b.Op(GET_VAR, 0).Int(4).Op(VEC_PUSH)
			b.Op(GET_VAR, 0).Op(VEC_LEN).Op(PRINT)
			b.Op(GET_VAR, 0).Int(0).Op(VEC_ACCESS).Op(PRINT)
			b.Op(GET_VAR, 0).Int(3).Op(VEC_ACCESS).Op(PRINT)
			b.Op(GET_VAR, 0).Op(VEC_POP)
			b.Op(GET_VAR, 0).Op(VEC_LEN).Op(PRINT)
			b.Op(RETURN)
		}, "4\n1\n4\n3\n", StatusOk, []Value{}},

		{"map lookup", func(b *Builder) {
			b.Function(0, 0).Int(1).Int(10).Int(2).Int(20).Op(MAP, 2)
			b.Int(2).Op(MAP_ACCESS).Op(RETURN_VAL)
		}, "", StatusOk, []Value{Int(20)}},

		{"map literal keeps the last duplicate", func(b *Builder) {
			b.Function(0, 0).Int(1).Int(10).Int(1).Int(11).Op(MAP, 2)
			b.Int(1).Op(MAP_ACCESS).Op(RETURN_VAL)
		}, "", StatusOk, []Value{Int(11)}},

		{"map insert with string keys", func(b *Builder) {
			b.Function(0, 0).StringLit("a").Int(1).Op(MAP, 1).Op(SET_VAR, 0)
			b.Op(GET_VAR, 0).StringLit("b").Int(2).Op(MAP_INSERT)
			b.Op(GET_VAR, 0).StringLit("a").Op(MAP_ACCESS).Op(PRINT)
			b.Op(GET_VAR, 0).StringLit("b").Op(MAP_ACCESS).Op(PRINT)
			b.Op(RETURN)
		}, "1\n2\n", StatusOk, []Value{}},

		{"map key miss", func(b *Builder) {
			b.Function(0, 0).Int(1).Int(10).Op(MAP, 1).Int(3).Op(MAP_ACCESS).Op(RETURN_VAL)
		}, "", StatusKeyMiss, nil},

		{"divide by zero", func(b *Builder) {
			b.Function(0, 0).Int(1).Int(0).Op(DIVIDE).Op(RETURN_VAL)
		}, "", StatusDivideByZero, nil},

		{"unknown instruction", func(b *Builder) {
			b.Function(0, 0).Op(0xee).Op(RETURN)
		}, "", StatusInvalidOp, nil},

		{"missing return", func(b *Builder) {
			b.Function(0, 0).Int(1)
		}, "", StatusOutOfBuffer, nil},

		{"operand type mismatch", func(b *Builder) {
			b.Function(0, 0).StringLit("a").Int(1).Op(ADD).Op(RETURN_VAL)
		}, "", StatusError, nil},

		{"condition other than 0 or 1", func(b *Builder) {
			b.Function(0, 0).Int(2).Op(JUMP_IF_TRUE, 0).Op(RETURN)
		}, "", StatusError, nil},

		{"unset binding", func(b *Builder) {
			b.Function(0, 0).Op(GET_VAR, 4).Op(RETURN_VAL)
		}, "", StatusError, nil},

		{"print a vector", func(b *Builder) {
			b.Function(0, 0).Op(VEC, 0).Op(PRINT).Op(RETURN)
		}, "", StatusInvalidOp, nil},

		{"vector as map key", func(b *Builder) {
			b.Function(0, 0).Op(VEC, 0).Int(1).Op(MAP, 1).Op(RETURN)
		}, "", StatusInvalidOp, nil},

		{"vector index out of range", func(b *Builder) {
			b.Function(0, 0).Int(1).Op(VEC, 1).Int(1).Op(VEC_ACCESS).Op(RETURN_VAL)
		}, "", StatusOutOfBuffer, nil},

		{"struct member out of range", func(b *Builder) {
			b.StructDef(0, IntType)
			b.Function(0, 0).Int(1).Op(STRUCT, 0).Op(GET_STRUCT_MEMBER, 1).Op(RETURN_VAL)
		}, "", StatusOutOfBuffer, nil},

		{"undefined struct", func(b *Builder) {
			b.Function(0, 0).Op(STRUCT, 0).Op(RETURN_VAL)
		}, "", StatusError, nil},

		{"undefined function", func(b *Builder) {
			b.Function(0, 0).Op(CALL_FUNC, 9).Op(RETURN)
		}, "", StatusOutOfBuffer, nil},

		{"jump past the end", func(b *Builder) {
			b.Function(0, 0).Op(JUMP, 200).Op(RETURN)
		}, "", StatusOutOfBuffer, nil},

		{"operand stack underflow", func(b *Builder) {
			b.Function(0, 0).Op(ADD).Op(RETURN)
		}, "", StatusStackOverflow, nil},

		{"missing arguments", func(b *Builder) {
			b.Function(0, 2).Op(RETURN)
		}, "", StatusStackOverflow, nil},

		{"return value from an empty stack", func(b *Builder) {
			b.Function(0, 0).Op(RETURN_VAL)
		}, "", StatusStackOverflow, nil},

		{"unbounded recursion", func(b *Builder) {
			b.Function(0, 0).Op(CALL_FUNC, 0).Op(RETURN)
		}, "", StatusStackOverflow, nil},

		{"no main function", func(b *Builder) {
			b.Function(1, 0).Op(RETURN)
		}, "", StatusError, nil},

		{"function defined twice", func(b *Builder) {
			b.HeaderOp(FUNCTION_JMP, 0, 0)
			b.Function(0, 0).Op(RETURN)
		}, "", StatusError, nil},

		{"unknown header op", func(b *Builder) {
			b.HeaderOp(0x42)
			b.Function(0, 0).Op(RETURN)
		}, "", StatusInvalidOp, nil},

		{"struct member of unsupported type", func(b *Builder) {
			b.StructDef(0, VectorType)
			b.Function(0, 0).Op(RETURN)
		}, "", StatusInvalidOp, nil},

		{"function offset not at FUNCTION_DEF", func(b *Builder) {
			b.HeaderOp(FUNCTION_JMP, 0, 1)
			b.Int(5).Op(RETURN)
		}, "", StatusInvalidOp, nil},

		{"header without bodies", func(b *Builder) {
			b.HeaderOp(FUNCTION_JMP, 0, 0)
		}, "", StatusOutOfBuffer, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder()
			tc.program(b)

			opts := DefaultOptions()
			opts.CallDepth = 16
			m, out, err := runProgram(t, b.Bytes(), opts)

			if res := StatusOf(err); res != tc.status {
				t.Fatalf("expected status %s, got %s (%v)", tc.status, res, err)
			}
			if out != tc.out {
				t.Errorf("expected output %q, got %q", tc.out, out)
			}
			if tc.values != nil {
				res := m.Values().Values()
				if !cmp.Equal(res, tc.values, cmpopts.EquateEmpty()) {
					t.Errorf("operand stack mismatch (-want +got):\n%s", cmp.Diff(tc.values, res, cmpopts.EquateEmpty()))
				}
			}
			if err == nil && m.Frames().Depth() != 0 {
				t.Errorf("expected every frame popped, depth is %d", m.Frames().Depth())
			}
		})
	}
}

func TestMachineHeaderWithoutEnd(t *testing.T) {
	_, _, err := runProgram(t, []byte{FUNCTION_JMP, 0, 0}, DefaultOptions())
	if StatusOf(err) != StatusOutOfBuffer {
		t.Errorf("expected OutOfBuffer, got %v", err)
	}
}

func TestMachineHeaderTables(t *testing.T) {
	b := NewBuilder().StructDef(3, IntType, IntType, StringType)
	b.Function(0, 0).Op(RETURN)
	b.Function(2, 1).Op(RETURN)

	m, _, err := runProgram(t, b.Bytes(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if res, exp := m.Functions().Entries(), map[int]int{0: 0, 2: 4}; !cmp.Equal(res, exp) {
		t.Errorf("functions mismatch (-want +got):\n%s", cmp.Diff(exp, res))
	}
	if res, exp := m.Structs().Entries(), map[int]int{3: 3}; !cmp.Equal(res, exp) {
		t.Errorf("structs mismatch (-want +got):\n%s", cmp.Diff(exp, res))
	}
}

func TestMachineOperandStackLimit(t *testing.T) {
	b := NewBuilder()
	b.Function(0, 0).Int(1).Int(2).Int(3).Op(RETURN)

	opts := DefaultOptions()
	opts.StackSize = 2
	_, _, err := runProgram(t, b.Bytes(), opts)
	if StatusOf(err) != StatusStackOverflow {
		t.Errorf("expected StackOverflow, got %v", err)
	}
}

func TestMachineBoundedHeap(t *testing.T) {
	testCases := []struct {
		name    string
		program func(b *Builder)
	}{
		{"string literal", func(b *Builder) {
			b.Function(0, 0).StringLit(strings.Repeat("x", 200)).Op(RETURN)
		}},
		{"growing vector", func(b *Builder) {
			b.Function(0, 0).Op(VEC, 0).Op(SET_VAR, 0)
			loop := b.Offset()
			b.Op(GET_VAR, 0).Int(1).Op(VEC_PUSH)
			b.Op(JUMP, loop)
		}},
		{"growing map", func(b *Builder) {
			b.Function(0, 0).Op(MAP, 0).Op(SET_VAR, 0).Int(0).Op(SET_VAR, 1)
			loop := b.Offset()
			b.Op(GET_VAR, 0).Op(GET_VAR, 1).Int(0).Op(MAP_INSERT)
			b.Op(GET_VAR, 1).Int(1).Op(ADD).Op(SET_VAR, 1)
			b.Op(JUMP, loop)
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder()
			tc.program(b)

			heap := NewBoundedHeap(128)
			opts := DefaultOptions()
			opts.Heap = heap
			_, _, err := runProgram(t, b.Bytes(), opts)
			if StatusOf(err) != StatusOutOfMemory {
				t.Errorf("expected OutOfMemory, got %v", err)
			}
			if heap.Stats().InUse > heap.Limit() {
				t.Errorf("%d bytes in use exceeds the limit", heap.Stats().InUse)
			}
		})
	}
}

func TestMachineFailedCompositeIsReleased(t *testing.T) {
	// VEC 3 with only two values pushed fails after the vector is allocated.
	b := NewBuilder()
	b.Function(0, 0).Int(1).Int(2).Op(VEC, 3).Op(RETURN_VAL)

	heap := NewCollectedHeap()
	opts := DefaultOptions()
	opts.Heap = heap
	m, _, err := runProgram(t, b.Bytes(), opts)
	if StatusOf(err) != StatusStackOverflow {
		t.Fatalf("expected StackOverflow, got %v", err)
	}
	tables := uint64(m.Functions().Len()+m.Structs().Len()) * uint64(tableSlotSize)
	if res := heap.Stats().InUse; res != tables {
		t.Errorf("expected only the %d table bytes in use, got %d", tables, res)
	}
}

func TestMachineFailureLeavesCursorAtFault(t *testing.T) {
	b := NewBuilder()
	b.Function(0, 0).Int(1).Int(0)
	fault := b.Offset()
	b.Op(DIVIDE).Op(RETURN)

	m, _, err := runProgram(t, b.Bytes(), DefaultOptions())
	if StatusOf(err) != StatusDivideByZero {
		t.Fatalf("expected DivideByZero, got %v", err)
	}
	// The cursor has consumed the faulting opcode.
	if m.ByteCode().Offset() != int(fault)+1 {
		t.Errorf("expected cursor at %d, got %d", fault+1, m.ByteCode().Offset())
	}
	if !strings.Contains(err.Error(), fmt.Sprintf("DIVIDE at %d", fault)) {
		t.Errorf("error should name the instruction and offset, got %q", err.Error())
	}
}

func TestMachineTrace(t *testing.T) {
	b := NewBuilder()
	b.Function(0, 0).Int(2).Op(RETURN_VAL)

	var logs bytes.Buffer
	opts := DefaultOptions()
	opts.Logger = zerolog.New(&logs).Level(zerolog.TraceLevel)
	opts.TraceValues = true
	opts.TraceFrames = true
	opts.TraceExecution = true
	if _, _, err := runProgram(t, b.Bytes(), opts); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`"message":"FUNCTION_JMP"`,
		`"message":"INT"`,
		`"message":"RETURN_VAL"`,
		`"values":"2"`,
		`"frames":"ret:-1"`,
	} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("trace missing %s:\n%s", want, logs.String())
		}
	}
}

func TestMachinesAreIndependent(t *testing.T) {
	b := NewBuilder()
	b.Function(0, 0).Int(1).Op(RETURN_VAL)
	code := b.Bytes()

	first, _, err := runProgram(t, code, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := runProgram(t, code, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if first.Values().Len() != 1 || second.Values().Len() != 1 {
		t.Errorf("expected one value on each machine, got %d and %d", first.Values().Len(), second.Values().Len())
	}
}

// countdown writes a loop running body n times with the counter in binding 0.
func countdown(b *Builder, n uint8, body func(b *Builder)) {
	b.Int(n).Op(SET_VAR, 0)
	loop := b.Offset()
	body(b)
	b.Op(GET_VAR, 0).Int(1).Op(SUBTRACT).Op(SET_VAR, 0)
	b.Op(GET_VAR, 0).Int(0).Op(EQ).Op(JUMP_IF_FALSE, loop)
}

func TestMachineReclaimsUnreachableValues(t *testing.T) {
	testCases := []struct {
		name    string
		program func(b *Builder)
		out     string
	}{
		{"printed strings", func(b *Builder) {
			b.Function(0, 0)
			countdown(b, 200, func(b *Builder) {
				b.StringLit("hello").Op(PRINT)
			})
			b.Op(RETURN)
		}, strings.Repeat("hello\n", 200)},
		{"rebuilt struct", func(b *Builder) {
			b.StructDef(0, IntType)
			b.Function(0, 0)
			countdown(b, 200, func(b *Builder) {
				b.Op(GET_VAR, 0).Op(STRUCT, 0).Op(SET_VAR, 1)
			})
			b.Op(GET_VAR, 1).Op(GET_STRUCT_MEMBER, 0).Op(PRINT).Op(RETURN)
		}, "1\n"},
		{"discarded vectors", func(b *Builder) {
			b.Function(0, 0)
			countdown(b, 200, func(b *Builder) {
				b.Int(1).Int(2).Int(3).Op(VEC, 3).Op(VEC_LEN).Op(SET_VAR, 1)
			})
			b.Op(GET_VAR, 1).Op(PRINT).Op(RETURN)
		}, "3\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder()
			tc.program(b)

			heap := NewBoundedHeap(1024)
			opts := DefaultOptions()
			opts.Heap = heap
			_, out, err := runProgram(t, b.Bytes(), opts)
			if err != nil {
				t.Fatal(err)
			}
			if out != tc.out {
				t.Errorf("output mismatch (-want +got):\n%s", cmp.Diff(tc.out, out))
			}
			stats := heap.Stats()
			if stats.Collections == 0 {
				t.Error("expected at least one collection")
			}
			if stats.InUse > heap.Limit() || stats.Peak > heap.Limit() {
				t.Errorf("heap exceeded its %d byte limit: %s", heap.Limit(), stats)
			}
		})
	}
}

func TestMachineCollectKeepsReachableValues(t *testing.T) {
	b := NewBuilder()
	b.Function(0, 0)
	b.Op(VEC, 0).Op(SET_VAR, 1)
	countdown(b, 50, func(b *Builder) {
		b.StringLit("dropped").Op(PRINT)
	})
	b.Op(GET_VAR, 1).StringLit("kept").Op(VEC_PUSH)
	b.Op(GET_VAR, 1).Op(RETURN_VAL)

	heap := NewCollectedHeap()
	opts := DefaultOptions()
	opts.Heap = heap
	m, _, err := runProgram(t, b.Bytes(), opts)
	if err != nil {
		t.Fatal(err)
	}
	before := heap.Stats()
	if before.Collections != 0 {
		t.Fatalf("expected no collection below the threshold, got %d", before.Collections)
	}

	// The returned vector and its one string survive; the printed strings do not.
	tables := uint64(uintptr(m.Functions().Len()+m.Structs().Len()) * tableSlotSize)
	exp := tables + uint64(initialVectorCapacity*valueSize) + uint64(len("kept")+1)
	if res := m.Collect(); res != exp {
		t.Errorf("expected %d live bytes, got %d", exp, res)
	}
	after := heap.Stats()
	if after.InUse != exp || after.Collections != 1 {
		t.Errorf("expected %d bytes in use after one collection, got %s", exp, after)
	}
	if after.Peak != before.Peak {
		t.Errorf("collection changed the peak from %d to %d", before.Peak, after.Peak)
	}
}
