package runtime

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type Instruction = byte

const (
	STRUCT_DEF Instruction = iota
	FUNCTION_DEF
	SET_VAR
	GET_VAR
	CALL_FUNC
	RETURN
	RETURN_VAL
	ADD
	INT
	STRING
	SUBTRACT
	MULTIPLY
	DIVIDE
	FUNCTION_JMP
	_
	HEADER_END

	PRINT
	EQ
	JUMP_IF_TRUE
	JUMP_IF_FALSE
	JUMP
	STRUCT
	GET_STRUCT_MEMBER
	SET_STRUCT_MEMBER
	LT

	VEC
	VEC_ACCESS
	MAP
	MAP_ACCESS
	VEC_PUSH
	VEC_LEN
	VEC_POP
	MAP_INSERT
)

var instructionNames = map[Instruction]string{
	STRUCT_DEF:        "STRUCT_DEF",
	FUNCTION_DEF:      "FUNCTION_DEF",
	SET_VAR:           "SET_VAR",
	GET_VAR:           "GET_VAR",
	CALL_FUNC:         "CALL_FUNC",
	RETURN:            "RETURN",
	RETURN_VAL:        "RETURN_VAL",
	ADD:               "ADD",
	INT:               "INT",
	STRING:            "STRING",
	SUBTRACT:          "SUBTRACT",
	MULTIPLY:          "MULTIPLY",
	DIVIDE:            "DIVIDE",
	FUNCTION_JMP:      "FUNCTION_JMP",
	HEADER_END:        "HEADER_END",
	PRINT:             "PRINT",
	EQ:                "EQ",
	JUMP_IF_TRUE:      "JUMP_IF_TRUE",
	JUMP_IF_FALSE:     "JUMP_IF_FALSE",
	JUMP:              "JUMP",
	STRUCT:            "STRUCT",
	GET_STRUCT_MEMBER: "GET_STRUCT_MEMBER",
	SET_STRUCT_MEMBER: "SET_STRUCT_MEMBER",
	LT:                "LT",
	VEC:               "VEC",
	VEC_ACCESS:        "VEC_ACCESS",
	MAP:               "MAP",
	MAP_ACCESS:        "MAP_ACCESS",
	VEC_PUSH:          "VEC_PUSH",
	VEC_LEN:           "VEC_LEN",
	VEC_POP:           "VEC_POP",
	MAP_INSERT:        "MAP_INSERT",
}

// InstructionName returns the mnemonic of a body or header opcode.
func InstructionName(instr Instruction) string {
	if name, ok := instructionNames[instr]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", instr)
}

// CodePointer is an offset into the bytecode. Return offsets use -1 for the
// outermost frame, so it is signed.
type CodePointer = int

const dumpColumns = 10

// ByteCode is a bounds-checked cursor over an immutable instruction buffer.
type ByteCode struct {
	buf    []byte
	offset CodePointer
}

func NewByteCode(buf []byte) *ByteCode {
	return &ByteCode{buf: buf}
}

func (bc *ByteCode) Len() int {
	return len(bc.buf)
}

func (bc *ByteCode) Offset() CodePointer {
	return bc.offset
}

func (bc *ByteCode) AtEnd() bool {
	return bc.offset >= len(bc.buf)
}

func (bc *ByteCode) take(size int) ([]byte, error) {
	if bc.offset+size > len(bc.buf) {
		return nil, errors.Wrapf(StatusOutOfBuffer, "read of %d bytes at offset %d in %d byte buffer", size, bc.offset, len(bc.buf))
	}
	b := bc.buf[bc.offset : bc.offset+size]
	bc.offset += size
	return b, nil
}

func (bc *ByteCode) Read8() (uint8, error) {
	b, err := bc.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (bc *ByteCode) Read16() (uint16, error) {
	b, err := bc.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (bc *ByteCode) Read32() (uint32, error) {
	b, err := bc.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (bc *ByteCode) Read64() (uint64, error) {
	b, err := bc.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (bc *ByteCode) Jump(offset CodePointer) error {
	if offset < 0 || offset >= len(bc.buf) {
		return errors.Wrapf(StatusOutOfBuffer, "jump to %d in %d byte buffer", offset, len(bc.buf))
	}
	bc.offset = offset
	return nil
}

// Trim drops every byte before the cursor so that the cursor becomes offset 0.
// Offsets recorded in the header are relative to the first byte after it, so
// this runs once, right after HEADER_END.
func (bc *ByteCode) Trim() error {
	if bc.offset >= len(bc.buf) {
		return errors.Wrapf(StatusOutOfBuffer, "trim at %d in %d byte buffer", bc.offset, len(bc.buf))
	}
	bc.buf = bc.buf[bc.offset:]
	bc.offset = 0
	return nil
}

// Dump writes the buffer as a hex grid with the byte under the cursor in
// brackets. With color set the bracketed byte is also highlighted for a
// terminal.
func (bc *ByteCode) Dump(w io.Writer, color bool) {
	fmt.Fprintf(w, "ByteCode: Dumping state.\n")
	for i, b := range bc.buf {
		if i != 0 && i%dumpColumns == 0 {
			fmt.Fprintln(w)
		}
		switch {
		case i == bc.offset && color:
			fmt.Fprintf(w, "\x1b[1;31m[0x%02x]\x1b[0m", b)
		case i == bc.offset:
			fmt.Fprintf(w, "[0x%02x]", b)
		default:
			fmt.Fprintf(w, " 0x%02x ", b)
		}
	}
	fmt.Fprintln(w)
}
