package runtime

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Disassemble writes a listing of the header and every function body. Body
// offsets are printed relative to the end of the header, the same base jumps
// and function offsets use.
func Disassemble(code []byte, w io.Writer) error {
	bc := NewByteCode(code)
	functions := make(map[int]int)

	fmt.Fprintln(w, "HEADER")
header:
	for {
		op, err := bc.Read8()
		if err != nil {
			return errors.Wrap(err, "header")
		}
		switch op {
		case HEADER_END:
			break header
		case FUNCTION_JMP:
			functionId, err := bc.Read8()
			if err != nil {
				return err
			}
			offset, err := bc.Read8()
			if err != nil {
				return err
			}
			functions[int(offset)] = int(functionId)
			fmt.Fprintf(w, "  FUNCTION_JMP: fn%d @ %04d\n", functionId, offset)
		case STRUCT_DEF:
			structId, err := bc.Read8()
			if err != nil {
				return err
			}
			numMembers, err := bc.Read8()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  STRUCT_DEF: %d (", structId)
			for i := 0; i < int(numMembers); i++ {
				typeId, err := bc.Read8()
				if err != nil {
					return err
				}
				if i > 0 {
					fmt.Fprint(w, ", ")
				}
				fmt.Fprint(w, typeName(typeId))
			}
			fmt.Fprintln(w, ")")
		default:
			return errors.Wrapf(StatusInvalidOp, "unrecognised header op 0x%02x", op)
		}
	}
	if err := bc.Trim(); err != nil {
		return errors.Wrap(err, "no function bodies after header")
	}

	offsets := maps.Keys(functions)
	slices.Sort(offsets)
	fmt.Fprint(w, "FUNCTIONS")
	for _, offset := range offsets {
		fmt.Fprintf(w, " fn%d@%04d", functions[offset], offset)
	}
	fmt.Fprintln(w)

	for !bc.AtEnd() {
		offset := bc.Offset()
		if functionId, ok := functions[offset]; ok {
			fmt.Fprintf(w, "fn%d:\n", functionId)
		}
		line, err := disassembleInstruction(bc, functions)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%04d %s\n", offset, line)
	}
	return nil
}

func disassembleInstruction(bc *ByteCode, functions map[int]int) (string, error) {
	instr, err := bc.Read8()
	if err != nil {
		return "", err
	}
	name := InstructionName(instr)
	switch instr {
	case FUNCTION_DEF:
		functionId, err := bc.Read8()
		if err != nil {
			return "", err
		}
		numArgs, err := bc.Read8()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%-18s fn%d args:%d", name, functionId, numArgs), nil
	case STRING:
		length, err := bc.Read8()
		if err != nil {
			return "", err
		}
		buf := make([]byte, length)
		for i := range buf {
			if buf[i], err = bc.Read8(); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("%-18s %s", name, strconv.Quote(string(buf))), nil
	case CALL_FUNC:
		functionId, err := bc.Read8()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%-18s fn%d", name, functionId), nil
	case JUMP, JUMP_IF_TRUE, JUMP_IF_FALSE:
		target, err := bc.Read8()
		if err != nil {
			return "", err
		}
		if functionId, ok := functions[int(target)]; ok {
			return fmt.Sprintf("%-18s %04d (fn%d)", name, target, functionId), nil
		}
		return fmt.Sprintf("%-18s %04d", name, target), nil
	case INT, SET_VAR, GET_VAR, STRUCT, GET_STRUCT_MEMBER, SET_STRUCT_MEMBER, VEC, MAP:
		arg, err := bc.Read8()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%-18s %d", name, arg), nil
	default:
		return name, nil
	}
}
