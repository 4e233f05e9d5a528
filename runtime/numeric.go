package runtime

import "github.com/pkg/errors"

func boolInt(b bool) Int {
	if b {
		return 1
	}
	return 0
}

// IntBinary applies an arithmetic or comparison instruction to two ints.
// Arithmetic wraps around on overflow like the unsigned 64-bit values it
// operates on. Comparisons produce 1 or 0.
func IntBinary(instr Instruction, lhs Int, rhs Int) (Int, error) {
	switch instr {
	case ADD:
		return lhs + rhs, nil
	case SUBTRACT:
		return lhs - rhs, nil
	case MULTIPLY:
		return lhs * rhs, nil
	case DIVIDE:
		if rhs == 0 {
			return 0, errors.Wrapf(StatusDivideByZero, "%d / 0", lhs)
		}
		return lhs / rhs, nil
	case EQ:
		return boolInt(lhs == rhs), nil
	case LT:
		return boolInt(lhs < rhs), nil
	default:
		return 0, errors.Wrapf(StatusInvalidOp, "%s is not a binary int operation", InstructionName(instr))
	}
}

// Truthy reads an int used as a condition, which must be exactly 0 or 1.
func Truthy(v Value) (bool, error) {
	i, err := expectInt(v, "condition")
	if err != nil {
		return false, err
	}
	switch i {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.Wrapf(StatusError, "condition must be 0 or 1, got %d", i)
	}
}
