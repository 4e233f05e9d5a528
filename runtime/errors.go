package runtime

import "github.com/pkg/errors"

// Status classifies why a run stopped. Every error produced by this package
// wraps exactly one Status, which StatusOf recovers.
type Status int

const (
	StatusOk Status = iota
	StatusError
	StatusInvalidOp
	StatusOutOfBuffer
	StatusStackOverflow
	StatusOutOfMemory
	StatusKeyMiss
	StatusDivideByZero
)

var statusNames = [...]string{
	StatusOk:            "Ok",
	StatusError:         "Error",
	StatusInvalidOp:     "InvalidOp",
	StatusOutOfBuffer:   "OutOfBuffer",
	StatusStackOverflow: "StackOverflow",
	StatusOutOfMemory:   "OutOfMemory",
	StatusKeyMiss:       "KeyMiss",
	StatusDivideByZero:  "DivideByZero",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

func (s Status) Error() string {
	return s.String()
}

// StatusOf returns the Status wrapped by err, StatusOk for a nil error and
// StatusError for errors that did not come from the machine.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOk
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusError
}
