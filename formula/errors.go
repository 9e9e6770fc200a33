package formula

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownColumn is wrapped when a formula references a column that
	// neither the row nor the label mapping knows about.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrTypeMismatch is wrapped when an operator or function gets values it
	// can't handle.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Error is a formula that fails to parse or doesn't fit the dataset.
type Error struct {
	Formula string
	Offset  int
	Msg     string
	Err     error
}

func formulaErrf(formula string, offset int, err error, format string, args ...any) *Error {
	return &Error{formula, offset, fmt.Sprintf(format, args...), err}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	return fmt.Sprintf("invalid formula %q at offset %d: %s", e.Formula, e.Offset, msg)
}

// EvalError is a failure while applying a formula to a row.
type EvalError struct {
	Msg string
	Err error
}

func evalErrf(err error, format string, args ...any) error {
	return &EvalError{fmt.Sprintf(format, args...), err}
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

func (e *EvalError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}
