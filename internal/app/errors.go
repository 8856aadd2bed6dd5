package app

import (
	"errors"
	"fmt"

	"github.com/srg/blesense/internal/stack"
)

// AssertionError is a failed stack command on a path the application cannot continue
// without. It is fatal to the run loop.
type AssertionError struct {
	Status  stack.Status
	Message string
	Err     error
}

// Error implements the error interface
func (e *AssertionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("[E: 0x%04x] %s", uint16(e.Status), e.Message)
}

func (e *AssertionError) Unwrap() error {
	return e.Err
}

// assertOK turns a failed command into an AssertionError.
func assertOK(err error, message string) error {
	if err == nil {
		return nil
	}
	return &AssertionError{Status: stack.StatusOf(err), Message: message, Err: err}
}

// IsFatal reports whether err is an AssertionError.
func IsFatal(err error) bool {
	var aerr *AssertionError
	return errors.As(err, &aerr)
}
