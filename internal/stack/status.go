package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Status is the 16-bit result code of a stack command.
type Status uint16

// Stack status codes.
const (
	StatusOK                 Status = 0x0000
	StatusFail               Status = 0x0001
	StatusInvalidState       Status = 0x0002
	StatusNotReady           Status = 0x0003
	StatusBusy               Status = 0x0004
	StatusInProgress         Status = 0x0005
	StatusAbort              Status = 0x0006
	StatusTimeout            Status = 0x0007
	StatusPermission         Status = 0x0008
	StatusNotAvailable       Status = 0x000E
	StatusNotSupported       Status = 0x000F
	StatusNotInitialized     Status = 0x0011
	StatusAlreadyInitialized Status = 0x0012
	StatusNoMoreResource     Status = 0x0019
	StatusInvalidParameter   Status = 0x0021
	StatusInvalidHandle      Status = 0x0027

	StatusRemoteUserTerminated   Status = 0x1013
	StatusLocalHostTerminated    Status = 0x1016
	StatusConnectionTimeout      Status = 0x1008
	StatusRemotePowerOffTerminal Status = 0x1015
)

var statusNames = map[Status]string{
	StatusOK:                     "ok",
	StatusFail:                   "fail",
	StatusInvalidState:           "invalid state",
	StatusNotReady:               "not ready",
	StatusBusy:                   "busy",
	StatusInProgress:             "in progress",
	StatusAbort:                  "abort",
	StatusTimeout:                "timeout",
	StatusPermission:             "permission denied",
	StatusNotAvailable:           "not available",
	StatusNotSupported:           "not supported",
	StatusNotInitialized:         "not initialized",
	StatusAlreadyInitialized:     "already initialized",
	StatusNoMoreResource:         "no more resource",
	StatusInvalidParameter:       "invalid parameter",
	StatusInvalidHandle:          "invalid handle",
	StatusRemoteUserTerminated:   "remote user terminated connection",
	StatusLocalHostTerminated:    "connection terminated by local host",
	StatusConnectionTimeout:      "connection timeout",
	StatusRemotePowerOffTerminal: "remote device terminated connection due to power off",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%04x", uint16(s))
}

// StatusError is a failed stack command.
type StatusError struct {
	Status Status
	Msg    string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return fmt.Sprintf("[0x%04x] %s", uint16(e.Status), e.Status)
	}
	return fmt.Sprintf("[0x%04x] %s: %s", uint16(e.Status), e.Status, e.Msg)
}

// Is allows errors.Is to compare StatusError values by Status
func (e *StatusError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

// Predefined sentinel errors for common statuses
var (
	ErrFail           = &StatusError{Status: StatusFail}
	ErrInvalidState   = &StatusError{Status: StatusInvalidState}
	ErrNotReady       = &StatusError{Status: StatusNotReady}
	ErrBusy           = &StatusError{Status: StatusBusy}
	ErrTimeout        = &StatusError{Status: StatusTimeout}
	ErrPermission     = &StatusError{Status: StatusPermission}
	ErrNotAvailable   = &StatusError{Status: StatusNotAvailable}
	ErrNotSupported   = &StatusError{Status: StatusNotSupported}
	ErrNoMoreResource = &StatusError{Status: StatusNoMoreResource}
	ErrInvalidParam   = &StatusError{Status: StatusInvalidParameter}
	ErrInvalidHandle  = &StatusError{Status: StatusInvalidHandle}
)

// Errorf returns a StatusError with a formatted message.
func Errorf(status Status, format string, args ...any) error {
	return &StatusError{Status: status, Msg: fmt.Sprintf(format, args...)}
}

// StatusOf extracts the status code of err: StatusOK for nil, the code of a wrapped
// StatusError, StatusFail for anything else.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Status
	}
	return StatusFail
}

// NormalizeError maps known HCI and go-ble error strings to StatusError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var serr *StatusError
	if errors.As(err, &serr) {
		return err
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded), containsIgnoreCase(msg, "timeout"), containsIgnoreCase(msg, "timed out"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case containsIgnoreCase(msg, "resource busy"), containsIgnoreCase(msg, "command disallowed"):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case containsIgnoreCase(msg, "operation not permitted"), containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case containsIgnoreCase(msg, "no such device"), containsIgnoreCase(msg, "can't init hci"):
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	case containsIgnoreCase(msg, "not supported"), containsIgnoreCase(msg, "unsupported"):
		return fmt.Errorf("%w: %v", ErrNotSupported, err)
	case containsIgnoreCase(msg, "invalid hci command parameters"), containsIgnoreCase(msg, "invalid parameter"):
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	case containsIgnoreCase(msg, "memory capacity exceeded"), containsIgnoreCase(msg, "limit reached"):
		return fmt.Errorf("%w: %v", ErrNoMoreResource, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
