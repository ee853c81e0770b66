package stream

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpected  = errors.New("unexpected error")
	ErrInval       = errors.New("invalid operation or parameter")
	ErrMem         = errors.New("memory allocation error")
	ErrIO          = errors.New("file or device I/O failure")
	ErrTimeout     = errors.New("operation timed out")
	ErrNoDevice    = fmt.Errorf("device not available: %w", ErrIO)
	ErrUnsupported = errors.New("operation not supported")
	ErrTimePast    = errors.New("requested timestamp is in the past")
	ErrWouldBlock  = errors.New("operation would block")
)

// TransferError is reported when a transport completes a transfer with
// anything other than success or cancellation.
type TransferError struct {
	Slot   int
	Status TransferStatus
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %d failed: %s", e.Slot, e.Status)
}

func (e *TransferError) Unwrap() error {
	switch e.Status {
	case TransferTimedOut:
		return ErrTimeout
	case TransferNoDevice:
		return ErrNoDevice
	default:
		return ErrIO
	}
}

// CallbackError is reported when a stream callback hands back a buffer that
// cannot be submitted.
type CallbackError struct {
	Buffer int
	Reason string
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback returned buffer %d: %s", e.Buffer, e.Reason)
}

func (e *CallbackError) Unwrap() error {
	return ErrInval
}
