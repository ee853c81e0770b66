package stream

import (
	"fmt"
	"time"
)

// Sample endpoints of the bladeRF RF link interface.
const (
	EndpointSampleIn  Endpoint = 0x81
	EndpointSampleOut Endpoint = 0x01
)

// Default timeout applied to each bulk transfer.
const BulkTimeout = time.Second

type Endpoint uint8

func (e Endpoint) IsIn() bool {
	return e&0x80 != 0
}

func endpointFor(d Direction) Endpoint {
	if d == TX {
		return EndpointSampleOut
	}
	return EndpointSampleIn
}

type Speed int

const (
	SpeedUnknown Speed = iota
	SpeedHigh
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	default:
		return "unknown"
	}
}

type TransferStatus int

const (
	TransferCompleted TransferStatus = iota
	TransferFailed
	TransferTimedOut
	TransferCancelled
	TransferStall
	TransferNoDevice
	TransferOverflow
)

var transferStatusNames = [...]string{
	TransferCompleted: "completed",
	TransferFailed:    "error",
	TransferTimedOut:  "timed out",
	TransferCancelled: "cancelled",
	TransferStall:     "stall",
	TransferNoDevice:  "no device",
	TransferOverflow:  "overflow",
}

func (s TransferStatus) String() string {
	if int(s) >= 0 && int(s) < len(transferStatusNames) {
		return transferStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// TransferHandle identifies a submitted transfer to its transport.
type TransferHandle uint64

// CompletionFunc receives the outcome of a transfer. actual is the number of
// bytes moved.
type CompletionFunc func(h TransferHandle, status TransferStatus, actual int)

// Transport moves sample buffers over bulk endpoints.
//
// Completion functions must only be invoked from within PumpEvents, never
// from SubmitTransfer or CancelTransfer, and in the order transfers were
// submitted on an endpoint.
type Transport interface {
	SubmitTransfer(ep Endpoint, buf []byte, length int, done CompletionFunc, timeout time.Duration) (TransferHandle, error)
	CancelTransfer(h TransferHandle) error
	PumpEvents(timeout time.Duration) error
	Speed() Speed
}
