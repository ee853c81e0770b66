package metadata

import (
	"fmt"
	"sync"

	"github.com/norasector/bladestream/pkg/stream"
)

// Flags are requests passed along with a synchronous RX or TX call.
type Flags uint32

const (
	// FlagTXBurstStart marks the first sample of a burst.
	FlagTXBurstStart Flags = 1 << 0
	// FlagTXBurstEnd marks the last sample of a burst; the buffer holding
	// it is zero filled and sent.
	FlagTXBurstEnd Flags = 1 << 1
	// FlagTXNow starts a burst as soon as possible, ignoring the timestamp.
	FlagTXNow Flags = 1 << 2
	// FlagTXUpdateTimestamp allows a jump forward in time within a burst,
	// zero padding the gap.
	FlagTXUpdateTimestamp Flags = 1 << 3
	// FlagRXNow reads from whatever the next available sample is.
	FlagRXNow Flags = 1 << 31
)

// Status bits are reported back to the caller.
type Status uint32

const (
	StatusOverrun    Status = 1 << 0
	StatusUnderrun   Status = 1 << 1
	StatusHWMiniExp1 Status = 1 << 16
	StatusHWMiniExp2 Status = 1 << 17
)

func (s Status) String() string {
	if s == 0 {
		return "ok"
	}
	var out string
	for _, b := range []struct {
		bit  Status
		name string
	}{
		{StatusOverrun, "overrun"},
		{StatusUnderrun, "underrun"},
		{StatusHWMiniExp1, "miniexp1"},
		{StatusHWMiniExp2, "miniexp2"},
	} {
		if s&b.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += b.name
		}
	}
	return out
}

// StatusFromHeader maps the FPGA's per-message RX flags onto caller status
// bits. A hardware underflow means the host fell behind, which is reported as
// an overrun.
func StatusFromHeader(flags uint32) Status {
	var s Status
	if flags&HeaderRXUnderflow != 0 {
		s |= StatusOverrun
	}
	if flags&HeaderMiniExp1 != 0 {
		s |= StatusHWMiniExp1
	}
	if flags&HeaderMiniExp2 != 0 {
		s |= StatusHWMiniExp2
	}
	return s
}

// Metadata accompanies a synchronous RX or TX call.
type Metadata struct {
	Timestamp   uint64
	Flags       Flags
	Status      Status
	ActualCount int
}

// StatusLatch accumulates conditions detected asynchronously so they are
// reported to the caller exactly once.
type StatusLatch struct {
	mu sync.Mutex
	s  Status
}

func (l *StatusLatch) Set(s Status) {
	l.mu.Lock()
	l.s |= s
	l.mu.Unlock()
}

// Take returns and clears the latched bits.
func (l *StatusLatch) Take() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.s
	l.s = 0
	return s
}

// MonotonicChecker validates that decoded timestamps never go backwards.
type MonotonicChecker struct {
	last uint64
	seen bool
}

func (c *MonotonicChecker) Check(ts uint64) error {
	if c.seen && ts < c.last {
		return fmt.Errorf("timestamp %d precedes %d: %w", ts, c.last, stream.ErrUnexpected)
	}
	c.last = ts
	c.seen = true
	return nil
}

func (c *MonotonicChecker) Reset() {
	c.last = 0
	c.seen = false
}
