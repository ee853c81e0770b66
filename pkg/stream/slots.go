package stream

import (
	"fmt"
	"time"
)

type SlotState int

const (
	SlotAvailable SlotState = iota
	SlotPending
	SlotCancelPending
	SlotCompleted
	SlotFailed
	SlotCancelled
)

func (s SlotState) String() string {
	switch s {
	case SlotAvailable:
		return "available"
	case SlotPending:
		return "pending"
	case SlotCancelPending:
		return "cancel_pending"
	case SlotCompleted:
		return "completed"
	case SlotFailed:
		return "failed"
	case SlotCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("slot_state(%d)", int(s))
}

func (s SlotState) inFlight() bool {
	return s == SlotPending || s == SlotCancelPending
}

type slot struct {
	index  int
	buf    *Buffer
	handle TransferHandle
	state  SlotState
	status TransferStatus
	actual int
}

// SlotTable tracks the transfers a stream has outstanding with its
// transport. Like BufferPool it relies on the Stream for locking.
type SlotTable struct {
	slots     []slot
	next      int
	pending   int
	transport Transport
	ep        Endpoint
	byHandle  map[TransferHandle]int
}

func newSlotTable(n int, t Transport, ep Endpoint) *SlotTable {
	st := &SlotTable{
		slots:     make([]slot, n),
		transport: t,
		ep:        ep,
		byHandle:  make(map[TransferHandle]int, n),
	}
	for i := range st.slots {
		st.slots[i].index = i
	}
	return st
}

func (st *SlotTable) Len() int { return len(st.slots) }

// Pending counts slots whose transfer has not yet completed.
func (st *SlotTable) Pending() int { return st.pending }

func (st *SlotTable) Available() int {
	n := 0
	for i := range st.slots {
		if st.slots[i].state == SlotAvailable {
			n++
		}
	}
	return n
}

func (st *SlotTable) State(i int) SlotState { return st.slots[i].state }

// bound reports whether buf is referenced by an in-flight slot.
func (st *SlotTable) bound(buf *Buffer) bool {
	for i := range st.slots {
		if st.slots[i].state.inFlight() && st.slots[i].buf == buf {
			return true
		}
	}
	return false
}

func (st *SlotTable) nextAvailable() *slot {
	for i := 0; i < len(st.slots); i++ {
		idx := (st.next + i) % len(st.slots)
		if st.slots[idx].state == SlotAvailable {
			st.next = (idx + 1) % len(st.slots)
			return &st.slots[idx]
		}
	}
	return nil
}

// submit binds buf to the next available slot and hands it to the transport.
// On failure the slot is left available.
func (st *SlotTable) submit(buf *Buffer, length int, done CompletionFunc, timeout time.Duration) (*slot, error) {
	sl := st.nextAvailable()
	if sl == nil {
		return nil, ErrWouldBlock
	}

	h, err := st.transport.SubmitTransfer(st.ep, buf.data, length, done, timeout)
	if err != nil {
		return nil, err
	}

	sl.buf = buf
	sl.handle = h
	sl.state = SlotPending
	sl.actual = 0
	st.byHandle[h] = sl.index
	st.pending++
	return sl, nil
}

// complete records the outcome of a transfer. ok is false for handles this
// table does not know.
func (st *SlotTable) complete(h TransferHandle, status TransferStatus, actual int) (*slot, bool) {
	idx, ok := st.byHandle[h]
	if !ok {
		return nil, false
	}
	delete(st.byHandle, h)

	sl := &st.slots[idx]
	sl.status = status
	sl.actual = actual
	switch status {
	case TransferCompleted:
		sl.state = SlotCompleted
	case TransferCancelled:
		sl.state = SlotCancelled
	default:
		sl.state = SlotFailed
	}
	st.pending--
	return sl, true
}

func (st *SlotTable) release(sl *slot) {
	sl.buf = nil
	sl.state = SlotAvailable
}

// cancelAll requests cancellation of every pending transfer. The first
// transport error is returned but every slot is attempted.
func (st *SlotTable) cancelAll() error {
	var firstErr error
	for i := range st.slots {
		sl := &st.slots[i]
		if sl.state != SlotPending {
			continue
		}
		sl.state = SlotCancelPending
		if err := st.transport.CancelTransfer(sl.handle); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (st *SlotTable) reset() {
	for i := range st.slots {
		st.slots[i] = slot{index: i}
	}
	st.next = 0
	st.pending = 0
	st.byHandle = make(map[TransferHandle]int, len(st.slots))
}
