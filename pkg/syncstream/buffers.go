package syncstream

import (
	"sync"

	"github.com/norasector/bladestream/pkg/metadata"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
)

type bufStatus int

const (
	bufEmpty bufStatus = iota
	bufPartial
	bufFull
	bufInFlight
)

func (s bufStatus) String() string {
	switch s {
	case bufEmpty:
		return "empty"
	case bufPartial:
		return "partial"
	case bufFull:
		return "full"
	case bufInFlight:
		return "in_flight"
	}
	return "invalid"
}

// txSubmitter says who hands filled TX buffers to the stream.
type txSubmitter int

const (
	submitterInvalid txSubmitter = iota
	// The API call submits buffers itself.
	submitterFn
	// All transfer slots were busy, so the TX callback submits buffers from
	// consI as transfers complete.
	submitterCallback
)

// bufferMgmt is shared between the API calls and the stream callbacks. The
// callbacks run with the stream locked, so mu must never be held while
// calling into the stream.
type bufferMgmt struct {
	mu      sync.Mutex
	ready   util.Notifier
	buffers []*stream.Buffer
	status  []bufStatus

	prodI, consI  int
	partialOff    int
	resubmitCount int

	submitter txSubmitter
	inFlight  int
	inBurst   bool
}

func (b *bufferMgmt) init(buffers []*stream.Buffer, dir stream.Direction, numTransfers int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers = buffers
	b.status = make([]bufStatus, len(buffers))
	if dir == stream.RX {
		b.resetRX(numTransfers)
		return
	}
	b.prodI = 0
	b.consI = -1
	b.partialOff = 0
	b.submitter = submitterFn
}

// resetRX marks the buffers the stream will submit when it starts as in
// flight. Anything left over from a previous run is dropped.
func (b *bufferMgmt) resetRX(numTransfers int) {
	for i := range b.status {
		if i < numTransfers {
			b.status[i] = bufInFlight
		} else {
			b.status[i] = bufEmpty
		}
	}
	b.prodI = numTransfers % len(b.buffers)
	b.consI = 0
	b.partialOff = 0
	b.resubmitCount = 0
}

func (b *bufferMgmt) next(i int) int {
	return (i + 1) % len(b.buffers)
}

func (s *SyncStream) rxCallback(_ *stream.Stream, buf *stream.Buffer, _ int) stream.Result {
	if s.w.stopRequested() {
		return stream.Shutdown
	}

	b := &s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resubmitCount > 0 {
		b.resubmitCount--
		return stream.Submit(buf)
	}

	if b.status[b.prodI] != bufEmpty {
		// The caller is not keeping up. Recycle this buffer, and every other
		// one still in flight, so that the caller sees a single discontinuity.
		b.resubmitCount = s.cfg.NumTransfers - 1
		s.logger.Debug().Int("buffer", buf.Index()).Msg("rx overrun")
		s.recordStatus(metadata.StatusOverrun)
		return stream.Submit(buf)
	}

	b.status[buf.Index()] = bufFull
	b.ready.Broadcast()

	next := b.prodI
	b.status[next] = bufInFlight
	b.prodI = b.next(next)
	return stream.Submit(b.buffers[next])
}

func (s *SyncStream) txCallback(_ *stream.Stream, buf *stream.Buffer, _ int) stream.Result {
	if s.w.stopRequested() {
		return stream.Shutdown
	}

	b := &s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if buf == nil {
		// Start of a run. Buffers deferred while the previous run wound
		// down go out first.
		if b.submitter == submitterCallback {
			if b.status[b.consI] == bufFull {
				return b.takeDeferred()
			}
			if b.inFlight == 0 {
				b.submitter = submitterFn
				b.consI = -1
			}
		}
		return stream.NoData
	}

	b.status[buf.Index()] = bufEmpty
	b.inFlight--
	b.ready.Broadcast()

	if b.submitter == submitterCallback {
		if b.status[b.consI] == bufFull {
			return b.takeDeferred()
		}
		b.submitter = submitterFn
		b.consI = -1
	}

	if b.inFlight == 0 && b.inBurst {
		s.logger.Debug().Msg("tx underrun")
		s.recordStatus(metadata.StatusUnderrun)
	}
	return stream.NoData
}

func (b *bufferMgmt) takeDeferred() stream.Result {
	idx := b.consI
	b.status[idx] = bufInFlight
	b.inFlight++
	b.consI = b.next(idx)
	return stream.Submit(b.buffers[idx])
}
