package syncstream

import (
	"errors"
	"fmt"
	"time"

	"github.com/norasector/bladestream/pkg/metadata"
	"github.com/norasector/bladestream/pkg/stream"
)

// Gaps shorter than this at the end of a message are padded without
// resynchronizing the timestamp.
const minZeroRun = 3

type txCall struct {
	src     []byte
	n       int
	written int
	// flush zero fills and sends the partially filled buffer once all
	// samples are written.
	flush   bool
	zeroPad bool
	// target is where zero padding ends.
	target uint64
}

// TX queues the samples in src for transmission, blocking until they have all
// been copied into stream buffers. Buffers are sent as they fill, so samples
// may still be waiting for a buffer to complete when TX returns.
//
// With a metadata format meta is required and its flags delimit bursts:
// FlagTXBurstStart begins a burst at meta.Timestamp (or immediately with
// FlagTXNow), FlagTXUpdateTimestamp skips forward to meta.Timestamp within a
// burst, and FlagTXBurstEnd zero fills and sends the final buffer. On return
// meta.Status carries any underrun detected since the previous call.
func (s *SyncStream) TX(src []byte, meta *metadata.Metadata, timeout time.Duration) error {
	if s.cfg.Direction != stream.TX {
		return fmt.Errorf("tx on a %s stream: %w", s.cfg.Direction, stream.ErrInval)
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	n, err := s.samples(src)
	if err != nil {
		return err
	}
	hasMeta := s.cfg.Format.HasMetadata()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := txCall{src: src, n: n}
	if meta != nil {
		meta.Status = 0
		meta.ActualCount = 0
	}
	if hasMeta {
		if err := s.handleTXParameters(meta, &c); err != nil {
			return err
		}
	}

	deadline := s.deadline(timeout)
	for err == nil && (c.written < c.n || c.flush) {
		switch s.state {
		case stateCheckWorker:
			err = s.checkWorker()

		case stateResetBufMgmt:
			err = fmt.Errorf("tx buffer management reset: %w", stream.ErrUnexpected)

		case stateStartWorker:
			err = s.startWorker(deadline)

		case stateWaitForBuffer:
			err = s.txWaitForBuffer(deadline)

		case stateBufferReady:
			s.bufferReady()

		case stateUsingBuffer:
			err = s.txCopy(&c, deadline)

		case stateUsingBufferMeta:
			err = s.txCopyMeta(&c, deadline)
		}
	}

	if err == nil && hasMeta && meta.Flags&metadata.FlagTXBurstEnd != 0 {
		s.meta.inBurst = false
		s.meta.now = false
		s.b.mu.Lock()
		s.b.inBurst = false
		s.b.mu.Unlock()
	}

	if meta != nil {
		meta.Status |= s.status.Take()
		meta.ActualCount = c.written
	}
	return err
}

// handleTXParameters applies the burst flags of a metadata TX call.
func (s *SyncStream) handleTXParameters(meta *metadata.Metadata, c *txCall) error {
	if meta == nil {
		return fmt.Errorf("%s requires metadata: %w", s.cfg.Format, stream.ErrInval)
	}
	m := &s.meta

	switch {
	case meta.Flags&metadata.FlagTXBurstStart != 0:
		if m.inBurst {
			return fmt.Errorf("burst start while already in a burst: %w", stream.ErrInval)
		}
		if meta.Flags&metadata.FlagTXNow != 0 {
			m.now = true
		} else {
			if meta.Timestamp < m.currTimestamp {
				return fmt.Errorf("burst start %d is before %d: %w",
					meta.Timestamp, m.currTimestamp, stream.ErrTimePast)
			}
			m.currTimestamp = meta.Timestamp
		}
		m.inBurst = true
		s.b.mu.Lock()
		s.b.inBurst = true
		s.b.mu.Unlock()

	case meta.Flags&metadata.FlagTXNow != 0:
		return fmt.Errorf("tx now requires burst start: %w", stream.ErrInval)

	case meta.Flags&metadata.FlagTXUpdateTimestamp != 0:
		if !m.inBurst {
			return fmt.Errorf("timestamp update outside of a burst: %w", stream.ErrInval)
		}
		if meta.Timestamp < m.currTimestamp {
			return fmt.Errorf("timestamp update to %d is before %d: %w",
				meta.Timestamp, m.currTimestamp, stream.ErrTimePast)
		}
		c.zeroPad = true
		c.target = meta.Timestamp
	}

	if meta.Flags&metadata.FlagTXBurstEnd != 0 {
		if !m.inBurst {
			return fmt.Errorf("burst end outside of a burst: %w", stream.ErrInval)
		}
		c.flush = true
	}
	return nil
}

func (s *SyncStream) txWaitForBuffer(deadline time.Time) error {
	b := &s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status[b.prodI] == bufEmpty {
		s.state = stateBufferReady
		return nil
	}
	if err := b.wait(deadline); err != nil {
		return err
	}
	if b.status[b.prodI] == bufEmpty {
		s.state = stateBufferReady
	} else {
		// Recheck the worker in case the stream ended while we waited.
		s.state = stateCheckWorker
	}
	return nil
}

// advanceTXBuffer sends the buffer at prodI, or leaves it for the TX callback
// when every transfer slot is busy. mu must be held; it is released while
// submitting.
func (s *SyncStream) advanceTXBuffer(deadline time.Time) error {
	b := &s.b
	idx := b.prodI
	st := s.w.stream

	if b.submitter == submitterFn {
		for {
			b.status[idx] = bufInFlight
			b.inFlight++

			var running bool
			wait, err := remaining(deadline, 0)
			if err == nil {
				b.mu.Unlock()
				err = st.SubmitBuffer(b.buffers[idx], wait, true)
				// The stream lock is taken before mu, never after.
				running = st.State() == stream.StateRunning
				b.mu.Lock()
			}
			if err == nil {
				break
			}

			b.status[idx] = bufFull
			b.inFlight--
			if !errors.Is(err, stream.ErrWouldBlock) {
				return err
			}
			if b.inFlight == 0 && running {
				// Every slot freed up while we were unlocked, so no
				// completion is left to pick this buffer up.
				continue
			}
			b.submitter = submitterCallback
			b.consI = idx
			break
		}
	} else {
		b.status[idx] = bufFull
	}

	b.prodI = b.next(idx)
	if b.status[b.prodI] == bufEmpty {
		s.state = stateBufferReady
	} else {
		s.state = stateCheckWorker
	}
	return nil
}

func (s *SyncStream) txCopy(c *txCall, deadline time.Time) error {
	b := &s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	spb := s.cfg.BufferSize
	buf := b.buffers[b.prodI].Bytes()
	n := min(c.n-c.written, spb-b.partialOff)
	copy(buf[b.partialOff*s.bps:(b.partialOff+n)*s.bps], c.src[c.written*s.bps:(c.written+n)*s.bps])
	b.partialOff += n
	c.written += n

	if b.partialOff >= spb {
		return s.advanceTXBuffer(deadline)
	}
	return nil
}

func (s *SyncStream) txCopyMeta(c *txCall, deadline time.Time) error {
	b := &s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	m := &s.meta
	spm := m.samplesPerMsg
	bps := s.bps

	switch m.phase {
	case metaHeader:
		m.currMsg = s.geom.Message(b.buffers[b.prodI].Bytes(), m.msgNum)
		m.currMsgOff = 0
		ts := m.currTimestamp
		if m.now {
			ts = 0
		}
		if err := (metadata.Header{Timestamp: ts}).Put(m.currMsg); err != nil {
			return err
		}
		m.phase = metaSamples

	case metaSamples:
		payload := s.geom.Payload(m.currMsg)

		if c.zeroPad {
			delta := c.target - m.currTimestamp
			toZero := spm - m.currMsgOff
			if delta < uint64(toZero) {
				toZero = int(delta)
			}
			clear(payload[m.currMsgOff*bps : (m.currMsgOff+toZero)*bps])
			m.currMsgOff += toZero

			if toZero < minZeroRun && m.currMsgOff == spm {
				m.currTimestamp += uint64(toZero)
			} else {
				m.currTimestamp = c.target
				c.zeroPad = false
			}
		}

		n := min(c.n-c.written, spm-m.currMsgOff)
		if n > 0 {
			copy(payload[m.currMsgOff*bps:(m.currMsgOff+n)*bps], c.src[c.written*bps:(c.written+n)*bps])
			m.currMsgOff += n
			m.currTimestamp += uint64(n)
			c.written += n
		}

		if left := spm - m.currMsgOff; left > 0 && c.flush && c.written == c.n {
			clear(payload[m.currMsgOff*bps:])
			m.currMsgOff = spm
			m.currTimestamp += uint64(left)
		}

		if m.currMsgOff >= spm {
			m.msgNum++
			m.phase = metaHeader
		}

		if m.msgNum >= m.msgPerBuf {
			if c.flush && c.written == c.n {
				b.inBurst = false
			}
			err := s.advanceTXBuffer(deadline)
			m.msgNum = 0
			s.state = stateWaitForBuffer
			c.flush = c.flush && c.written != c.n
			return err
		}
	}
	return nil
}
