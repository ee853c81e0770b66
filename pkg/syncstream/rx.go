package syncstream

import (
	"fmt"
	"time"

	"github.com/norasector/bladestream/pkg/metadata"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
)

type rxCall struct {
	dst      []byte
	n        int
	meta     *metadata.Metadata
	now      bool
	target   uint64
	returned int
	// A timestamp discontinuity ends the call with what has been read so far.
	exitEarly bool
}

// RX fills dst with received samples, blocking until it is full, the deadline
// passes, or the stream fails. It returns the number of samples read.
//
// With a metadata format meta is required. meta.Timestamp selects the first
// sample to return unless FlagRXNow is set, in which case reading starts at
// the next available sample and meta.Timestamp is set to its timestamp. A
// timeout of zero uses the stream's configured timeout.
func (s *SyncStream) RX(dst []byte, meta *metadata.Metadata, timeout time.Duration) (int, error) {
	if s.cfg.Direction != stream.RX {
		return 0, fmt.Errorf("rx on a %s stream: %w", s.cfg.Direction, stream.ErrInval)
	}
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n, err := s.samples(dst)
	if err != nil {
		return 0, err
	}
	hasMeta := s.cfg.Format.HasMetadata()
	if hasMeta && meta == nil {
		return 0, fmt.Errorf("%s requires metadata: %w", s.cfg.Format, stream.ErrInval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := rxCall{dst: dst, n: n, meta: meta}
	if meta != nil {
		meta.Status = 0
		meta.ActualCount = 0
	}
	if hasMeta {
		c.now = meta.Flags&metadata.FlagRXNow != 0
		c.target = meta.Timestamp
	}

	deadline := s.deadline(timeout)
	for err == nil && !c.exitEarly && c.returned < n {
		switch s.state {
		case stateCheckWorker:
			err = s.checkWorker()

		case stateResetBufMgmt:
			s.b.mu.Lock()
			s.b.consI = 0
			s.b.mu.Unlock()
			s.meta.phase = metaHeader
			s.state = stateStartWorker

		case stateStartWorker:
			err = s.startWorker(deadline)

		case stateWaitForBuffer:
			err = s.rxWaitForBuffer(deadline)

		case stateBufferReady:
			s.bufferReady()

		case stateUsingBuffer:
			s.rxCopy(&c)

		case stateUsingBufferMeta:
			err = s.rxCopyMeta(&c)
		}
	}

	if meta != nil {
		meta.Status |= s.status.Take()
		meta.ActualCount = c.returned
	}
	return c.returned, err
}

func (s *SyncStream) rxWaitForBuffer(deadline time.Time) error {
	b := &s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status[b.consI] == bufFull {
		s.state = stateBufferReady
		return nil
	}
	if err := b.wait(deadline); err != nil {
		return err
	}
	if b.status[b.consI] == bufFull {
		s.state = stateBufferReady
	} else {
		s.state = stateCheckWorker
	}
	return nil
}

// wait blocks until the buffer state changes. mu must be held; it is released
// while waiting.
func (b *bufferMgmt) wait(deadline time.Time) error {
	d, err := remaining(deadline, 0)
	if err != nil {
		return err
	}
	ch := b.ready.C()
	b.mu.Unlock()
	defer b.mu.Lock()

	timer := util.NewDeadline(d)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C():
		return fmt.Errorf("waiting for a buffer: %w", stream.ErrTimeout)
	}
}

// advanceRXBuffer hands the consumed buffer back to the stream. mu must be
// held.
func (s *SyncStream) advanceRXBuffer() {
	b := &s.b
	b.status[b.consI] = bufEmpty
	b.consI = b.next(b.consI)
	b.partialOff = 0
	if b.status[b.consI] == bufFull {
		s.state = stateBufferReady
	} else {
		s.state = stateWaitForBuffer
	}
}

func (s *SyncStream) rxCopy(c *rxCall) {
	b := &s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	spb := s.cfg.BufferSize
	buf := b.buffers[b.consI].Bytes()
	n := min(c.n-c.returned, spb-b.partialOff)
	copy(c.dst[c.returned*s.bps:(c.returned+n)*s.bps], buf[b.partialOff*s.bps:(b.partialOff+n)*s.bps])
	b.partialOff += n
	c.returned += n

	if b.partialOff >= spb {
		s.advanceRXBuffer()
	}
}

func (s *SyncStream) rxCopyMeta(c *rxCall) error {
	b := &s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	m := &s.meta
	spm := m.samplesPerMsg

	switch m.phase {
	case metaHeader:
		m.currMsg = s.geom.Message(b.buffers[b.consI].Bytes(), m.msgNum)
		h, err := metadata.ParseHeader(m.currMsg)
		if err != nil {
			return err
		}
		m.msgTimestamp = h.Timestamp
		m.msgFlags = h.Flags
		m.currMsgOff = 0
		c.meta.Status |= metadata.StatusFromHeader(m.msgFlags)

		if c.returned > 0 && m.msgTimestamp != m.currTimestamp {
			c.meta.Status |= metadata.StatusOverrun
			c.exitEarly = true
			s.logger.Debug().
				Uint64("expected", m.currTimestamp).
				Uint64("got", m.msgTimestamp).
				Msg("rx timestamp discontinuity")
		}
		m.currTimestamp = m.msgTimestamp
		m.phase = metaSamples

	case metaSamples:
		if !c.now && c.returned == 0 && c.target < m.currTimestamp {
			return fmt.Errorf("requested timestamp %d, next available is %d: %w",
				c.target, m.currTimestamp, stream.ErrTimePast)
		}

		if c.now || c.target == m.currTimestamp {
			if c.now && c.returned == 0 {
				c.meta.Timestamp = m.currTimestamp
			}
			n := min(c.n-c.returned, spm-m.currMsgOff)
			payload := s.geom.Payload(m.currMsg)
			copy(c.dst[c.returned*s.bps:(c.returned+n)*s.bps], payload[m.currMsgOff*s.bps:(m.currMsgOff+n)*s.bps])
			m.currMsgOff += n
			c.returned += n
			m.currTimestamp += uint64(n)
			c.target = m.currTimestamp

			if m.currMsgOff >= spm {
				m.msgNum++
				m.phase = metaHeader
				if m.msgNum >= m.msgPerBuf {
					s.advanceRXBuffer()
				}
			}
			return nil
		}

		// The requested sample is ahead of us. Skip whole buffers or messages
		// without copying.
		delta := c.target - m.currTimestamp
		leftInBuffer := uint64(spm*(m.msgPerBuf-m.msgNum) - m.currMsgOff)
		switch {
		case delta >= leftInBuffer:
			m.phase = metaHeader
			s.advanceRXBuffer()
		case delta <= uint64(spm-m.currMsgOff):
			m.currMsgOff += int(delta)
			m.currTimestamp += delta
		default:
			m.msgNum = (m.msgNum*spm + m.currMsgOff + int(delta)) / spm
			m.phase = metaHeader
		}
	}
	return nil
}
