// Package loopback is an in-memory bladeRF model. Samples transmitted on the
// OUT endpoint are placed on a timeline at their header timestamp and played
// back to the IN endpoint when the receive clock reaches them.
package loopback

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/norasector/bladestream/pkg/metadata"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
)

type transfer struct {
	handle    stream.TransferHandle
	ep        stream.Endpoint
	buf       []byte
	length    int
	done      stream.CompletionFunc
	submitted time.Time
	readyAt   time.Time
	timeout   time.Duration
	cancelled bool
}

type completion struct {
	t      *transfer
	status stream.TransferStatus
	actual int
}

type Device struct {
	// pumpMu keeps completions in order when several streams pump at once.
	pumpMu   sync.Mutex
	mu       sync.Mutex
	speed    stream.Speed
	format   stream.Format
	msgSize  int
	bps      int
	logger   zerolog.Logger
	limiter  *rate.Limiter
	wake     util.Notifier
	closed   bool
	handles  uint64
	queues   map[stream.Endpoint][]*transfer
	byHandle map[stream.TransferHandle]*transfer

	timeline   map[uint64]uint32
	rxClock    uint64
	nowCursor  uint64
	nowActive  bool
	txSamples  uint64
	rxSamples  uint64
	held       bool
	failNext   []stream.TransferStatus
	shortNext  []int
	pumpFails  int
	rxFlags    uint32
	onTransmit func(buf []byte)
}

type Option func(d *Device) error

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Device) error {
		d.logger = logger
		return nil
	}
}

func WithSpeed(speed stream.Speed) Option {
	return func(d *Device) error {
		size, err := metadata.MessageSize(speed)
		if err != nil {
			return err
		}
		d.speed = speed
		d.msgSize = size
		return nil
	}
}

func WithFormat(f stream.Format) Option {
	return func(d *Device) error {
		if f.BytesPerSample() == 0 {
			return fmt.Errorf("loopback format %s: %w", f, stream.ErrInval)
		}
		d.format = f
		d.bps = f.BytesPerSample()
		return nil
	}
}

// WithSampleRate paces transfers so the device moves at most samplesPerSec
// samples per second in each direction.
func WithSampleRate(samplesPerSec float64) Option {
	return func(d *Device) error {
		if samplesPerSec <= 0 {
			return fmt.Errorf("sample rate %f: %w", samplesPerSec, stream.ErrInval)
		}
		burst := int(samplesPerSec / 10)
		if burst < 1<<16 {
			burst = 1 << 16
		}
		d.limiter = rate.NewLimiter(rate.Limit(samplesPerSec), burst)
		return nil
	}
}

func New(opts ...Option) (*Device, error) {
	d := &Device{
		speed:    stream.SpeedSuper,
		format:   stream.FormatSC16Q11Meta,
		msgSize:  metadata.MessageSizeSuperSpeed,
		bps:      4,
		logger:   log.Logger,
		queues:   make(map[stream.Endpoint][]*transfer),
		byHandle: make(map[stream.TransferHandle]*transfer),
		timeline: make(map[uint64]uint32),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Device) Speed() stream.Speed { return d.speed }

func (d *Device) SubmitTransfer(ep stream.Endpoint, buf []byte, length int, done stream.CompletionFunc, timeout time.Duration) (stream.TransferHandle, error) {
	if length <= 0 || length > len(buf) || done == nil {
		return 0, fmt.Errorf("transfer of %d bytes into %d byte buffer: %w", length, len(buf), stream.ErrInval)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, stream.ErrNoDevice
	}

	now := time.Now()
	d.handles++
	t := &transfer{
		handle:    stream.TransferHandle(d.handles),
		ep:        ep,
		buf:       buf,
		length:    length,
		done:      done,
		submitted: now,
		readyAt:   now,
		timeout:   timeout,
	}
	if d.limiter != nil {
		r := d.limiter.ReserveN(now, length/d.bps)
		if r.OK() {
			t.readyAt = now.Add(r.DelayFrom(now))
		}
	}

	var hook func([]byte)
	if !ep.IsIn() {
		d.transmit(buf[:length])
		hook = d.onTransmit
	}

	d.queues[ep] = append(d.queues[ep], t)
	d.byHandle[t.handle] = t
	d.mu.Unlock()

	if hook != nil {
		hook(buf[:length])
	}
	d.wake.Broadcast()
	return t.handle, nil
}

func (d *Device) CancelTransfer(h stream.TransferHandle) error {
	d.mu.Lock()
	t, ok := d.byHandle[h]
	if ok {
		t.cancelled = true
	}
	d.mu.Unlock()
	d.wake.Broadcast()
	return nil
}

// PumpEvents delivers completions for every transfer that has finished,
// waiting up to timeout for at least one.
func (d *Device) PumpEvents(timeout time.Duration) error {
	d.mu.Lock()
	if d.pumpFails > 0 {
		d.pumpFails--
		d.mu.Unlock()
		return fmt.Errorf("loopback event handling failed: %w", stream.ErrIO)
	}
	d.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		d.pumpMu.Lock()
		d.mu.Lock()
		now := time.Now()
		ready := d.collect(now)
		wait := deadline.Sub(now)
		if next, ok := d.nextEvent(); ok && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		ch := d.wake.C()
		d.mu.Unlock()

		if len(ready) > 0 {
			for _, c := range ready {
				c.t.done(c.t.handle, c.status, c.actual)
			}
			d.pumpMu.Unlock()
			return nil
		}
		d.pumpMu.Unlock()
		if !now.Before(deadline) {
			return nil
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (d *Device) collect(now time.Time) []completion {
	var out []completion
	for _, ep := range []stream.Endpoint{stream.EndpointSampleOut, stream.EndpointSampleIn} {
		q := d.queues[ep]
	drain:
		for len(q) > 0 {
			t := q[0]
			c := completion{t: t}
			switch {
			case t.cancelled:
				c.status = stream.TransferCancelled
			case d.closed:
				c.status = stream.TransferNoDevice
			case d.ready(t, now):
				c.status = stream.TransferCompleted
				c.actual = t.length
				if len(d.failNext) > 0 {
					c.status = d.failNext[0]
					c.actual = 0
					d.failNext = d.failNext[1:]
				} else if len(d.shortNext) > 0 {
					c.actual = d.shortNext[0]
					d.shortNext = d.shortNext[1:]
				}
				if c.status == stream.TransferCompleted && t.ep.IsIn() {
					d.receive(t.buf[:t.length])
				}
			case t.timeout > 0 && !now.Before(t.submitted.Add(t.timeout)):
				c.status = stream.TransferTimedOut
			default:
				break drain
			}
			q = q[1:]
			delete(d.byHandle, t.handle)
			out = append(out, c)
		}
		d.queues[ep] = q
	}
	return out
}

func (d *Device) ready(t *transfer, now time.Time) bool {
	if t.ep.IsIn() && d.held {
		return false
	}
	return !now.Before(t.readyAt)
}

func (d *Device) nextEvent() (time.Time, bool) {
	var next time.Time
	found := false
	consider := func(at time.Time) {
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	for _, q := range d.queues {
		if len(q) == 0 {
			continue
		}
		t := q[0]
		if !(t.ep.IsIn() && d.held) {
			consider(t.readyAt)
		}
		if t.timeout > 0 {
			consider(t.submitted.Add(t.timeout))
		}
	}
	return next, found
}

func (d *Device) framed() bool {
	return d.format.HasMetadata()
}

func (d *Device) sample(b []byte) uint32 {
	if d.bps == 2 {
		return uint32(binary.LittleEndian.Uint16(b))
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Device) putSample(b []byte, v uint32) {
	if d.bps == 2 {
		binary.LittleEndian.PutUint16(b, uint16(v))
		return
	}
	binary.LittleEndian.PutUint32(b, v)
}

func (d *Device) place(ts uint64, samples []byte) {
	n := len(samples) / d.bps
	for i := 0; i < n; i++ {
		v := d.sample(samples[i*d.bps:])
		if v == 0 {
			delete(d.timeline, ts+uint64(i))
		} else {
			d.timeline[ts+uint64(i)] = v
		}
	}
	d.txSamples += uint64(n)
}

// cursor resolves a zero timestamp to the running "now" position.
func (d *Device) cursor(ts uint64, n int) uint64 {
	if ts != 0 {
		d.nowActive = false
		return ts
	}
	if !d.nowActive {
		d.nowActive = true
		d.nowCursor = d.rxClock
	}
	at := d.nowCursor
	d.nowCursor += uint64(n)
	return at
}

func (d *Device) transmit(buf []byte) {
	if !d.framed() {
		d.place(d.cursor(0, len(buf)/d.bps), buf)
		return
	}

	for off := 0; off+d.msgSize <= len(buf); off += d.msgSize {
		payload, h, err := metadata.Decode(buf[off:off+d.msgSize], d.bps)
		if err != nil {
			d.logger.Warn().Err(err).Msg("dropping malformed tx message")
			continue
		}
		d.place(d.cursor(h.Timestamp, len(payload)/d.bps), payload)
	}
}

func (d *Device) receive(buf []byte) {
	fill := func(dst []byte) {
		n := len(dst) / d.bps
		for i := 0; i < n; i++ {
			ts := d.rxClock + uint64(i)
			v := d.timeline[ts]
			delete(d.timeline, ts)
			d.putSample(dst[i*d.bps:], v)
		}
		d.rxClock += uint64(n)
		d.rxSamples += uint64(n)
	}

	if !d.framed() {
		fill(buf)
		return
	}

	samples := make([]byte, (d.msgSize-metadata.HeaderSize)/d.bps*d.bps)
	for off := 0; off+d.msgSize <= len(buf); off += d.msgSize {
		ts := d.rxClock
		fill(samples)
		if err := metadata.Encode(buf[off:off+d.msgSize], samples, ts, d.rxFlags); err != nil {
			d.logger.Warn().Err(err).Msg("framing rx message")
			return
		}
		d.rxFlags = 0
	}
}

// Close fails every outstanding transfer with TransferNoDevice.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	pending := len(d.byHandle)
	d.mu.Unlock()
	d.wake.Broadcast()
	d.logger.Debug().Int("pending", pending).Msg("loopback closed")
	return nil
}

// FailNext makes the next transfer that would complete successfully finish
// with status instead.
func (d *Device) FailNext(status stream.TransferStatus) {
	d.mu.Lock()
	d.failNext = append(d.failNext, status)
	d.mu.Unlock()
	d.logger.Debug().Str("status", status.String()).Msg("failing next transfer")
	d.wake.Broadcast()
}

// ShortNext makes the next successful transfer report only actual bytes.
func (d *Device) ShortNext(actual int) {
	d.mu.Lock()
	d.shortNext = append(d.shortNext, actual)
	d.mu.Unlock()
}

// FailPumps makes the next n PumpEvents calls fail without delivering any
// completions.
func (d *Device) FailPumps(n int) {
	d.mu.Lock()
	d.pumpFails += n
	d.mu.Unlock()
}

// Hold stalls the IN endpoint. Receive transfers only finish by timeout or
// cancellation while held.
func (d *Device) Hold(held bool) {
	d.mu.Lock()
	d.held = held
	d.mu.Unlock()
	d.wake.Broadcast()
}

// SetRXFlags sets the header flags of the next received message.
func (d *Device) SetRXFlags(flags uint32) {
	d.mu.Lock()
	d.rxFlags = flags
	d.mu.Unlock()
}

// OnTransmit registers a hook called with every OUT buffer as it is
// submitted.
func (d *Device) OnTransmit(fn func(buf []byte)) {
	d.mu.Lock()
	d.onTransmit = fn
	d.mu.Unlock()
}

func (d *Device) RXClock() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxClock
}

func (d *Device) SetRXClock(ts uint64) {
	d.mu.Lock()
	d.rxClock = ts
	d.mu.Unlock()
}

// TransmittedSamples counts samples placed on the timeline so far.
func (d *Device) TransmittedSamples() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txSamples
}

func (d *Device) ReceivedSamples() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxSamples
}

// Timeline returns the raw samples scheduled at [start, start+n).
func (d *Device) Timeline(start uint64, n int) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint32, n)
	for i := range out {
		out[i] = d.timeline[start+uint64(i)]
	}
	return out
}

// Pending counts transfers not yet completed.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byHandle)
}
