package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/bladestream/pkg/util"
)

const (
	defaultPumpInterval = 15 * time.Millisecond

	// maxPumpFailures is how many PumpEvents calls in a row may fail while a
	// failed run drains before its transfers are given up on.
	maxPumpFailures = 10
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateShuttingDown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type resultKind int

const (
	resultShutdown resultKind = iota
	resultNoData
	resultSubmit
)

// Result is what a Callback asks the stream to do next. The zero value ends
// the stream.
type Result struct {
	kind resultKind
	buf  *Buffer
}

var (
	// Shutdown ends the stream once outstanding transfers drain.
	Shutdown = Result{kind: resultShutdown}
	// NoData leaves the completed transfer slot idle.
	NoData = Result{kind: resultNoData}
)

// Submit queues b for the next transfer.
func Submit(b *Buffer) Result {
	if b == nil {
		return Shutdown
	}
	return Result{kind: resultSubmit, buf: b}
}

func (r Result) Buffer() *Buffer { return r.buf }
func (r Result) IsShutdown() bool { return r.kind == resultShutdown }
func (r Result) IsNoData() bool   { return r.kind == resultNoData }

// Callback is invoked for every completed transfer while the stream is
// running. For TX streams it is also invoked once per transfer slot with a
// nil buffer when the stream starts. numSamples is the number of samples the
// transfer actually moved.
//
// Callbacks run with the stream locked: they may call Stop but no other
// Stream method.
type Callback func(s *Stream, buf *Buffer, numSamples int) Result

type Config struct {
	Direction        Direction
	Format           Format
	NumBuffers       int
	SamplesPerBuffer int
	NumTransfers     int
}

type Stats struct {
	ID             string
	Direction      Direction
	State          State
	Runs           uint64
	Completed      uint64
	Failed         uint64
	Cancelled      uint64
	ShortTransfers uint64
	Samples        uint64
	Pending        int
}

type Stream struct {
	id        string
	cfg       Config
	transport Transport
	cb        Callback
	pool      *BufferPool
	slots     *SlotTable
	bps       int

	mu              sync.Mutex
	state           State
	err             error
	running         bool
	closed          bool
	transferTimeout time.Duration
	pumpInterval    time.Duration
	stopRequested   atomic.Bool
	notify          util.Notifier

	submitSeq    uint64
	completedSeq uint64
	seqBySlot    []uint64
	warnedOrder  bool
	stats        Stats

	logger   zerolog.Logger
	writeAPI api.WriteAPI
	metrics  *Metrics
}

type Option func(s *Stream) error

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Stream) error {
		s.logger = logger
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) Option {
	return func(s *Stream) error {
		s.writeAPI = writeAPI
		return nil
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Stream) error {
		s.metrics = m
		return nil
	}
}

func WithTransferTimeout(d time.Duration) Option {
	return func(s *Stream) error {
		if d <= 0 {
			return fmt.Errorf("transfer timeout %s: %w", d, ErrInval)
		}
		s.transferTimeout = d
		return nil
	}
}

// WithPumpInterval bounds how long a single PumpEvents call may wait.
func WithPumpInterval(d time.Duration) Option {
	return func(s *Stream) error {
		if d <= 0 {
			return fmt.Errorf("pump interval %s: %w", d, ErrInval)
		}
		s.pumpInterval = d
		return nil
	}
}

// New allocates the buffers and transfer slots of a stream. The stream does
// not move data until Run is called.
func New(t Transport, cfg Config, cb Callback, opts ...Option) (*Stream, error) {
	if t == nil || cb == nil {
		return nil, fmt.Errorf("stream requires a transport and a callback: %w", ErrInval)
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.NumTransfers <= 0 || cfg.NumBuffers <= cfg.NumTransfers {
		return nil, fmt.Errorf("num_buffers (%d) must exceed num_transfers (%d): %w",
			cfg.NumBuffers, cfg.NumTransfers, ErrInval)
	}
	if cfg.SamplesPerBuffer < 1024 || cfg.SamplesPerBuffer%1024 != 0 {
		return nil, fmt.Errorf("samples_per_buffer (%d) must be a multiple of 1024: %w",
			cfg.SamplesPerBuffer, ErrInval)
	}

	bps := cfg.Format.BytesPerSample()
	pool, err := NewBufferPool(cfg.NumBuffers, cfg.SamplesPerBuffer, bps)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		id:              uuid.NewString(),
		cfg:             cfg,
		transport:       t,
		cb:              cb,
		pool:            pool,
		slots:           newSlotTable(cfg.NumTransfers, t, endpointFor(cfg.Direction)),
		bps:             bps,
		transferTimeout: BulkTimeout,
		pumpInterval:    defaultPumpInterval,
		seqBySlot:       make([]uint64, cfg.NumTransfers),
		logger:          log.Logger,
		writeAPI:        &util.MockWriteAPI{}, // overwritten with option
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.logger = s.logger.With().Str("stream_id", s.id).Str("direction", cfg.Direction.String()).Logger()
	s.stats.ID = s.id
	s.stats.Direction = cfg.Direction

	s.logger.Debug().
		Str("format", cfg.Format.String()).
		Int("num_buffers", cfg.NumBuffers).
		Int("samples_per_buffer", cfg.SamplesPerBuffer).
		Int("num_transfers", cfg.NumTransfers).
		Msg("stream initialized")

	return s, nil
}

func (s *Stream) ID() string             { return s.id }
func (s *Stream) Config() Config         { return s.cfg }
func (s *Stream) Pool() *BufferPool      { return s.pool }
func (s *Stream) Buffers() []*Buffer     { return s.pool.Buffers() }
func (s *Stream) BytesPerBuffer() int    { return s.cfg.SamplesPerBuffer * s.bps }
func (s *Stream) Transport() Transport   { return s.transport }
func (s *Stream) Logger() zerolog.Logger { return s.logger }

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.state
	st.Pending = s.slots.Pending()
	return st
}

// Deinitialized reports whether Deinit has been called.
func (s *Stream) Deinitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) TransferTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferTimeout
}

// SetTransferTimeout applies to transfers submitted after the call.
func (s *Stream) SetTransferTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("transfer timeout %s: %w", d, ErrInval)
	}
	s.mu.Lock()
	s.transferTimeout = d
	s.mu.Unlock()
	return nil
}

// Run starts the stream and services transport events until every transfer
// has drained. It returns the first error the stream hit. A stream that has
// finished may be run again.
func (s *Stream) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stream deinitialized: %w", ErrInval)
	}
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream already running: %w", ErrInval)
	}
	s.running = true
	s.err = nil
	s.stopRequested.Store(false)
	s.slots.reset()
	s.stats.Runs++
	s.state = StateRunning
	s.notify.Broadcast()

	start := time.Now()
	s.logger.Debug().Msg("stream running")

	if s.cfg.Direction == TX {
		s.startTX()
	} else {
		s.startRX()
	}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	pumpFailures := 0
	for {
		s.mu.Lock()
		if s.stopRequested.Load() && s.state != StateDone {
			s.shutdown(true)
		}
		done := s.state == StateDone
		s.mu.Unlock()
		if done {
			break
		}

		err := s.transport.PumpEvents(s.pumpInterval)
		if err == nil {
			pumpFailures = 0
			continue
		}
		pumpFailures++
		s.logger.Warn().Err(err).Int("failures", pumpFailures).Msg("pump events failed")

		s.mu.Lock()
		s.fail(fmt.Errorf("pump events: %w", err))
		if pumpFailures >= maxPumpFailures {
			s.abandon()
		}
		s.mu.Unlock()
		time.Sleep(s.pumpInterval)
	}

	s.mu.Lock()
	err := s.err
	s.running = false
	stats := s.stats
	s.notify.Broadcast()
	s.mu.Unlock()

	s.metrics.run(s.cfg.Direction, err)

	evt := s.logger.Debug()
	if err != nil {
		evt = s.logger.Warn().Err(err)
	}
	evt.Dur("elapsed", time.Since(start)).Uint64("samples", stats.Samples).Msg("stream finished")

	go s.writeAPI.WritePoint(influxdb2.NewPoint("stream.run",
		map[string]string{
			"direction": s.cfg.Direction.String(),
			"format":    s.cfg.Format.String(),
		},
		map[string]interface{}{
			"elapsed_us":      time.Since(start).Microseconds(),
			"samples":         stats.Samples,
			"completed":       stats.Completed,
			"failed":          stats.Failed,
			"cancelled":       stats.Cancelled,
			"short_transfers": stats.ShortTransfers,
			"error": func() int {
				if err != nil {
					return 1
				}
				return 0
			}(),
		}, time.Now()))

	return err
}

// Stop asks a running stream to cancel its outstanding transfers. It is safe
// to call from a Callback.
func (s *Stream) Stop() {
	s.stopRequested.Store(true)
	s.notify.Broadcast()
}

// Shutdown ends a running stream once its outstanding transfers drain,
// the same as a callback returning Shutdown. It must not be called from a
// Callback.
func (s *Stream) Shutdown() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.shutdown(false)
	}
	s.mu.Unlock()
}

// SubmitBuffer queues a buffer for transmission outside of a callback. It
// waits up to timeout for the stream to start and, unless nonblock is set,
// for a transfer slot to free up. A zero timeout waits forever.
func (s *Stream) SubmitBuffer(buf *Buffer, timeout time.Duration, nonblock bool) error {
	deadline := util.NewDeadline(timeout)
	defer deadline.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return fmt.Errorf("stream deinitialized: %w", ErrInval)
		}

		switch {
		case s.state == StateRunning && s.slots.Available() > 0:
			if err := s.submitLocked(buf); err != nil {
				var cbErr *CallbackError
				if !errors.As(err, &cbErr) && !errors.Is(err, ErrWouldBlock) {
					s.fail(err)
				}
				return err
			}
			return nil
		case s.state == StateShuttingDown || s.state == StateDone:
			return fmt.Errorf("stream is %s: %w", s.state, ErrWouldBlock)
		case s.state == StateRunning && nonblock:
			return ErrWouldBlock
		}

		ch := s.notify.C()
		s.mu.Unlock()
		select {
		case <-ch:
			s.mu.Lock()
		case <-deadline.C():
			s.mu.Lock()
			return fmt.Errorf("submit buffer: %w", ErrTimeout)
		}
	}
}

// Deinit stops the stream if needed, waits for it to finish, and releases its
// buffers. Calling Deinit more than once is harmless.
func (s *Stream) Deinit() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.running {
		s.mu.Unlock()
		s.Stop()
		s.mu.Lock()
	}
	for s.running {
		ch := s.notify.C()
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	s.pool.reset()
	s.mu.Unlock()

	s.logger.Debug().Msg("stream deinitialized")
}

// Wait blocks until the stream is not running or the timeout expires.
func (s *Stream) Wait(timeout time.Duration) error {
	deadline := util.NewDeadline(timeout)
	defer deadline.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running {
		ch := s.notify.C()
		s.mu.Unlock()
		select {
		case <-ch:
			s.mu.Lock()
		case <-deadline.C():
			s.mu.Lock()
			return ErrTimeout
		}
	}
	return nil
}

func (s *Stream) startTX() {
	for i := 0; i < s.slots.Len() && s.state == StateRunning; i++ {
		res := s.cb(s, nil, 0)
		switch res.kind {
		case resultShutdown:
			s.logger.Debug().Int("slot", i).Msg("callback ended stream before first transfer")
			s.shutdown(false)
			return
		case resultNoData:
		case resultSubmit:
			if err := s.submitLocked(res.buf); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Stream) startRX() {
	for i := 0; i < s.cfg.NumTransfers; i++ {
		if err := s.submitLocked(s.pool.Get(i)); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Stream) submitLocked(buf *Buffer) error {
	if !s.pool.Owns(buf) {
		return &CallbackError{Buffer: -1, Reason: "not allocated by this stream"}
	}
	if buf.state == BufferInFlight || s.slots.bound(buf) {
		return &CallbackError{Buffer: buf.index, Reason: "already in flight"}
	}

	sl, err := s.slots.submit(buf, len(buf.data), s.onComplete, s.transferTimeout)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return err
		}
		return fmt.Errorf("submit buffer %d: %w", buf.index, err)
	}

	s.pool.markInFlight(buf)
	s.submitSeq++
	s.seqBySlot[sl.index] = s.submitSeq
	s.metrics.setPending(s.cfg.Direction, s.slots.Pending())
	return nil
}

func (s *Stream) onComplete(h TransferHandle, status TransferStatus, actual int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots.complete(h, status, actual)
	if !ok {
		s.logger.Warn().Uint64("handle", uint64(h)).Msg("completion for unknown transfer")
		return
	}

	if seq := s.seqBySlot[sl.index]; seq < s.completedSeq && !s.warnedOrder {
		s.warnedOrder = true
		s.logger.Warn().Int("slot", sl.index).Msg("transfers completed out of order")
	} else if seq > s.completedSeq {
		s.completedSeq = seq
	}

	buf := sl.buf
	s.slots.release(sl)
	s.pool.markReady(buf)
	s.metrics.setPending(s.cfg.Direction, s.slots.Pending())
	s.notify.Broadcast()

	switch {
	case status == TransferCancelled:
		s.stats.Cancelled++
		s.metrics.transfer(s.cfg.Direction, status, 0, false)
		s.shutdown(true)

	case status != TransferCompleted:
		s.stats.Failed++
		s.metrics.transfer(s.cfg.Direction, status, 0, false)
		s.logger.Error().Int("slot", sl.index).Int("buffer", buf.index).Str("status", status.String()).Msg("transfer failed")
		s.fail(&TransferError{Slot: sl.index, Status: status})

	default:
		s.stats.Completed++
		short := actual != len(buf.data)
		if short {
			s.stats.ShortTransfers++
			s.logger.Warn().Int("expected", len(buf.data)).Int("actual", actual).Msg("short transfer")
			if actual%s.bps != 0 {
				s.logger.Warn().Msg("fractional samples received, stream likely corrupt")
			}
		}
		n := actual / s.bps
		s.stats.Samples += uint64(n)
		s.metrics.transfer(s.cfg.Direction, status, n, short)

		// Transfers draining after a shutdown are counted but not handed back.
		if s.state != StateRunning {
			break
		}
		res := s.cb(s, buf, n)
		switch res.kind {
		case resultShutdown:
			s.shutdown(false)
		case resultNoData:
		case resultSubmit:
			if err := s.submitLocked(res.buf); err != nil {
				s.fail(err)
			}
		}
	}

	s.checkDone()
}

// shutdown moves a running stream to ShuttingDown. With cancel set every
// pending transfer is cancelled; otherwise they are left to drain.
func (s *Stream) shutdown(cancel bool) {
	if s.state == StateRunning {
		s.state = StateShuttingDown
		s.notify.Broadcast()
	}
	if cancel && s.state == StateShuttingDown {
		if err := s.slots.cancelAll(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to cancel transfers")
		}
	}
	s.checkDone()
}

// fail records err if it is the first error of this run and cancels
// outstanding transfers.
func (s *Stream) fail(err error) {
	if s.err == nil {
		s.err = err
		s.logger.Error().Err(err).Msg("stream error")
	}
	s.shutdown(true)
}

// abandon ends a run whose transport kept failing while it drained. The
// transfers still pending will never complete.
func (s *Stream) abandon() {
	if s.state == StateDone {
		return
	}
	s.logger.Error().Int("pending", s.slots.Pending()).Msg("giving up on pending transfers")
	for _, b := range s.pool.bufs {
		if b.state == BufferInFlight {
			b.state = BufferReady
		}
	}
	s.slots.reset()
	s.state = StateDone
	s.notify.Broadcast()
}

func (s *Stream) checkDone() {
	if s.state == StateShuttingDown && s.slots.Pending() == 0 {
		s.state = StateDone
		s.notify.Broadcast()
	}
}
