// Package syncstream layers blocking RX and TX calls over an asynchronous
// sample stream. A worker goroutine runs the stream while the caller copies
// samples into and out of its buffers, optionally framing them into
// timestamped metadata messages.
package syncstream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/bladestream/pkg/metadata"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Buffers must be a whole number of these many bytes.
const bufferAlignment = 4096

type Config struct {
	Direction    stream.Direction
	Format       stream.Format
	NumBuffers   int
	BufferSize   int // samples per buffer
	NumTransfers int
	// Timeout bounds each RX or TX call. Zero waits forever.
	Timeout time.Duration
}

func (c Config) validate() error {
	if c.NumTransfers <= 0 || c.NumTransfers >= c.NumBuffers {
		return fmt.Errorf("num_transfers (%d) must be below num_buffers (%d): %w",
			c.NumTransfers, c.NumBuffers, stream.ErrInval)
	}
	if c.BufferSize <= 0 || c.BufferSize*c.Format.BytesPerSample()%bufferAlignment != 0 {
		return fmt.Errorf("buffer_size (%d samples) must be a multiple of %d bytes: %w",
			c.BufferSize, bufferAlignment, stream.ErrInval)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout %s: %w", c.Timeout, stream.ErrInval)
	}
	return nil
}

type syncState int

const (
	stateCheckWorker syncState = iota
	stateResetBufMgmt
	stateStartWorker
	stateWaitForBuffer
	stateBufferReady
	stateUsingBuffer
	stateUsingBufferMeta
)

type metaPhase int

const (
	metaHeader metaPhase = iota
	metaSamples
)

// metaState tracks the position within the current buffer's messages.
type metaState struct {
	phase         metaPhase
	msgSize       int
	msgPerBuf     int
	samplesPerMsg int

	currMsg       []byte
	currMsgOff    int // samples already used in currMsg
	msgNum        int
	currTimestamp uint64
	msgTimestamp  uint64
	msgFlags      uint32

	inBurst bool
	now     bool
}

type SyncStream struct {
	cfg    Config
	bps    int
	geom   metadata.Geometry
	closed atomic.Bool
	// timeout is a time.Duration
	timeout atomic.Int64

	// mu serializes RX and TX calls.
	mu    sync.Mutex
	state syncState
	meta  metaState

	b      bufferMgmt
	w      worker
	status metadata.StatusLatch
	done   chan struct{}

	logger   zerolog.Logger
	writeAPI api.WriteAPI
	metrics  *stream.Metrics
}

type Option func(s *SyncStream) error

func WithLogger(logger zerolog.Logger) Option {
	return func(s *SyncStream) error {
		s.logger = logger
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) Option {
	return func(s *SyncStream) error {
		s.writeAPI = writeAPI
		return nil
	}
}

func WithMetrics(m *stream.Metrics) Option {
	return func(s *SyncStream) error {
		s.metrics = m
		return nil
	}
}

// New creates the underlying stream and starts its worker. No samples move
// until the first RX or TX call.
func New(t stream.Transport, cfg Config, opts ...Option) (*SyncStream, error) {
	if t == nil {
		return nil, fmt.Errorf("sync stream requires a transport: %w", stream.ErrInval)
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &SyncStream{
		cfg:      cfg,
		bps:      cfg.Format.BytesPerSample(),
		done:     make(chan struct{}),
		logger:   log.Logger,
		writeAPI: &util.MockWriteAPI{}, // overwritten with option
	}
	s.timeout.Store(int64(cfg.Timeout))

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With().Str("component", "sync").Str("direction", cfg.Direction.String()).Logger()

	if cfg.Format.HasMetadata() {
		msgSize, err := metadata.MessageSize(t.Speed())
		if err != nil {
			return nil, err
		}
		geom, err := metadata.NewGeometry(msgSize, s.bps, cfg.BufferSize)
		if err != nil {
			return nil, err
		}
		s.geom = geom
		s.meta = metaState{
			phase:         metaHeader,
			msgSize:       msgSize,
			msgPerBuf:     geom.MessagesPerBuffer(),
			samplesPerMsg: geom.SamplesPerMessage(),
		}
	}

	cb := s.rxCallback
	if cfg.Direction == stream.TX {
		cb = s.txCallback
	}

	streamOpts := []stream.Option{
		stream.WithLogger(s.logger),
		stream.WithInfluxDB(s.writeAPI),
		stream.WithMetrics(s.metrics),
		stream.WithTransferTimeout(transferTimeout(cfg.Timeout)),
	}
	st, err := stream.New(t, stream.Config{
		Direction:        cfg.Direction,
		Format:           cfg.Format,
		NumBuffers:       cfg.NumBuffers,
		SamplesPerBuffer: cfg.BufferSize,
		NumTransfers:     cfg.NumTransfers,
	}, cb, streamOpts...)
	if err != nil {
		return nil, err
	}

	s.w.stream = st
	s.b.init(st.Buffers(), cfg.Direction, cfg.NumTransfers)

	go func() {
		defer close(s.done)
		s.workerTask()
	}()

	if err := s.w.waitForState(workerIdle, workerInitTimeout); err != nil {
		s.w.submit(requestStop)
		st.Deinit()
		return nil, fmt.Errorf("starting sync worker: %w", err)
	}

	s.logger.Info().
		Str("format", cfg.Format.String()).
		Int("num_buffers", cfg.NumBuffers).
		Int("buffer_size", cfg.BufferSize).
		Int("num_transfers", cfg.NumTransfers).
		Dur("timeout", cfg.Timeout).
		Msg("sync stream configured")

	return s, nil
}

// The transfer timeout never drops below the USB bulk timeout.
func transferTimeout(d time.Duration) time.Duration {
	if d < stream.BulkTimeout {
		return stream.BulkTimeout
	}
	return d
}

func (s *SyncStream) Config() Config              { return s.cfg }
func (s *SyncStream) Stream() *stream.Stream      { return s.w.stream }
func (s *SyncStream) Logger() zerolog.Logger      { return s.logger }
func (s *SyncStream) Timeout() time.Duration      { return time.Duration(s.timeout.Load()) }
func (s *SyncStream) Direction() stream.Direction { return s.cfg.Direction }

// SetTimeout changes the default per-call timeout and the transfer timeout of
// the underlying stream.
func (s *SyncStream) SetTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("timeout %s: %w", d, stream.ErrInval)
	}
	if err := s.w.stream.SetTransferTimeout(transferTimeout(d)); err != nil {
		return err
	}
	s.timeout.Store(int64(d))
	return nil
}

// deadline resolves the timeout of a single call. Zero selects the configured
// timeout; a zero result means no deadline.
func (s *SyncStream) deadline(timeout time.Duration) time.Time {
	if timeout == 0 {
		timeout = s.Timeout()
	}
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// remaining converts a deadline back into a timeout, capped at limit when
// limit is positive. It fails once the deadline has passed.
func remaining(deadline time.Time, limit time.Duration) (time.Duration, error) {
	if deadline.IsZero() {
		return limit, nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0, fmt.Errorf("sync call deadline elapsed: %w", stream.ErrTimeout)
	}
	if limit > 0 && limit < d {
		return limit, nil
	}
	return d, nil
}

// Close stops the worker, giving in-flight transfers a chance to drain, and
// releases the stream. Subsequent calls return ErrInval.
func (s *SyncStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	st := s.w.stream
	if s.cfg.Direction == stream.TX {
		// An idle TX stream gets no callbacks to notice the stop request.
		st.Shutdown()
	}
	s.w.submit(requestStop)

	s.b.mu.Lock()
	s.b.ready.Broadcast()
	s.b.mu.Unlock()

	if err := s.w.waitForState(workerStopped, workerStopTimeout); err != nil {
		s.logger.Warn().Err(err).Msg("worker did not stop in time, cancelling transfers")
		st.Stop()
		if err := s.w.waitForState(workerStopped, workerStopTimeout); err != nil {
			s.logger.Error().Err(err).Msg("worker failed to stop")
		}
	}
	st.Deinit()

	s.logger.Info().Msg("sync stream closed")
	return nil
}

func (s *SyncStream) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("sync stream closed: %w", stream.ErrInval)
	}
	return nil
}

// samples converts a byte count into whole samples.
func (s *SyncStream) samples(buf []byte) (int, error) {
	if len(buf)%s.bps != 0 {
		return 0, fmt.Errorf("buffer of %d bytes is not a whole number of %d byte samples: %w",
			len(buf), s.bps, stream.ErrInval)
	}
	return len(buf) / s.bps, nil
}

// checkWorker picks the next state from what the worker is doing, surfacing
// any error the stream ended with.
func (s *SyncStream) checkWorker() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	state, err := s.w.takeState()
	if err != nil {
		return err
	}
	switch state {
	case workerIdle:
		if s.cfg.Direction == stream.RX {
			s.state = stateResetBufMgmt
		} else {
			s.state = stateStartWorker
		}
	case workerRunning:
		s.state = stateWaitForBuffer
	default:
		return fmt.Errorf("worker is %s: %w", state, stream.ErrUnexpected)
	}
	return nil
}

func (s *SyncStream) startWorker(deadline time.Time) error {
	state, runs := s.w.currentState()
	if state != workerRunning {
		s.w.submit(requestStart)
		wait, err := remaining(deadline, workerStartTimeout)
		if err != nil {
			return err
		}
		err = s.w.waitFor(func(_ workerState, r uint64) bool { return r > runs }, wait)
		if err != nil {
			return err
		}
	}
	s.state = stateWaitForBuffer
	return nil
}

func (s *SyncStream) bufferReady() {
	b := &s.b
	b.mu.Lock()
	idx := b.consI
	if s.cfg.Direction == stream.TX {
		idx = b.prodI
	}
	b.status[idx] = bufPartial
	b.partialOff = 0
	b.mu.Unlock()

	if s.cfg.Format.HasMetadata() {
		s.meta.currMsgOff = 0
		s.meta.msgNum = 0
		s.state = stateUsingBufferMeta
	} else {
		s.state = stateUsingBuffer
	}
}

func (s *SyncStream) recordStatus(st metadata.Status) {
	s.status.Set(st)
	go s.writeAPI.WritePoint(influxdb2.NewPoint(
		"sync.status",
		map[string]string{
			"direction": s.cfg.Direction.String(),
			"stream_id": s.w.stream.ID(),
		},
		map[string]interface{}{
			"status": st.String(),
		},
		time.Now(),
	))
}
