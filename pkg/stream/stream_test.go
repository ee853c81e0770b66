package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/transport/loopback"
)

func newLoopback(t *testing.T, format stream.Format) *loopback.Device {
	t.Helper()
	dev, err := loopback.New(loopback.WithFormat(format))
	require.NoError(t, err)
	return dev
}

func runWithTimeout(t *testing.T, s *stream.Stream) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.NoError(t, ctx.Err(), "stream did not finish on its own")
	return err
}

func TestNew(t *testing.T) {
	noop := func(*stream.Stream, *stream.Buffer, int) stream.Result { return stream.Shutdown }
	tests := []struct {
		name    string
		cfg     stream.Config
		cb      stream.Callback
		wantErr error
	}{
		{
			name: "valid",
			cfg:  stream.Config{Direction: stream.RX, Format: stream.FormatSC16Q11, NumBuffers: 32, SamplesPerBuffer: 8192, NumTransfers: 16},
			cb:   noop,
		},
		{
			name:    "nil callback",
			cfg:     stream.Config{Direction: stream.RX, Format: stream.FormatSC16Q11, NumBuffers: 32, SamplesPerBuffer: 8192, NumTransfers: 16},
			wantErr: stream.ErrInval,
		},
		{
			name:    "transfers equal buffers",
			cfg:     stream.Config{Direction: stream.RX, Format: stream.FormatSC16Q11, NumBuffers: 16, SamplesPerBuffer: 8192, NumTransfers: 16},
			cb:      noop,
			wantErr: stream.ErrInval,
		},
		{
			name:    "no transfers",
			cfg:     stream.Config{Direction: stream.TX, Format: stream.FormatSC16Q11, NumBuffers: 16, SamplesPerBuffer: 8192},
			cb:      noop,
			wantErr: stream.ErrInval,
		},
		{
			name:    "buffer not a multiple of 1024",
			cfg:     stream.Config{Direction: stream.RX, Format: stream.FormatSC8Q7, NumBuffers: 4, SamplesPerBuffer: 1000, NumTransfers: 2},
			cb:      noop,
			wantErr: stream.ErrInval,
		},
		{
			name:    "packet format",
			cfg:     stream.Config{Direction: stream.RX, Format: stream.FormatPacketMeta, NumBuffers: 4, SamplesPerBuffer: 1024, NumTransfers: 2},
			cb:      noop,
			wantErr: stream.ErrUnsupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := stream.New(newLoopback(t, stream.FormatSC16Q11), tt.cfg, tt.cb)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, stream.StateIdle, s.State())
			assert.Len(t, s.Buffers(), tt.cfg.NumBuffers)
			assert.Equal(t, tt.cfg.SamplesPerBuffer*4, s.BytesPerBuffer())
			assert.NotEmpty(t, s.ID())
		})
	}
}

func TestTXSubmitsThenShutsDown(t *testing.T) {
	dev := newLoopback(t, stream.FormatSC16Q11)

	const toSend = 3
	submitted, completed := 0, 0
	cb := func(s *stream.Stream, buf *stream.Buffer, _ int) stream.Result {
		if buf == nil {
			if submitted == toSend {
				return stream.NoData
			}
			b, ok := s.Pool().Acquire()
			if !ok {
				return stream.NoData
			}
			submitted++
			return stream.Submit(b)
		}
		completed++
		if completed == toSend {
			return stream.Shutdown
		}
		return stream.NoData
	}

	s, err := stream.New(dev, stream.Config{
		Direction:        stream.TX,
		Format:           stream.FormatSC16Q11,
		NumBuffers:       32,
		SamplesPerBuffer: 8192,
		NumTransfers:     16,
	}, cb)
	require.NoError(t, err)
	defer s.Deinit()

	require.NoError(t, runWithTimeout(t, s))

	stats := s.Stats()
	assert.Equal(t, stream.StateDone, stats.State)
	assert.EqualValues(t, toSend, stats.Completed)
	assert.EqualValues(t, toSend*8192, stats.Samples)
	assert.Zero(t, stats.Pending)
	assert.EqualValues(t, toSend*8192, dev.TransmittedSamples())
	assert.Zero(t, dev.Pending())
}

func TestTXCallbackShutsDownAfterSubmits(t *testing.T) {
	dev := newLoopback(t, stream.FormatSC16Q11)
	reg := prometheus.NewRegistry()

	const toSend = 3
	submitted := 0
	cb := func(s *stream.Stream, buf *stream.Buffer, _ int) stream.Result {
		if buf != nil || submitted == toSend {
			return stream.Shutdown
		}
		b, ok := s.Pool().Acquire()
		require.True(t, ok)
		submitted++
		return stream.Submit(b)
	}

	s, err := stream.New(dev, stream.Config{
		Direction:        stream.TX,
		Format:           stream.FormatSC16Q11,
		NumBuffers:       32,
		SamplesPerBuffer: 8192,
		NumTransfers:     16,
	}, cb, stream.WithMetrics(stream.NewMetrics(reg)))
	require.NoError(t, err)
	defer s.Deinit()

	require.NoError(t, runWithTimeout(t, s))

	stats := s.Stats()
	assert.Equal(t, stream.StateDone, stats.State)
	assert.EqualValues(t, toSend, stats.Completed)
	assert.EqualValues(t, toSend*8192, stats.Samples, "transfers draining after shutdown still count")
	assert.Zero(t, stats.Pending)
	assert.EqualValues(t, toSend*8192, dev.TransmittedSamples())
	assert.Equal(t, float64(toSend*8192), counterValue(t, reg, "bladestream_samples_total"))
}

func TestShortTransfer(t *testing.T) {
	dev := newLoopback(t, stream.FormatSC16Q11)
	dev.ShortNext(2048)
	reg := prometheus.NewRegistry()

	var received []int
	cb := func(_ *stream.Stream, buf *stream.Buffer, n int) stream.Result {
		received = append(received, n)
		return stream.Shutdown
	}
	s, err := stream.New(dev, stream.Config{
		Direction:        stream.RX,
		Format:           stream.FormatSC16Q11,
		NumBuffers:       4,
		SamplesPerBuffer: 1024,
		NumTransfers:     2,
	}, cb, stream.WithMetrics(stream.NewMetrics(reg)))
	require.NoError(t, err)
	defer s.Deinit()

	require.NoError(t, runWithTimeout(t, s))

	require.Len(t, received, 1)
	assert.Equal(t, 512, received[0])
	stats := s.Stats()
	assert.EqualValues(t, 1, stats.ShortTransfers)
	assert.EqualValues(t, 2, stats.Completed)
	assert.EqualValues(t, 512+1024, stats.Samples)
	assert.Equal(t, 1.0, counterValue(t, reg, "bladestream_short_transfers_total"))
}

func TestPumpFailure(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		abandoned bool
	}{
		{name: "transfers drain after a failed pump", failures: 1},
		{name: "transport keeps failing", failures: 1000, abandoned: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newLoopback(t, stream.FormatSC16Q11)
			dev.Hold(true)
			dev.FailPumps(tt.failures)

			cb := func(_ *stream.Stream, buf *stream.Buffer, _ int) stream.Result {
				return stream.Submit(buf)
			}
			s, err := stream.New(dev, stream.Config{
				Direction:        stream.RX,
				Format:           stream.FormatSC16Q11,
				NumBuffers:       4,
				SamplesPerBuffer: 1024,
				NumTransfers:     2,
			}, cb, stream.WithPumpInterval(time.Millisecond))
			require.NoError(t, err)
			defer s.Deinit()

			err = runWithTimeout(t, s)
			assert.ErrorIs(t, err, stream.ErrIO)

			stats := s.Stats()
			assert.Equal(t, stream.StateDone, stats.State)
			assert.Zero(t, stats.Pending)
			for _, b := range s.Buffers() {
				assert.NotEqual(t, stream.BufferInFlight, b.State())
			}
			if tt.abandoned {
				assert.Zero(t, stats.Cancelled)
				assert.Equal(t, 2, dev.Pending(), "the transport never reported back")
			} else {
				assert.EqualValues(t, 2, stats.Cancelled)
				assert.Zero(t, dev.Pending())
			}
		})
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRXResubmits(t *testing.T) {
	dev := newLoopback(t, stream.FormatSC16Q11)

	const wanted = 5
	got := 0
	cb := func(_ *stream.Stream, buf *stream.Buffer, n int) stream.Result {
		got++
		if got == wanted {
			return stream.Shutdown
		}
		return stream.Submit(buf)
	}

	s, err := stream.New(dev, stream.Config{
		Direction:        stream.RX,
		Format:           stream.FormatSC16Q11,
		NumBuffers:       8,
		SamplesPerBuffer: 4096,
		NumTransfers:     4,
	}, cb)
	require.NoError(t, err)
	defer s.Deinit()

	require.NoError(t, runWithTimeout(t, s))
	stats := s.Stats()
	assert.EqualValues(t, wanted*4096, stats.Samples)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, dev.Pending())
}

func TestCallbackBufferErrors(t *testing.T) {
	foreignPool, err := stream.NewBufferPool(1, 1024, 4)
	require.NoError(t, err)
	foreign, ok := foreignPool.Acquire()
	require.True(t, ok)

	tests := []struct {
		name string
		pick func(s *stream.Stream) *stream.Buffer
	}{
		{
			name: "same buffer twice",
			pick: func(s *stream.Stream) *stream.Buffer { return s.Pool().Get(0) },
		},
		{
			name: "buffer from another stream",
			pick: func(*stream.Stream) *stream.Buffer { return foreign },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := func(s *stream.Stream, buf *stream.Buffer, _ int) stream.Result {
				if buf != nil {
					return stream.NoData
				}
				return stream.Submit(tt.pick(s))
			}
			s, err := stream.New(newLoopback(t, stream.FormatSC16Q11), stream.Config{
				Direction:        stream.TX,
				Format:           stream.FormatSC16Q11,
				NumBuffers:       4,
				SamplesPerBuffer: 1024,
				NumTransfers:     2,
			}, cb)
			require.NoError(t, err)
			defer s.Deinit()

			err = runWithTimeout(t, s)
			var cbErr *stream.CallbackError
			require.True(t, errors.As(err, &cbErr), "got %v", err)
			assert.ErrorIs(t, err, stream.ErrInval)
			assert.Zero(t, s.Stats().Pending)
		})
	}
}

func TestTransferFailureEndsRun(t *testing.T) {
	dev := newLoopback(t, stream.FormatSC16Q11)
	dev.FailNext(stream.TransferTimedOut)

	cb := func(_ *stream.Stream, buf *stream.Buffer, _ int) stream.Result {
		return stream.Submit(buf)
	}
	s, err := stream.New(dev, stream.Config{
		Direction:        stream.RX,
		Format:           stream.FormatSC16Q11,
		NumBuffers:       4,
		SamplesPerBuffer: 1024,
		NumTransfers:     2,
	}, cb)
	require.NoError(t, err)
	defer s.Deinit()

	err = runWithTimeout(t, s)
	var xferErr *stream.TransferError
	require.True(t, errors.As(err, &xferErr), "got %v", err)
	assert.Equal(t, stream.TransferTimedOut, xferErr.Status)
	assert.ErrorIs(t, err, stream.ErrTimeout)
	assert.EqualValues(t, 1, s.Stats().Failed)

	// A finished stream may run again.
	dev.FailNext(stream.TransferNoDevice)
	assert.ErrorIs(t, runWithTimeout(t, s), stream.ErrNoDevice)
	assert.EqualValues(t, 2, s.Stats().Runs)
}

func TestRunStopsOnContext(t *testing.T) {
	dev, err := loopback.New(loopback.WithFormat(stream.FormatSC16Q11), loopback.WithSampleRate(1e6))
	require.NoError(t, err)

	cb := func(_ *stream.Stream, buf *stream.Buffer, _ int) stream.Result {
		return stream.Submit(buf)
	}
	s, err := stream.New(dev, stream.Config{
		Direction:        stream.RX,
		Format:           stream.FormatSC16Q11,
		NumBuffers:       8,
		SamplesPerBuffer: 4096,
		NumTransfers:     4,
	}, cb)
	require.NoError(t, err)
	defer s.Deinit()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, s.Run(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, stream.StateDone, s.State())
	assert.Zero(t, dev.Pending())
}

func TestSubmitBuffer(t *testing.T) {
	dev := newLoopback(t, stream.FormatSC16Q11)

	cb := func(_ *stream.Stream, buf *stream.Buffer, _ int) stream.Result {
		if buf == nil {
			return stream.NoData
		}
		return stream.Shutdown
	}
	s, err := stream.New(dev, stream.Config{
		Direction:        stream.TX,
		Format:           stream.FormatSC16Q11,
		NumBuffers:       4,
		SamplesPerBuffer: 1024,
		NumTransfers:     2,
	}, cb)
	require.NoError(t, err)
	defer s.Deinit()

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errc <- s.Run(ctx)
	}()

	buf := s.Buffers()[0]
	require.NoError(t, s.SubmitBuffer(buf, time.Second, false))
	require.NoError(t, <-errc)
	assert.EqualValues(t, 1024, dev.TransmittedSamples())

	assert.ErrorIs(t, s.SubmitBuffer(buf, time.Second, false), stream.ErrWouldBlock)
}

func TestSubmitBufferTimesOut(t *testing.T) {
	cb := func(*stream.Stream, *stream.Buffer, int) stream.Result { return stream.NoData }
	s, err := stream.New(newLoopback(t, stream.FormatSC16Q11), stream.Config{
		Direction:        stream.TX,
		Format:           stream.FormatSC16Q11,
		NumBuffers:       4,
		SamplesPerBuffer: 1024,
		NumTransfers:     2,
	}, cb)
	require.NoError(t, err)
	defer s.Deinit()

	// Never started.
	assert.ErrorIs(t, s.SubmitBuffer(s.Buffers()[0], 20*time.Millisecond, false), stream.ErrTimeout)
}

func TestDeinit(t *testing.T) {
	cb := func(*stream.Stream, *stream.Buffer, int) stream.Result { return stream.Shutdown }
	s, err := stream.New(newLoopback(t, stream.FormatSC16Q11), stream.Config{
		Direction:        stream.RX,
		Format:           stream.FormatSC16Q11,
		NumBuffers:       4,
		SamplesPerBuffer: 1024,
		NumTransfers:     2,
	}, cb)
	require.NoError(t, err)

	s.Deinit()
	s.Deinit()

	assert.ErrorIs(t, s.Run(context.Background()), stream.ErrInval)
	assert.ErrorIs(t, s.SubmitBuffer(s.Buffers()[0], time.Millisecond, true), stream.ErrInval)
	for _, b := range s.Buffers() {
		assert.Equal(t, stream.BufferFree, b.State())
	}
}
