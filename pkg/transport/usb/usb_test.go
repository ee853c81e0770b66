package usb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norasector/bladestream/pkg/stream"
)

type fakeStream struct {
	ep     stream.Endpoint
	size   int
	count  int
	failAt int
	block  chan struct{}

	mu     sync.Mutex
	calls  int
	closed bool
}

func (f *fakeStream) transfer(ctx context.Context, p []byte) (int, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n == f.failAt {
		return 0, gousb.TransferStall
	}
	for i := range p {
		p[i] = byte(n)
	}
	return len(p), nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type streams struct {
	mu     sync.Mutex
	opened []*fakeStream
	failAt int
	block  chan struct{}
}

func (s *streams) all() []*fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeStream(nil), s.opened...)
}

func newTestDevice(t *testing.T, s *streams) *Device {
	t.Helper()
	d := &Device{
		speed:    stream.SpeedSuper,
		inFlight: 4,
		logger:   zerolog.Nop(),
		byHandle: make(map[stream.TransferHandle]*transfer),
	}
	d.newStream = func(ep stream.Endpoint, size, count int) (sampleStream, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		fs := &fakeStream{ep: ep, size: size, count: count, failAt: s.failAt, block: s.block}
		s.failAt = 0
		s.opened = append(s.opened, fs)
		return fs, nil
	}
	d.start()
	t.Cleanup(func() { d.Close() })
	return d
}

type result struct {
	handle stream.TransferHandle
	status stream.TransferStatus
	actual int
}

type recorder struct {
	mu      sync.Mutex
	results []result
}

func (r *recorder) done(h stream.TransferHandle, status stream.TransferStatus, actual int) {
	r.mu.Lock()
	r.results = append(r.results, result{h, status, actual})
	r.mu.Unlock()
}

func (r *recorder) get() []result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]result(nil), r.results...)
}

func pumpUntil(t *testing.T, d *Device, r *recorder, n int) []result {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(r.get()) < n && time.Now().Before(deadline) {
		require.NoError(t, d.PumpEvents(20*time.Millisecond))
	}
	got := r.get()
	require.Len(t, got, n)
	return got
}

func TestPipelinedTransfers(t *testing.T) {
	s := &streams{}
	d := newTestDevice(t, s)
	r := &recorder{}

	var handles []stream.TransferHandle
	bufs := make([][]byte, 6)
	for i := range bufs {
		bufs[i] = make([]byte, 16)
		h, err := d.SubmitTransfer(stream.EndpointSampleIn, bufs[i], 16, r.done, time.Second)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	got := pumpUntil(t, d, r, 6)
	for i, res := range got {
		assert.Equal(t, handles[i], res.handle, "completions in submission order")
		assert.Equal(t, stream.TransferCompleted, res.status)
		assert.Equal(t, 16, res.actual)
		assert.Equal(t, byte(i+1), bufs[i][0])
	}

	opened := s.all()
	require.Len(t, opened, 1, "one stream serves every transfer of a size")
	assert.Equal(t, stream.EndpointSampleIn, opened[0].ep)
	assert.Equal(t, 16, opened[0].size)
	assert.Equal(t, 4, opened[0].count)
}

func TestStreamRebuilt(t *testing.T) {
	s := &streams{failAt: 2}
	d := newTestDevice(t, s)
	r := &recorder{}

	for _, length := range []int{16, 16, 16, 32} {
		_, err := d.SubmitTransfer(stream.EndpointSampleOut, make([]byte, length), length, r.done, time.Second)
		require.NoError(t, err)
	}
	got := pumpUntil(t, d, r, 4)
	assert.Equal(t, []stream.TransferStatus{
		stream.TransferCompleted,
		stream.TransferStall,
		stream.TransferCompleted,
		stream.TransferCompleted,
	}, []stream.TransferStatus{got[0].status, got[1].status, got[2].status, got[3].status})

	opened := s.all()
	require.Len(t, opened, 3, "a failure and a size change each rebuild the stream")
	assert.True(t, opened[0].closed)
	assert.True(t, opened[1].closed)
	assert.Equal(t, 16, opened[1].size)
	assert.Equal(t, 32, opened[2].size)
	assert.Equal(t, stream.EndpointSampleOut, opened[2].ep)
}

func TestCancelAndClose(t *testing.T) {
	s := &streams{block: make(chan struct{})}
	d := newTestDevice(t, s)
	r := &recorder{}

	h, err := d.SubmitTransfer(stream.EndpointSampleIn, make([]byte, 16), 16, r.done, 0)
	require.NoError(t, err)
	require.NoError(t, d.CancelTransfer(h))
	got := pumpUntil(t, d, r, 1)
	assert.Equal(t, stream.TransferCancelled, got[0].status)

	_, err = d.SubmitTransfer(stream.EndpointSampleIn, make([]byte, 16), 16, r.done, 0)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	got = pumpUntil(t, d, r, 2)
	assert.Equal(t, stream.TransferNoDevice, got[1].status)

	_, err = d.SubmitTransfer(stream.EndpointSampleIn, make([]byte, 16), 16, r.done, 0)
	assert.ErrorIs(t, err, stream.ErrNoDevice)
}

func TestSubmitTransferValidation(t *testing.T) {
	d := newTestDevice(t, &streams{})
	r := &recorder{}

	_, err := d.SubmitTransfer(stream.EndpointSampleIn, make([]byte, 16), 32, r.done, 0)
	assert.ErrorIs(t, err, stream.ErrInval)
	_, err = d.SubmitTransfer(stream.Endpoint(0x82), make([]byte, 16), 16, r.done, 0)
	assert.ErrorIs(t, err, stream.ErrInval)

	_, err = Open(WithTransfersInFlight(0))
	assert.ErrorIs(t, err, stream.ErrInval)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		ctxErr    error
		cancelled bool
		want      stream.TransferStatus
	}{
		{name: "completed", want: stream.TransferCompleted},
		{name: "cancelled", err: context.Canceled, ctxErr: context.Canceled, cancelled: true, want: stream.TransferCancelled},
		{name: "closed", err: context.Canceled, ctxErr: context.Canceled, want: stream.TransferNoDevice},
		{name: "deadline", err: context.DeadlineExceeded, ctxErr: context.DeadlineExceeded, want: stream.TransferTimedOut},
		{name: "stall", err: gousb.TransferStall, want: stream.TransferStall},
		{name: "overflow", err: gousb.TransferOverflow, want: stream.TransferOverflow},
		{name: "no device", err: gousb.ErrorNoDevice, want: stream.TransferNoDevice},
		{name: "libusb timeout", err: gousb.ErrorTimeout, want: stream.TransferTimedOut},
		{name: "other", err: errors.New("boom"), want: stream.TransferFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err, tt.ctxErr, tt.cancelled))
		})
	}
}
