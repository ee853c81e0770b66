package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norasector/bladestream/pkg/stream"
)

type result struct {
	status stream.TransferStatus
	actual int
}

// doTransfer submits one transfer and pumps until it completes.
func doTransfer(t *testing.T, f *FileDevice, ep stream.Endpoint, buf []byte) result {
	t.Helper()
	var got *result
	_, err := f.SubmitTransfer(ep, buf, len(buf), func(_ stream.TransferHandle, status stream.TransferStatus, actual int) {
		got = &result{status: status, actual: actual}
	}, 0)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		require.NoError(t, f.PumpEvents(50*time.Millisecond))
	}
	require.NotNil(t, got, "transfer never completed")
	return *got
}

func writePlayback(t *testing.T, data []byte) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "playback.bin")
	require.NoError(t, os.WriteFile(name, data, 0o644))
	return name
}

func TestNewFileDevice(t *testing.T) {
	_, err := NewFileDevice(0)
	assert.ErrorIs(t, err, stream.ErrInval)

	_, err = NewFileDevice(time.Millisecond, WithPlayback(filepath.Join(t.TempDir(), "missing.bin")))
	assert.Error(t, err)

	f, err := NewFileDevice(time.Millisecond, WithSpeed(stream.SpeedHigh))
	require.NoError(t, err)
	assert.Equal(t, stream.SpeedHigh, f.Speed())

	_, err = f.SubmitTransfer(stream.EndpointSampleIn, make([]byte, 8), 8, func(stream.TransferHandle, stream.TransferStatus, int) {}, 0)
	assert.ErrorIs(t, err, stream.ErrUnsupported)
	require.NoError(t, f.Close())
}

func TestRecord(t *testing.T) {
	name := filepath.Join(t.TempDir(), "record.bin")
	f, err := NewFileDevice(time.Millisecond, WithRecord(name))
	require.NoError(t, err)

	first := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	second := []byte{9, 10, 11, 12}
	assert.Equal(t, result{stream.TransferCompleted, 8}, doTransfer(t, f, stream.EndpointSampleOut, first))
	assert.Equal(t, result{stream.TransferCompleted, 4}, doTransfer(t, f, stream.EndpointSampleOut, second))
	require.NoError(t, f.Close())

	got, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, append(first, second...), got)
}

func TestPlayback(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		name string
		loop bool
		want []result
	}{
		{
			name: "runs out",
			want: []result{
				{stream.TransferCompleted, 8},
				{stream.TransferCompleted, 2},
				{stream.TransferNoDevice, 0},
			},
		},
		{
			name: "loops",
			loop: true,
			want: []result{
				{stream.TransferCompleted, 8},
				{stream.TransferCompleted, 8},
				{stream.TransferCompleted, 8},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithPlayback(writePlayback(t, data))}
			if tt.loop {
				opts = append(opts, WithLoop())
			}
			f, err := NewFileDevice(time.Millisecond, opts...)
			require.NoError(t, err)
			defer f.Close()

			buf := make([]byte, 8)
			for i, want := range tt.want {
				assert.Equal(t, want, doTransfer(t, f, stream.EndpointSampleIn, buf), "transfer %d", i)
			}
		})
	}
}

func TestPlaybackLoopData(t *testing.T) {
	f, err := NewFileDevice(time.Millisecond, WithPlayback(writePlayback(t, []byte{1, 2, 3, 4, 5, 6})), WithLoop())
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 4)
	doTransfer(t, f, stream.EndpointSampleIn, buf)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
	doTransfer(t, f, stream.EndpointSampleIn, buf)
	assert.Equal(t, []byte{5, 6, 1, 2}, buf)
}

func TestCancelAndClose(t *testing.T) {
	f, err := NewFileDevice(time.Hour, WithPlayback(writePlayback(t, make([]byte, 64))))
	require.NoError(t, err)

	var statuses []stream.TransferStatus
	done := func(_ stream.TransferHandle, status stream.TransferStatus, _ int) {
		statuses = append(statuses, status)
	}
	h, err := f.SubmitTransfer(stream.EndpointSampleIn, make([]byte, 8), 8, done, 0)
	require.NoError(t, err)
	_, err = f.SubmitTransfer(stream.EndpointSampleIn, make([]byte, 8), 8, done, 0)
	require.NoError(t, err)

	require.NoError(t, f.PumpEvents(10*time.Millisecond))
	assert.Empty(t, statuses, "an hour has not passed")

	require.NoError(t, f.CancelTransfer(h))
	require.NoError(t, f.PumpEvents(time.Second))
	require.NoError(t, f.Close())
	require.NoError(t, f.PumpEvents(time.Second))

	assert.Equal(t, []stream.TransferStatus{stream.TransferCancelled, stream.TransferNoDevice}, statuses)

	_, err = f.SubmitTransfer(stream.EndpointSampleIn, make([]byte, 8), 8, done, 0)
	assert.ErrorIs(t, err, stream.ErrNoDevice)
}
