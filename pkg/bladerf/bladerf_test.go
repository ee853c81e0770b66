package bladerf

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norasector/bladestream/pkg/metadata"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/transport/loopback"
)

func newTestDevice(t *testing.T, opts ...DeviceOption) (*Device, *loopback.Device) {
	t.Helper()
	lb, err := loopback.New(loopback.WithSampleRate(5e5))
	require.NoError(t, err)
	d, err := Open(lb, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, lb
}

func TestOpenRequiresTransport(t *testing.T) {
	_, err := Open(nil)
	assert.ErrorIs(t, err, stream.ErrInval)
}

func TestSyncBeforeConfig(t *testing.T) {
	d, _ := newTestDevice(t)

	_, err := d.SyncRX(make([]byte, 64), &metadata.Metadata{}, 0)
	assert.ErrorIs(t, err, stream.ErrInval)
	assert.ErrorIs(t, d.SyncTX(make([]byte, 64), &metadata.Metadata{}, 0), stream.ErrInval)
	_, err = d.SyncTimeout(stream.RX)
	assert.ErrorIs(t, err, stream.ErrInval)
	assert.ErrorIs(t, d.SetSyncTimeout(stream.TX, time.Second), stream.ErrInval)
}

func TestSyncConfig(t *testing.T) {
	reg := prometheus.NewRegistry()
	d, _ := newTestDevice(t, WithRegisterer(reg))

	assert.ErrorIs(t, d.SyncConfig(stream.RX, stream.FormatSC16Q11Meta, 4, 4096, 4, time.Second), stream.ErrInval)

	require.NoError(t, d.SyncConfig(stream.RX, stream.FormatSC16Q11Meta, 32, 4096, 4, time.Second))
	timeout, err := d.SyncTimeout(stream.RX)
	require.NoError(t, err)
	assert.Equal(t, time.Second, timeout)

	meta := metadata.Metadata{Flags: metadata.FlagRXNow}
	n, err := d.SyncRX(make([]byte, 2000*4), &meta, 0)
	require.NoError(t, err)
	assert.Equal(t, 2000, n)

	// Reconfiguring replaces the stream.
	require.NoError(t, d.SyncConfig(stream.RX, stream.FormatSC16Q11Meta, 32, 4096, 4, 2*time.Second))
	timeout, err = d.SyncTimeout(stream.RX)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, timeout)
	require.NoError(t, d.SetSyncTimeout(stream.RX, 3*time.Second))
	timeout, err = d.SyncTimeout(stream.RX)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, timeout)

	stats := d.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, stream.RX, stats[0].Direction)

	count, err := testutil.GatherAndCount(reg, "bladestream_transfers_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestInitStream(t *testing.T) {
	d, lb := newTestDevice(t)

	got := 0
	s, err := d.InitStream(stream.RX, stream.FormatSC16Q11, 8, 4096, 4,
		func(_ *stream.Stream, buf *stream.Buffer, _ int) stream.Result {
			got++
			if got == 3 {
				return stream.Shutdown
			}
			return stream.Submit(buf)
		})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, lb.ReceivedSamples(), uint64(3*4096))
	assert.Len(t, d.Stats(), 1)
}

func TestStatsSkipsDeinitializedStreams(t *testing.T) {
	d, _ := newTestDevice(t)
	cb := func(*stream.Stream, *stream.Buffer, int) stream.Result { return stream.Shutdown }

	first, err := d.InitStream(stream.RX, stream.FormatSC16Q11, 8, 4096, 4, cb)
	require.NoError(t, err)
	second, err := d.InitStream(stream.TX, stream.FormatSC16Q11, 8, 4096, 4, cb)
	require.NoError(t, err)
	require.Len(t, d.Stats(), 2)

	first.Deinit()
	stats := d.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, second.ID(), stats[0].ID)

	second.Deinit()
	assert.Empty(t, d.Stats())
}

func TestClose(t *testing.T) {
	d, lb := newTestDevice(t)
	require.NoError(t, d.SyncConfig(stream.TX, stream.FormatSC16Q11Meta, 8, 4096, 4, time.Second))
	require.NoError(t, d.SyncTX(make([]byte, 100*4), &metadata.Metadata{Flags: metadata.FlagTXBurstStart | metadata.FlagTXNow}, 0))

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.ErrorIs(t, d.SyncTX(make([]byte, 4), &metadata.Metadata{}, 0), stream.ErrInval)
	assert.ErrorIs(t, d.SyncConfig(stream.RX, stream.FormatSC16Q11, 8, 4096, 4, 0), stream.ErrInval)

	_, err := lb.SubmitTransfer(stream.EndpointSampleIn, make([]byte, 16), 16,
		func(stream.TransferHandle, stream.TransferStatus, int) {}, 0)
	assert.ErrorIs(t, err, stream.ErrNoDevice, "transport is closed with the device")
}
