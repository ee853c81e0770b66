// Package bladerf is the entry point for streaming samples to and from a
// device. A Device wraps a transport and hands out asynchronous streams or
// manages one synchronous stream per direction.
package bladerf

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/bladestream/pkg/metadata"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/syncstream"
	"github.com/norasector/bladestream/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Device struct {
	transport stream.Transport

	mu      sync.Mutex
	syncs   map[stream.Direction]*syncstream.SyncStream
	streams []*stream.Stream
	closed  bool

	logger   zerolog.Logger
	writeAPI api.WriteAPI
	metrics  *stream.Metrics
}

type DeviceOption func(d *Device) error

func WithLogger(logger zerolog.Logger) DeviceOption {
	return func(d *Device) error {
		d.logger = logger
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) DeviceOption {
	return func(d *Device) error {
		d.writeAPI = writeAPI
		return nil
	}
}

// WithRegisterer exports stream metrics to reg.
func WithRegisterer(reg prometheus.Registerer) DeviceOption {
	return func(d *Device) error {
		if reg == nil {
			return fmt.Errorf("nil registerer: %w", stream.ErrInval)
		}
		d.metrics = stream.NewMetrics(reg)
		return nil
	}
}

func Open(t stream.Transport, opts ...DeviceOption) (*Device, error) {
	if t == nil {
		return nil, fmt.Errorf("device requires a transport: %w", stream.ErrInval)
	}
	d := &Device{
		transport: t,
		syncs:     make(map[stream.Direction]*syncstream.SyncStream),
		logger:    log.Logger,
		writeAPI:  &util.MockWriteAPI{}, // overwritten with option
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	d.logger.Info().Str("speed", t.Speed().String()).Msg("device opened")
	return d, nil
}

func (d *Device) Transport() stream.Transport { return d.transport }

// InitStream creates an asynchronous stream. The caller runs it and must
// Deinit it; Close deinitializes any stream still open.
func (d *Device) InitStream(dir stream.Direction, format stream.Format, numBuffers, samplesPerBuffer, numTransfers int,
	cb stream.Callback) (*stream.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("device closed: %w", stream.ErrInval)
	}

	s, err := stream.New(d.transport, stream.Config{
		Direction:        dir,
		Format:           format,
		NumBuffers:       numBuffers,
		SamplesPerBuffer: samplesPerBuffer,
		NumTransfers:     numTransfers,
	}, cb,
		stream.WithLogger(d.logger),
		stream.WithInfluxDB(d.writeAPI),
		stream.WithMetrics(d.metrics),
	)
	if err != nil {
		return nil, err
	}
	d.pruneLocked()
	d.streams = append(d.streams, s)
	return s, nil
}

// pruneLocked forgets async streams the caller has deinitialized.
func (d *Device) pruneLocked() {
	live := d.streams[:0]
	for _, s := range d.streams {
		if !s.Deinitialized() {
			live = append(live, s)
		}
	}
	clear(d.streams[len(live):])
	d.streams = live
}

// SyncConfig sets up synchronous streaming in one direction, replacing any
// earlier configuration for that direction.
func (d *Device) SyncConfig(dir stream.Direction, format stream.Format, numBuffers, bufferSize, numTransfers int,
	timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("device closed: %w", stream.ErrInval)
	}

	if old, ok := d.syncs[dir]; ok {
		delete(d.syncs, dir)
		if err := old.Close(); err != nil {
			return err
		}
	}

	s, err := syncstream.New(d.transport, syncstream.Config{
		Direction:    dir,
		Format:       format,
		NumBuffers:   numBuffers,
		BufferSize:   bufferSize,
		NumTransfers: numTransfers,
		Timeout:      timeout,
	},
		syncstream.WithLogger(d.logger),
		syncstream.WithInfluxDB(d.writeAPI),
		syncstream.WithMetrics(d.metrics),
	)
	if err != nil {
		return err
	}
	d.syncs[dir] = s
	return nil
}

func (d *Device) syncFor(dir stream.Direction) (*syncstream.SyncStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("device closed: %w", stream.ErrInval)
	}
	s, ok := d.syncs[dir]
	if !ok {
		return nil, fmt.Errorf("%s not configured for sync streaming: %w", dir, stream.ErrInval)
	}
	return s, nil
}

func (d *Device) SyncRX(dst []byte, meta *metadata.Metadata, timeout time.Duration) (int, error) {
	s, err := d.syncFor(stream.RX)
	if err != nil {
		return 0, err
	}
	return s.RX(dst, meta, timeout)
}

func (d *Device) SyncTX(src []byte, meta *metadata.Metadata, timeout time.Duration) error {
	s, err := d.syncFor(stream.TX)
	if err != nil {
		return err
	}
	return s.TX(src, meta, timeout)
}

func (d *Device) SyncTimeout(dir stream.Direction) (time.Duration, error) {
	s, err := d.syncFor(dir)
	if err != nil {
		return 0, err
	}
	return s.Timeout(), nil
}

func (d *Device) SetSyncTimeout(dir stream.Direction, timeout time.Duration) error {
	s, err := d.syncFor(dir)
	if err != nil {
		return err
	}
	return s.SetTimeout(timeout)
}

// Stats reports on every open stream of the device, sync ones included.
func (d *Device) Stats() []stream.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()
	var out []stream.Stats
	for _, dir := range []stream.Direction{stream.RX, stream.TX} {
		if s, ok := d.syncs[dir]; ok {
			out = append(out, s.Stream().Stats())
		}
	}
	for _, s := range d.streams {
		out = append(out, s.Stats())
	}
	return out
}

// Close shuts down sync streams, deinitializes async streams and closes the
// transport if it can be closed.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	syncs := d.syncs
	d.syncs = nil
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()

	var errs []error
	for _, s := range syncs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range streams {
		s.Deinit()
	}
	if c, ok := d.transport.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	d.logger.Info().Msg("device closed")
	return errors.Join(errs...)
}
