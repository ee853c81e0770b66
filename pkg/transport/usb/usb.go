// Package usb moves sample buffers to and from a bladeRF over libusb bulk
// transfers.
package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
)

const (
	VendorID        gousb.ID = 0x2cf0
	ProductBladeRF  gousb.ID = 0x5246
	ProductBladeRF2 gousb.ID = 0x5250 // bladeRF 2.0 micro

	rfLinkInterface  = 0
	rfLinkAltSetting = 1
	sampleEndpoint   = 1

	queueDepth = 64

	defaultTransfersInFlight = 8
)

type transfer struct {
	handle stream.TransferHandle
	ep     stream.Endpoint
	buf    []byte
	done   stream.CompletionFunc
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
}

type completion struct {
	t      *transfer
	status stream.TransferStatus
	actual int
}

// sampleStream keeps several bulk transfers of one size in flight on an
// endpoint. Each call moves at most one transfer worth of data.
type sampleStream interface {
	transfer(ctx context.Context, p []byte) (int, error)
	Close() error
}

type readStream struct{ *gousb.ReadStream }

func (r readStream) transfer(ctx context.Context, p []byte) (int, error) {
	return r.ReadContext(ctx, p)
}

type writeStream struct{ *gousb.WriteStream }

func (w writeStream) transfer(ctx context.Context, p []byte) (int, error) {
	return w.WriteContext(ctx, p)
}

// Device hands transfers to one goroutine per endpoint. That goroutine feeds
// a gousb stream holding up to inFlight transfers on the bus, so transfers on
// an endpoint are pipelined yet still complete in submission order.
type Device struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	speed     stream.Speed
	productID gousb.ID
	inFlight  int
	logger    zerolog.Logger
	newStream func(ep stream.Endpoint, size, count int) (sampleStream, error)

	queues map[stream.Endpoint]chan *transfer
	eg     *errgroup.Group
	stop   context.CancelFunc

	mu       sync.Mutex
	handles  uint64
	byHandle map[stream.TransferHandle]*transfer
	done     []completion
	ready    util.Notifier
	closed   bool
}

type Option func(d *Device) error

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Device) error {
		d.logger = logger
		return nil
	}
}

// WithTransfersInFlight sets how many bulk transfers each endpoint keeps
// submitted at once.
func WithTransfersInFlight(n int) Option {
	return func(d *Device) error {
		if n <= 0 {
			return fmt.Errorf("transfers in flight %d: %w", n, stream.ErrInval)
		}
		d.inFlight = n
		return nil
	}
}

func WithProductID(pid gousb.ID) Option {
	return func(d *Device) error {
		d.productID = pid
		return nil
	}
}

// Open claims the RF link interface of the first matching bladeRF.
func Open(opts ...Option) (*Device, error) {
	d := &Device{
		productID: ProductBladeRF,
		inFlight:  defaultTransfersInFlight,
		logger:    log.Logger,
		byHandle:  make(map[stream.TransferHandle]*transfer),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	d.ctx = gousb.NewContext()
	var err error
	d.dev, err = d.ctx.OpenDeviceWithVIDPID(VendorID, d.productID)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("opening %s:%s: %v: %w", VendorID, d.productID, err, stream.ErrIO)
	}
	if d.dev == nil {
		d.release()
		return nil, fmt.Errorf("no bladeRF found at %s:%s: %w", VendorID, d.productID, stream.ErrNoDevice)
	}
	if err := d.dev.SetAutoDetach(true); err != nil {
		d.logger.Warn().Err(err).Msg("unable to enable kernel driver auto detach")
	}

	d.cfg, err = d.dev.Config(1)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("selecting usb config: %v: %w", err, stream.ErrIO)
	}
	d.intf, err = d.cfg.Interface(rfLinkInterface, rfLinkAltSetting)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("claiming rf link interface: %v: %w", err, stream.ErrIO)
	}
	d.in, err = d.intf.InEndpoint(sampleEndpoint)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("sample in endpoint: %v: %w", err, stream.ErrIO)
	}
	d.out, err = d.intf.OutEndpoint(sampleEndpoint)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("sample out endpoint: %v: %w", err, stream.ErrIO)
	}

	switch d.dev.Desc.Speed {
	case gousb.SpeedSuper:
		d.speed = stream.SpeedSuper
	case gousb.SpeedHigh:
		d.speed = stream.SpeedHigh
	default:
		d.speed = stream.SpeedUnknown
	}

	d.newStream = d.openStream
	d.start()

	d.logger.Info().
		Str("device", d.dev.String()).
		Str("speed", d.speed.String()).
		Int("transfers_in_flight", d.inFlight).
		Msg("usb device opened")

	return d, nil
}

func (d *Device) start() {
	var ctx context.Context
	ctx, d.stop = context.WithCancel(context.Background())
	d.eg, ctx = errgroup.WithContext(ctx)
	d.queues = map[stream.Endpoint]chan *transfer{
		stream.EndpointSampleIn:  make(chan *transfer, queueDepth),
		stream.EndpointSampleOut: make(chan *transfer, queueDepth),
	}
	for ep, q := range d.queues {
		ep, q := ep, q
		d.eg.Go(func() error {
			return d.serve(ctx, ep, q)
		})
	}
}

func (d *Device) openStream(ep stream.Endpoint, size, count int) (sampleStream, error) {
	if ep.IsIn() {
		rs, err := d.in.NewStream(size, count)
		if err != nil {
			return nil, err
		}
		return readStream{rs}, nil
	}
	ws, err := d.out.NewStream(size, count)
	if err != nil {
		return nil, err
	}
	return writeStream{ws}, nil
}

func (d *Device) Speed() stream.Speed { return d.speed }

func (d *Device) SubmitTransfer(ep stream.Endpoint, buf []byte, length int, done stream.CompletionFunc, timeout time.Duration) (stream.TransferHandle, error) {
	if length <= 0 || length > len(buf) || done == nil {
		return 0, fmt.Errorf("transfer of %d bytes into %d byte buffer: %w", length, len(buf), stream.ErrInval)
	}
	q, ok := d.queues[ep]
	if !ok {
		return 0, fmt.Errorf("endpoint %#x: %w", uint8(ep), stream.ErrInval)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, stream.ErrNoDevice
	}

	d.handles++
	t := &transfer{
		handle: stream.TransferHandle(d.handles),
		ep:     ep,
		buf:    buf[:length],
		done:   done,
	}
	if timeout > 0 {
		t.ctx, t.cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		t.ctx, t.cancel = context.WithCancel(context.Background())
	}

	select {
	case q <- t:
	default:
		t.cancel()
		return 0, fmt.Errorf("usb queue for endpoint %#x full: %w", uint8(ep), stream.ErrWouldBlock)
	}
	d.byHandle[t.handle] = t
	return t.handle, nil
}

func (d *Device) CancelTransfer(h stream.TransferHandle) error {
	d.mu.Lock()
	t, ok := d.byHandle[h]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.cancel()
	return nil
}

// PumpEvents delivers queued completions, waiting up to timeout for one.
func (d *Device) PumpEvents(timeout time.Duration) error {
	d.mu.Lock()
	if len(d.done) == 0 {
		ch := d.ready.C()
		d.mu.Unlock()
		timer := time.NewTimer(timeout)
		select {
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
		d.mu.Lock()
	}
	done := d.done
	d.done = nil
	d.mu.Unlock()

	for _, c := range done {
		c.t.done(c.t.handle, c.status, c.actual)
	}
	return nil
}

// endpointStream is the gousb stream an endpoint goroutine currently feeds.
// It is rebuilt when the transfer size changes or after a failed transfer.
type endpointStream struct {
	size   int
	stream sampleStream
}

func (es *endpointStream) close() {
	if es.stream != nil {
		es.stream.Close()
	}
	es.stream = nil
	es.size = 0
}

func (d *Device) serve(ctx context.Context, ep stream.Endpoint, q chan *transfer) error {
	var es endpointStream
	defer es.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-q:
			c := d.run(&es, t)
			d.mu.Lock()
			delete(d.byHandle, t.handle)
			d.done = append(d.done, c)
			d.mu.Unlock()
			d.ready.Broadcast()
		}
	}
}

func (d *Device) run(es *endpointStream, t *transfer) completion {
	defer t.cancel()

	var n int
	err := t.ctx.Err()
	if err == nil && (es.stream == nil || es.size != len(t.buf)) {
		es.close()
		es.stream, err = d.newStream(t.ep, len(t.buf), d.inFlight)
		if err == nil {
			es.size = len(t.buf)
		}
	}
	if err == nil {
		n, err = es.stream.transfer(t.ctx, t.buf)
	}
	if err != nil {
		es.close()
	}

	t.mu.Lock()
	cancelled := t.cancelled
	t.mu.Unlock()

	status := statusFor(err, t.ctx.Err(), cancelled)
	if status != stream.TransferCompleted && status != stream.TransferCancelled {
		d.logger.Debug().Err(err).Str("status", status.String()).Uint8("endpoint", uint8(t.ep)).Msg("usb transfer failed")
	}
	return completion{t: t, status: status, actual: n}
}

func statusFor(err, ctxErr error, cancelled bool) stream.TransferStatus {
	switch {
	case err == nil:
		return stream.TransferCompleted
	case cancelled:
		return stream.TransferCancelled
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return stream.TransferTimedOut
	case errors.Is(ctxErr, context.Canceled):
		// Only Close cancels a transfer nobody asked to cancel.
		return stream.TransferNoDevice
	}

	var ts gousb.TransferStatus
	if errors.As(err, &ts) {
		switch ts {
		case gousb.TransferTimedOut:
			return stream.TransferTimedOut
		case gousb.TransferCancelled:
			return stream.TransferCancelled
		case gousb.TransferStall:
			return stream.TransferStall
		case gousb.TransferNoDevice:
			return stream.TransferNoDevice
		case gousb.TransferOverflow:
			return stream.TransferOverflow
		}
	}
	switch {
	case errors.Is(err, gousb.ErrorNoDevice):
		return stream.TransferNoDevice
	case errors.Is(err, gousb.ErrorTimeout):
		return stream.TransferTimedOut
	case errors.Is(err, gousb.ErrorOverflow):
		return stream.TransferOverflow
	case errors.Is(err, gousb.ErrorPipe):
		return stream.TransferStall
	}
	return stream.TransferFailed
}

// Close cancels outstanding transfers and releases the device. Transfers
// still queued complete with TransferNoDevice on the next PumpEvents.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, t := range d.byHandle {
		t.cancel()
	}
	d.mu.Unlock()

	d.stop()
	err := d.eg.Wait()

	d.mu.Lock()
	for _, q := range d.queues {
	drain:
		for {
			select {
			case t := <-q:
				delete(d.byHandle, t.handle)
				d.done = append(d.done, completion{t: t, status: stream.TransferNoDevice})
			default:
				break drain
			}
		}
	}
	d.mu.Unlock()
	d.ready.Broadcast()

	d.release()
	d.logger.Info().Msg("usb device closed")
	return err
}

func (d *Device) release() {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
}
