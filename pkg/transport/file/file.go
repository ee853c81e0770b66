// Package file is a transport backed by capture files. Receive transfers are
// filled from a playback file and transmit transfers are appended to a record
// file, one transfer per tick.
package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
)

type transfer struct {
	handle    stream.TransferHandle
	ep        stream.Endpoint
	buf       []byte
	length    int
	done      stream.CompletionFunc
	cancelled bool
}

type FileDevice struct {
	readFile    *os.File
	writeFile   *os.File
	timeBetween time.Duration
	speed       stream.Speed
	loop        bool
	logger      zerolog.Logger

	pumpMu  sync.Mutex
	mu      sync.Mutex
	wake    util.Notifier
	queue   []*transfer
	next    time.Time
	handles uint64
	closed  bool
}

type Option func(f *FileDevice) error

func WithLogger(logger zerolog.Logger) Option {
	return func(f *FileDevice) error {
		f.logger = logger
		return nil
	}
}

// WithPlayback serves receive transfers from the named file.
func WithPlayback(name string) Option {
	return func(f *FileDevice) error {
		r, err := os.Open(name)
		if err != nil {
			return err
		}
		f.readFile = r
		return nil
	}
}

// WithRecord writes transmitted buffers to the named file.
func WithRecord(name string) Option {
	return func(f *FileDevice) error {
		w, err := os.Create(name)
		if err != nil {
			return err
		}
		f.writeFile = w
		return nil
	}
}

// WithLoop rewinds the playback file at its end instead of failing.
func WithLoop() Option {
	return func(f *FileDevice) error {
		f.loop = true
		return nil
	}
}

// WithSpeed sets the link speed reported to streams, which decides the
// metadata message size the capture was made with.
func WithSpeed(speed stream.Speed) Option {
	return func(f *FileDevice) error {
		f.speed = speed
		return nil
	}
}

func NewFileDevice(timeBetween time.Duration, opts ...Option) (*FileDevice, error) {
	if timeBetween <= 0 {
		return nil, fmt.Errorf("time between transfers %s: %w", timeBetween, stream.ErrInval)
	}
	f := &FileDevice{
		timeBetween: timeBetween,
		speed:       stream.SpeedSuper,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (f *FileDevice) Speed() stream.Speed { return f.speed }

func (f *FileDevice) SubmitTransfer(ep stream.Endpoint, buf []byte, length int, done stream.CompletionFunc, _ time.Duration) (stream.TransferHandle, error) {
	if length <= 0 || length > len(buf) || done == nil {
		return 0, fmt.Errorf("transfer of %d bytes into %d byte buffer: %w", length, len(buf), stream.ErrInval)
	}
	if ep.IsIn() && f.readFile == nil || !ep.IsIn() && f.writeFile == nil {
		return 0, fmt.Errorf("no file for endpoint %#x: %w", uint8(ep), stream.ErrUnsupported)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, stream.ErrNoDevice
	}
	f.handles++
	t := &transfer{
		handle: stream.TransferHandle(f.handles),
		ep:     ep,
		buf:    buf,
		length: length,
		done:   done,
	}
	if len(f.queue) == 0 && time.Now().After(f.next) {
		f.next = time.Now().Add(f.timeBetween)
	}
	f.queue = append(f.queue, t)
	f.mu.Unlock()

	f.wake.Broadcast()
	return t.handle, nil
}

func (f *FileDevice) CancelTransfer(h stream.TransferHandle) error {
	f.mu.Lock()
	for _, t := range f.queue {
		if t.handle == h {
			t.cancelled = true
		}
	}
	f.mu.Unlock()
	f.wake.Broadcast()
	return nil
}

// PumpEvents completes the transfer at the head of the queue once its tick
// arrives. Cancelled transfers complete right away.
func (f *FileDevice) PumpEvents(timeout time.Duration) error {
	f.pumpMu.Lock()
	defer f.pumpMu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		f.mu.Lock()
		var t *transfer
		wait := time.Until(f.next)
		if len(f.queue) > 0 && (f.queue[0].cancelled || f.closed || wait <= 0) {
			t = f.queue[0]
			f.queue = f.queue[1:]
			if !t.cancelled && !f.closed {
				f.next = f.next.Add(f.timeBetween)
			}
		}
		closed := f.closed
		empty := len(f.queue) == 0
		ch := f.wake.C()
		f.mu.Unlock()

		if t != nil {
			status, actual := f.complete(t, closed)
			t.done(t.handle, status, actual)
			return nil
		}

		var tick *time.Timer
		var tickC <-chan time.Time
		if !empty {
			tick = time.NewTimer(wait)
			tickC = tick.C
		}
		select {
		case <-ch:
		case <-tickC:
		case <-deadline.C:
			if tick != nil {
				tick.Stop()
			}
			return nil
		}
		if tick != nil {
			tick.Stop()
		}
	}
}

func (f *FileDevice) complete(t *transfer, closed bool) (stream.TransferStatus, int) {
	switch {
	case t.cancelled:
		return stream.TransferCancelled, 0
	case closed:
		return stream.TransferNoDevice, 0
	}

	buf := t.buf[:t.length]
	if !t.ep.IsIn() {
		n, err := f.writeFile.Write(buf)
		if err != nil {
			f.logger.Error().Err(err).Msg("writing record file")
			return stream.TransferFailed, n
		}
		return stream.TransferCompleted, n
	}

	n, err := io.ReadFull(f.readFile, buf)
	if (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) && f.loop {
		if _, err := f.readFile.Seek(0, io.SeekStart); err != nil {
			f.logger.Error().Err(err).Msg("rewinding playback file")
			return stream.TransferFailed, n
		}
		f.logger.Debug().Msg("playback file rewound")
		m, err := io.ReadFull(f.readFile, buf[n:])
		return statusFor(err), n + m
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		f.logger.Info().Err(err).Msg("playback file exhausted")
	}
	return statusFor(err), n
}

func statusFor(err error) stream.TransferStatus {
	switch {
	case err == nil:
		return stream.TransferCompleted
	case errors.Is(err, io.ErrUnexpectedEOF):
		// A short final read is passed up as a short transfer.
		return stream.TransferCompleted
	case errors.Is(err, io.EOF):
		return stream.TransferNoDevice
	default:
		return stream.TransferFailed
	}
}

func (f *FileDevice) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	f.wake.Broadcast()

	var errs []error
	if f.readFile != nil {
		errs = append(errs, f.readFile.Close())
	}
	if f.writeFile != nil {
		errs = append(errs, f.writeFile.Close())
	}
	return errors.Join(errs...)
}
