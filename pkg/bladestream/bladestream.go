// Package bladestream drives a device in one of the command line modes:
// continuous receive, continuous transmit, or timed bursts.
package bladestream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/bladestream/pkg/bladerf"
	"github.com/norasector/bladestream/pkg/output"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
	"github.com/norasector/bladestream/pkg/viz"
)

type Mode string

const (
	ModeRX    Mode = "rx"
	ModeTX    Mode = "tx"
	ModeBurst Mode = "burst"
)

type Options struct {
	Mode           Mode
	Format         stream.Format
	NumBuffers     int
	BufferSize     int
	NumTransfers   int
	Timeout        time.Duration
	SamplesPerCall int
	SampleRate     int
	// Duration stops the mode after this long. Zero runs until cancelled.
	Duration time.Duration

	ToneFrequency float64
	ToneAmplitude float64
	Burst         BurstOptions
}

type BurstOptions struct {
	Length         int
	Gap            int
	Count          int
	StartTimestamp uint64
	Verify         bool
	Threshold      float64
}

type Streamer struct {
	dev       *bladerf.Device
	opts      Options
	writeAPI  api.WriteAPI
	vizServer *viz.Server
	output    *output.UDPOutput
	logger    zerolog.Logger

	spectrum *viz.SpectrumPlotter
	timePlot *viz.TimeDomainPlotter

	mu     sync.Mutex
	cancel context.CancelFunc
	report Report
}

// Report summarizes what a run moved.
type Report struct {
	Calls        uint64
	Samples      uint64
	Overruns     uint64
	Underruns    uint64
	Bursts       int
	BurstSamples []int
}

type StreamerOption func(s *Streamer) error

func WithInfluxDB(writeAPI api.WriteAPI) StreamerOption {
	return func(s *Streamer) error {
		s.writeAPI = writeAPI
		return nil
	}
}

func WithImageServer(vizServer *viz.Server) StreamerOption {
	return func(s *Streamer) error {
		s.vizServer = vizServer
		return nil
	}
}

func WithOutput(o *output.UDPOutput) StreamerOption {
	return func(s *Streamer) error {
		s.output = o
		return nil
	}
}

func WithLogger(logger zerolog.Logger) StreamerOption {
	return func(s *Streamer) error {
		s.logger = logger
		return nil
	}
}

func NewStreamer(dev *bladerf.Device, options Options, opts ...StreamerOption) (*Streamer, error) {
	s := &Streamer{
		dev:      dev,
		opts:     options,
		writeAPI: &util.MockWriteAPI{}, // overwritten with option
		logger:   log.Logger,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if dev == nil {
		return nil, fmt.Errorf("streamer requires a device: %w", stream.ErrInval)
	}
	if s.opts.SamplesPerCall <= 0 || s.opts.SampleRate <= 0 {
		return nil, fmt.Errorf("must specify samples per call and sample rate: %w", stream.ErrInval)
	}
	switch s.opts.Mode {
	case ModeRX, ModeTX:
	case ModeBurst:
		if !s.opts.Format.HasMetadata() {
			return nil, fmt.Errorf("burst mode needs a metadata format, not %s: %w", s.opts.Format, stream.ErrInval)
		}
	default:
		return nil, fmt.Errorf("unknown mode %q: %w", s.opts.Mode, stream.ErrInval)
	}

	if s.vizServer != nil {
		s.spectrum = viz.NewSpectrumPlotter("spectrum", 1024, s.opts.SampleRate)
		s.timePlot = viz.NewTimeDomainPlotter("time", 512)
		s.vizServer.Register(string(s.opts.Mode), s.spectrum)
		s.vizServer.Register(string(s.opts.Mode), s.timePlot)
	}
	return s, nil
}

func (s *Streamer) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.report
	r.BurstSamples = append([]int(nil), s.report.BurstSamples...)
	return r
}

func (s *Streamer) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.dev.Close()
}

// Start runs the configured mode along with the status server and sample
// output until the mode finishes, ctx is cancelled, or something fails.
func (s *Streamer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	if s.opts.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, s.opts.Duration)
		defer stop()
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if s.vizServer != nil {
		eg.Go(func() error {
			return s.vizServer.Run(egCtx)
		})
	}
	if s.output != nil {
		eg.Go(func() error {
			return s.output.Start(egCtx)
		})
	}

	eg.Go(func() error {
		// The mode finishing ends the helpers too.
		defer cancel()
		var err error
		switch s.opts.Mode {
		case ModeRX:
			err = s.runRX(egCtx)
		case ModeTX:
			err = s.runTX(egCtx)
		case ModeBurst:
			err = s.runBurst(egCtx)
		}
		return err
	})

	s.logger.Info().
		Str("mode", string(s.opts.Mode)).
		Str("format", s.opts.Format.String()).
		Int("sample_rate", s.opts.SampleRate).
		Uint64("expected_samples", util.DurationToSamples(s.opts.Duration, s.opts.SampleRate)).
		Msg("Starting")

	err := eg.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	r := s.Report()
	s.logger.Info().
		Uint64("calls", r.Calls).
		Uint64("samples", r.Samples).
		Uint64("overruns", r.Overruns).
		Uint64("underruns", r.Underruns).
		Int("bursts", r.Bursts).
		Msg("Finished")
	return err
}

func (s *Streamer) configure(dir stream.Direction) error {
	return s.dev.SyncConfig(dir, s.opts.Format, s.opts.NumBuffers, s.opts.BufferSize, s.opts.NumTransfers, s.opts.Timeout)
}

func (s *Streamer) plot(samples []complex64) {
	if s.spectrum != nil {
		s.spectrum.AppendComplex(samples)
	}
	if s.timePlot != nil {
		s.timePlot.AppendComplex(samples)
	}
}
