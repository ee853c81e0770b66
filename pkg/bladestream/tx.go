package bladestream

import (
	"context"
	"fmt"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"

	"github.com/norasector/bladestream/pkg/dsp/mixer"
	"github.com/norasector/bladestream/pkg/metadata"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
)

// encode writes samples in the wire format of f.
func encode(f stream.Format, dst []byte, samples []complex64) {
	if f.BytesPerSample() == 2 {
		for i, s := range samples {
			dst[2*i] = byte(int8(clampQ7(real(s))))
			dst[2*i+1] = byte(int8(clampQ7(imag(s))))
		}
		return
	}
	stream.PutSC16(dst, samples)
}

func clampQ7(v float32) float64 {
	return math.Max(-128, math.Min(127, math.Round(float64(v)*128)))
}

func (s *Streamer) runTX(ctx context.Context) error {
	if err := s.configure(stream.TX); err != nil {
		return err
	}

	bps := s.opts.Format.BytesPerSample()
	tone := mixer.NewOscillator(s.opts.SampleRate, s.opts.ToneFrequency, s.opts.ToneAmplitude)
	samples := make([]complex64, s.opts.SamplesPerCall)
	buf := make([]byte, len(samples)*bps)
	hasMeta := s.opts.Format.HasMetadata()

	first := true
	for ctx.Err() == nil {
		tone.Fill(samples)
		encode(s.opts.Format, buf, samples)
		s.plot(samples)

		meta := metadata.Metadata{}
		if hasMeta && first {
			meta.Flags = metadata.FlagTXBurstStart | metadata.FlagTXNow
		}
		if err := s.tx(ctx, buf, &meta); err != nil {
			return err
		}
		first = false
	}

	if hasMeta && !first {
		// Close the burst so the final partial buffer goes out.
		meta := metadata.Metadata{Flags: metadata.FlagTXBurstEnd}
		if err := s.dev.SyncTX(nil, &meta, 0); err != nil {
			s.logger.Warn().Err(err).Msg("ending tx burst")
		}
	}
	return ctx.Err()
}

func (s *Streamer) tx(ctx context.Context, buf []byte, meta *metadata.Metadata) error {
	took, err := util.TimeOperation(func() error {
		return s.dev.SyncTX(buf, meta, 0)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	n := len(buf) / s.opts.Format.BytesPerSample()
	s.mu.Lock()
	s.report.Calls++
	s.report.Samples += uint64(n)
	if meta.Status&metadata.StatusUnderrun != 0 {
		s.report.Underruns++
	}
	s.mu.Unlock()

	go s.writeAPI.WritePoint(influxdb2.NewPoint("tx.call",
		map[string]string{
			"format": s.opts.Format.String(),
		},
		map[string]interface{}{
			"samples":     n,
			"duration_us": took.Microseconds(),
			"status":      meta.Status.String(),
		}, time.Now()))
	return nil
}

// runBurst transmits Count bursts of Length samples, one every Length+Gap
// samples from StartTimestamp. With Verify set it reads the same span back
// and counts the samples of each burst above the threshold.
func (s *Streamer) runBurst(ctx context.Context) error {
	b := s.opts.Burst
	if b.Verify {
		if err := s.configure(stream.RX); err != nil {
			return err
		}
	}
	if err := s.configure(stream.TX); err != nil {
		return err
	}

	bps := s.opts.Format.BytesPerSample()
	tone := mixer.NewOscillator(s.opts.SampleRate, s.opts.ToneFrequency, s.opts.ToneAmplitude)
	samples := make([]complex64, b.Length)
	buf := make([]byte, b.Length*bps)
	period := uint64(b.Length + b.Gap)
	s.logger.Info().
		Int("count", b.Count).
		Dur("burst", util.SamplesToDuration(uint64(b.Length), s.opts.SampleRate)).
		Dur("period", util.SamplesToDuration(period, s.opts.SampleRate)).
		Msg("Transmitting bursts")

	for i := 0; i < b.Count && ctx.Err() == nil; i++ {
		tone.Fill(samples)
		encode(s.opts.Format, buf, samples)
		s.plot(samples)

		meta := metadata.Metadata{
			Timestamp: b.StartTimestamp + uint64(i)*period,
			Flags:     metadata.FlagTXBurstStart | metadata.FlagTXBurstEnd,
		}
		if err := s.tx(ctx, buf, &meta); err != nil {
			return fmt.Errorf("burst %d: %w", i, err)
		}
		s.logger.Debug().Int("burst", i).Uint64("timestamp", meta.Timestamp).Msg("burst queued")

		s.mu.Lock()
		s.report.Bursts++
		s.mu.Unlock()
	}

	if !b.Verify {
		return ctx.Err()
	}
	counts, err := s.verifyBursts(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.report.BurstSamples = counts
	s.mu.Unlock()
	return nil
}

func (s *Streamer) verifyBursts(ctx context.Context) ([]int, error) {
	b := s.opts.Burst
	bps := s.opts.Format.BytesPerSample()
	period := b.Length + b.Gap
	// Read a little past the end of every burst.
	buf := make([]byte, period*bps)
	var decoded []complex64
	counts := make([]int, b.Count)

	for i := 0; i < b.Count && ctx.Err() == nil; i++ {
		meta := metadata.Metadata{Timestamp: b.StartTimestamp + uint64(i*period)}
		n, err := s.dev.SyncRX(buf, &meta, 0)
		if err != nil {
			return nil, fmt.Errorf("reading back burst %d: %w", i, err)
		}
		decoded = s.opts.Format.Decode(buf[:n*bps], decoded)
		for _, v := range decoded {
			if math.Hypot(float64(real(v)), float64(imag(v))) > b.Threshold {
				counts[i]++
			}
		}
		s.logger.Info().Int("burst", i).Int("expected", b.Length).Int("found", counts[i]).Msg("burst verified")
	}
	return counts, ctx.Err()
}
