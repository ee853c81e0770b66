package bladestream

import (
	"context"
	"errors"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"gonum.org/v1/gonum/floats"

	"github.com/norasector/bladestream/pkg/metadata"
	"github.com/norasector/bladestream/pkg/output"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
)

// Power summarizes a block of samples.
type Power struct {
	MeanDB float64
	PeakDB float64
}

// MeasurePower returns the mean and peak power of samples relative to full
// scale.
func MeasurePower(samples []complex64) Power {
	if len(samples) == 0 {
		return Power{MeanDB: math.Inf(-1), PeakDB: math.Inf(-1)}
	}
	re := make([]float64, len(samples))
	im := make([]float64, len(samples))
	for i, v := range samples {
		re[i] = float64(real(v))
		im[i] = float64(imag(v))
	}
	mean := (floats.Dot(re, re) + floats.Dot(im, im)) / float64(len(samples))

	floats.Mul(re, re)
	floats.Mul(im, im)
	floats.Add(re, im)
	peak := floats.Max(re)

	return Power{MeanDB: 10 * math.Log10(mean), PeakDB: 10 * math.Log10(peak)}
}

func (s *Streamer) runRX(ctx context.Context) error {
	if err := s.configure(stream.RX); err != nil {
		return err
	}

	bps := s.opts.Format.BytesPerSample()
	buf := make([]byte, s.opts.SamplesPerCall*bps)
	var decoded []complex64
	var seq uint64
	var check metadata.MonotonicChecker

	for ctx.Err() == nil {
		meta := metadata.Metadata{Flags: metadata.FlagRXNow}
		var n int
		took, err := util.TimeOperation(func() error {
			var err error
			n, err = s.dev.SyncRX(buf, &meta, 0)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, stream.ErrTimeout) {
				s.logger.Warn().Err(err).Msg("rx timed out")
				continue
			}
			return err
		}

		if s.opts.Format.HasMetadata() {
			if meta.Status&metadata.StatusOverrun != 0 {
				// A discontinuity restarts the timestamp sequence.
				check.Reset()
			} else if err := check.Check(meta.Timestamp); err != nil {
				s.logger.Warn().Err(err).Msg("rx timestamp went backwards")
			}
		}

		decoded = s.opts.Format.Decode(buf[:n*bps], decoded)
		power := MeasurePower(decoded)
		s.plot(decoded)

		s.mu.Lock()
		s.report.Calls++
		s.report.Samples += uint64(n)
		if meta.Status&metadata.StatusOverrun != 0 {
			s.report.Overruns++
		}
		s.mu.Unlock()

		if s.output != nil {
			block := &output.SampleBlock{
				Direction: stream.RX,
				Format:    s.opts.Format,
				Timestamp: meta.Timestamp,
				Status:    uint32(meta.Status),
				Seq:       seq,
				Data:      append([]byte(nil), buf[:n*bps]...),
			}
			for _, piece := range output.Split(block) {
				select {
				case s.output.Receive() <- piece:
				default:
					// A slow consumer never stalls reception.
				}
				seq++
			}
		}

		go s.writeAPI.WritePoint(influxdb2.NewPoint("rx.call",
			map[string]string{
				"format": s.opts.Format.String(),
			},
			map[string]interface{}{
				"samples":     n,
				"duration_us": took.Microseconds(),
				"mean_db":     power.MeanDB,
				"peak_db":     power.PeakDB,
				"status":      meta.Status.String(),
			}, time.Now()))
	}
	return ctx.Err()
}
