package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/bladestream/pkg/bladerf"
	"github.com/norasector/bladestream/pkg/bladestream"
	"github.com/norasector/bladestream/pkg/bladestream/config"
	"github.com/norasector/bladestream/pkg/output"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/transport/file"
	"github.com/norasector/bladestream/pkg/transport/loopback"
	"github.com/norasector/bladestream/pkg/transport/usb"
	"github.com/norasector/bladestream/pkg/util"
	"github.com/norasector/bladestream/pkg/viz"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "bladestream.yaml", "YAML config file")
	mode := flag.String("mode", "", "override the configured mode (rx, tx, burst)")

	flag.Parse()

	opts, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configFile).Msg("error loading config file")
	}
	if *mode != "" {
		opts.Mode = *mode
		if err := opts.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid mode")
		}
	}

	if level, err := zerolog.ParseLevel(opts.LogLevel); err == nil {
		log.Logger = log.Logger.Level(level)
	} else {
		log.Warn().Str("log_level", opts.LogLevel).Msg("unknown log level, using info")
	}

	format, err := stream.ParseFormat(opts.Format)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid sample format")
	}

	log.Info().Str("transport", opts.Transport).Msg("initializing transport...")
	transport, err := openTransport(opts, format)
	if err != nil {
		log.Fatal().Str("transport", opts.Transport).Err(err).Msg("failed to open transport")
	}

	var writeAPI api.WriteAPI = &util.MockWriteAPI{}
	if opts.InfluxDB.Host != "" {
		client := influxdb2.NewClient(opts.InfluxDB.Host, "")
		defer client.Close()
		writeAPI = client.WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
	}

	registry := prometheus.NewRegistry()
	dev, err := bladerf.Open(transport,
		bladerf.WithLogger(log.Logger),
		bladerf.WithInfluxDB(writeAPI),
		bladerf.WithRegisterer(registry),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open device")
	}

	streamerOpts := []bladestream.StreamerOption{
		bladestream.WithInfluxDB(writeAPI),
		bladestream.WithLogger(log.Logger),
	}

	if opts.VizServer.Addr != "" {
		vizServer, err := viz.NewServer(opts.VizServer.Addr, opts.VizServer.UpdateInterval,
			viz.WithStats(dev.Stats),
			viz.WithGatherer(registry),
			viz.WithLogger(log.Logger),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create status server")
		}
		streamerOpts = append(streamerOpts, bladestream.WithImageServer(vizServer))
	}

	if len(opts.OutputDestinations) > 0 {
		dests := make([]output.Destination, 0, len(opts.OutputDestinations))
		for _, d := range opts.OutputDestinations {
			dests = append(dests, output.Destination{Host: d.Host, Port: d.Port})
		}
		out, err := output.NewUDPOutput(dests, output.WithInfluxDB(writeAPI), output.WithLogger(log.Logger))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create sample output")
		}
		streamerOpts = append(streamerOpts, bladestream.WithOutput(out))
	}

	streamer, err := bladestream.NewStreamer(dev,
		bladestream.Options{
			Mode:           bladestream.Mode(opts.Mode),
			Format:         format,
			NumBuffers:     opts.NumBuffers,
			BufferSize:     opts.BufferSize,
			NumTransfers:   opts.NumTransfers,
			Timeout:        opts.Timeout,
			SamplesPerCall: opts.SamplesPerCall,
			SampleRate:     opts.SampleRate,
			Duration:       opts.Duration,
			ToneFrequency:  opts.Tone.Frequency,
			ToneAmplitude:  opts.Tone.Amplitude,
			Burst: bladestream.BurstOptions{
				Length:         opts.Burst.Length,
				Gap:            opts.Burst.Gap,
				Count:          opts.Burst.Count,
				StartTimestamp: opts.Burst.StartTimestamp,
				Verify:         opts.Burst.Verify,
				Threshold:      opts.Burst.Threshold,
			},
		}, streamerOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create streamer")
	}

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	eg.Go(func() error {
		select {
		case <-sigChan:
		case <-ctx.Done():
		case <-done:
		}
		return streamer.Stop()
	})

	eg.Go(func() error {
		defer close(done)
		return streamer.Start(ctx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("exited program")
	}
}

func openTransport(opts config.Config, format stream.Format) (stream.Transport, error) {
	switch opts.Transport {
	case "loopback":
		speed := stream.SpeedSuper
		if opts.Loopback.HighSpeed {
			speed = stream.SpeedHigh
		}
		loopOpts := []loopback.Option{
			loopback.WithLogger(log.Logger),
			loopback.WithSpeed(speed),
			loopback.WithFormat(format),
		}
		if opts.Loopback.SampleRate > 0 {
			loopOpts = append(loopOpts, loopback.WithSampleRate(opts.Loopback.SampleRate))
		}
		return loopback.New(loopOpts...)

	case "file":
		fileOpts := []file.Option{file.WithLogger(log.Logger)}
		if opts.File.PlaybackLocation != "" {
			fileOpts = append(fileOpts, file.WithPlayback(opts.File.PlaybackLocation))
		}
		if opts.File.RecordLocation != "" {
			fileOpts = append(fileOpts, file.WithRecord(opts.File.RecordLocation))
		}
		if opts.File.Loop {
			fileOpts = append(fileOpts, file.WithLoop())
		}
		return file.NewFileDevice(opts.File.TransferInterval, fileOpts...)

	default:
		usbOpts := []usb.Option{
			usb.WithLogger(log.Logger),
			usb.WithTransfersInFlight(opts.NumTransfers),
		}
		if opts.USB.ProductID != 0 {
			usbOpts = append(usbOpts, usb.WithProductID(gousb.ID(opts.USB.ProductID)))
		}
		return usb.Open(usbOpts...)
	}
}
