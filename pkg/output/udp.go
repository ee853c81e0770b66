// Package output forwards received sample blocks to UDP listeners.
package output

import (
	"context"
	"fmt"
	"net"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/bladestream/pkg/util"
)

const (
	receiveChannels = 8
	numSenders      = 2
	// MaxBlockData keeps framed blocks inside a single UDP datagram.
	MaxBlockData = 60000
)

type Destination struct {
	Host string
	Port int
}

type UDPOutput struct {
	dests    []Destination
	recvChan chan *SampleBlock
	writeAPI api.WriteAPI
	logger   zerolog.Logger
}

type Option func(o *UDPOutput) error

func WithLogger(logger zerolog.Logger) Option {
	return func(o *UDPOutput) error {
		o.logger = logger
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) Option {
	return func(o *UDPOutput) error {
		o.writeAPI = writeAPI
		return nil
	}
}

func NewUDPOutput(dests []Destination, opts ...Option) (*UDPOutput, error) {
	o := &UDPOutput{
		dests:    dests,
		recvChan: make(chan *SampleBlock, receiveChannels),
		writeAPI: &util.MockWriteAPI{}, // overwritten with option
		logger:   log.Logger,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Receive accepts blocks to send. Blocks are sent as given; callers keep
// Data within MaxBlockData or use Split.
func (o *UDPOutput) Receive() chan<- *SampleBlock {
	return o.recvChan
}

// Split breaks a block into pieces of at most MaxBlockData bytes, advancing
// the timestamp of each piece by the samples before it.
func Split(b *SampleBlock) []*SampleBlock {
	bps := b.Format.BytesPerSample()
	if len(b.Data) <= MaxBlockData || bps == 0 {
		return []*SampleBlock{b}
	}
	chunk := MaxBlockData - MaxBlockData%bps
	var out []*SampleBlock
	for off := 0; off < len(b.Data); off += chunk {
		end := min(off+chunk, len(b.Data))
		piece := *b
		piece.Data = b.Data[off:end]
		piece.Timestamp = b.Timestamp + uint64(off/bps)
		piece.Seq = b.Seq + uint64(len(out))
		out = append(out, &piece)
	}
	return out
}

func (o *UDPOutput) resolve() ([]*net.UDPAddr, error) {
	addrs := make([]*net.UDPAddr, 0, len(o.dests))
	for _, dest := range o.dests {
		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no IPs returned for %s", dest.Host)
		}
		addr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		addrs = append(addrs, addr)
		o.logger.Info().IPAddr("dest_ip", addr.IP).Int("port", dest.Port).Msg("sample output starting")
	}
	return addrs, nil
}

// Start sends blocks until ctx is done.
func (o *UDPOutput) Start(ctx context.Context) error {
	addrs, err := o.resolve()
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < numSenders; i++ {
		eg.Go(func() error {
			conn, err := net.ListenUDP("udp", nil)
			if err != nil {
				return err
			}
			defer conn.Close()

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case block := <-o.recvChan:
					o.send(conn, addrs, block)
				}
			}
		})
	}
	return eg.Wait()
}

func (o *UDPOutput) send(conn *net.UDPConn, addrs []*net.UDPAddr, block *SampleBlock) {
	datagram, err := Frame(block)
	if err != nil {
		o.logger.Warn().Err(err).Msg("error framing sample block")
		return
	}

	sent := 0
	var bytesWritten int
	for _, addr := range addrs {
		n, err := conn.WriteToUDP(datagram, addr)
		if err != nil {
			o.logger.Error().Err(err).Str("dest", addr.String()).Msg("error writing")
			continue
		}
		bytesWritten += n
		sent++
	}

	go o.writeAPI.WritePoint(influxdb2.NewPoint("output.sent_block",
		map[string]string{
			"stream_id": block.StreamID,
			"direction": block.Direction.String(),
		},
		map[string]interface{}{
			"bytes_written": bytesWritten,
			"samples":       block.Samples(),
			"sent":          sent,
			"dropped":       len(addrs) - sent,
		}, time.Now()))
}
