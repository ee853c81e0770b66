package output

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/norasector/bladestream/pkg/stream"
	"github.com/norasector/bladestream/pkg/util"
)

func TestFrameUnframe(t *testing.T) {
	tests := []struct {
		name  string
		block SampleBlock
	}{
		{
			name: "rx block",
			block: SampleBlock{
				StreamID:  "0b9f5c1e",
				Direction: stream.RX,
				Format:    stream.FormatSC16Q11Meta,
				Timestamp: 1 << 40,
				Status:    1,
				Seq:       7,
				Data:      []byte{1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		{
			name: "empty",
			block: SampleBlock{
				Direction: stream.TX,
				Format:    stream.FormatSC8Q7,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			datagram, err := Frame(&tt.block)
			require.NoError(t, err)
			assert.EqualValues(t, len(datagram)-2, binary.LittleEndian.Uint16(datagram))

			got, err := Unframe(datagram)
			require.NoError(t, err)
			if len(tt.block.Data) == 0 {
				assert.Empty(t, got.Data)
				got.Data = tt.block.Data
			}
			assert.Equal(t, tt.block, *got)
		})
	}
}

func TestFrameTooLarge(t *testing.T) {
	_, err := Frame(&SampleBlock{Format: stream.FormatSC16Q11, Data: make([]byte, 70000)})
	assert.ErrorIs(t, err, stream.ErrInval)
}

func TestUnframeErrors(t *testing.T) {
	_, err := Unframe([]byte{1})
	assert.ErrorIs(t, err, stream.ErrInval)

	_, err = Unframe([]byte{10, 0, 1, 2})
	assert.ErrorIs(t, err, stream.ErrInval)

	// A truncated field inside a complete frame.
	body := protowire.AppendTag(nil, fieldData, protowire.BytesType)
	body = protowire.AppendVarint(body, 100)
	datagram := binary.LittleEndian.AppendUint16(nil, uint16(len(body)))
	_, err = Unframe(append(datagram, body...))
	assert.Error(t, err)
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b := SampleBlock{Format: stream.FormatSC16Q11, Seq: 3, Data: []byte{9, 9, 9, 9}}
	wire := protowire.AppendTag(nil, 99, protowire.BytesType)
	wire = protowire.AppendString(wire, "future")
	wire = b.AppendWire(wire)

	var got SampleBlock
	require.NoError(t, got.UnmarshalWire(wire))
	assert.Equal(t, b, got)
	assert.Equal(t, 1, got.Samples())
}

func TestSplit(t *testing.T) {
	small := &SampleBlock{Format: stream.FormatSC16Q11, Data: make([]byte, 400)}
	assert.Equal(t, []*SampleBlock{small}, Split(small))

	data := make([]byte, 2*MaxBlockData+400)
	for i := range data {
		data[i] = byte(i)
	}
	b := &SampleBlock{Format: stream.FormatSC16Q11, Timestamp: 1000, Seq: 10, Data: data}
	pieces := Split(b)
	require.Len(t, pieces, 3)

	var joined []byte
	for i, p := range pieces {
		assert.LessOrEqual(t, len(p.Data), MaxBlockData)
		assert.Zero(t, len(p.Data)%4, "pieces hold whole samples")
		assert.EqualValues(t, 10+i, p.Seq)
		assert.EqualValues(t, 1000+len(joined)/4, p.Timestamp)
		joined = append(joined, p.Data...)
	}
	assert.Equal(t, data, joined)
}

func TestUDPOutput(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	rec := &util.RecordingWriteAPI{}
	o, err := NewUDPOutput([]Destination{{Host: "127.0.0.1", Port: port}}, WithInfluxDB(rec))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Start(ctx) }()

	sent := &SampleBlock{StreamID: "rx", Format: stream.FormatSC16Q11, Timestamp: 42, Data: []byte{1, 2, 3, 4}}
	o.Receive() <- sent

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 65536)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	got, err := Unframe(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, sent, got)

	require.Eventually(t, func() bool {
		return len(rec.Points("output.sent_block")) == 1
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
