// Package metadata frames sample buffers into timestamped messages.
//
// A buffer in one of the *_META formats is a sequence of fixed-size
// messages. Each message begins with a 16 byte little-endian header followed
// by as many samples as fit in the rest of the message:
//
//	0x00  packet length  u16
//	0x02  packet flags   u8
//	0x03  core id        u8
//	0x04  timestamp      u64
//	0x0c  flags          u32
package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/norasector/bladestream/pkg/stream"
)

const HeaderSize = 16

const (
	offPacketLength = 0x00
	offPacketFlags  = 0x02
	offCore         = 0x03
	offTimestamp    = 0x04
	offFlags        = 0x0c
)

// Header flags reported by the FPGA on received messages.
const (
	HeaderRXUnderflow uint32 = 1 << 0
	HeaderMiniExp1    uint32 = 1 << 16
	HeaderMiniExp2    uint32 = 1 << 17
)

var ErrShortMessage = fmt.Errorf("message shorter than metadata header: %w", stream.ErrInval)

type Header struct {
	PacketLength uint16
	PacketFlags  uint8
	Core         uint8
	Timestamp    uint64
	Flags        uint32
}

func (h Header) Put(dst []byte) error {
	if len(dst) < HeaderSize {
		return ErrShortMessage
	}
	binary.LittleEndian.PutUint16(dst[offPacketLength:], h.PacketLength)
	dst[offPacketFlags] = h.PacketFlags
	dst[offCore] = h.Core
	binary.LittleEndian.PutUint64(dst[offTimestamp:], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[offFlags:], h.Flags)
	return nil
}

func ParseHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrShortMessage
	}
	return Header{
		PacketLength: binary.LittleEndian.Uint16(src[offPacketLength:]),
		PacketFlags:  src[offPacketFlags],
		Core:         src[offCore],
		Timestamp:    binary.LittleEndian.Uint64(src[offTimestamp:]),
		Flags:        binary.LittleEndian.Uint32(src[offFlags:]),
	}, nil
}

// Encode writes a plain sample-message header and payload into msg. The
// remainder of the payload area after samples is zeroed.
func Encode(msg []byte, samples []byte, timestamp uint64, flags uint32) error {
	if err := (Header{Timestamp: timestamp, Flags: flags}).Put(msg); err != nil {
		return err
	}
	payload := msg[HeaderSize:]
	if len(samples) > len(payload) {
		return fmt.Errorf("%d sample bytes exceed %d byte payload: %w", len(samples), len(payload), stream.ErrInval)
	}
	n := copy(payload, samples)
	for i := n; i < len(payload); i++ {
		payload[i] = 0
	}
	return nil
}

// Decode splits a message into its header and the whole-sample payload.
func Decode(msg []byte, bytesPerSample int) ([]byte, Header, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return nil, Header{}, err
	}
	if bytesPerSample <= 0 {
		return nil, Header{}, fmt.Errorf("bytes per sample %d: %w", bytesPerSample, stream.ErrInval)
	}
	payload := msg[HeaderSize:]
	payload = payload[:len(payload)/bytesPerSample*bytesPerSample]
	return payload, h, nil
}
