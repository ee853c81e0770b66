package metadata

import (
	"fmt"

	"github.com/norasector/bladestream/pkg/stream"
)

// USB bulk message sizes in bytes.
const (
	MessageSizeSuperSpeed = 2048
	MessageSizeHighSpeed  = 1024
)

// MessageSize picks the message size the FPGA uses at a given link speed.
func MessageSize(speed stream.Speed) (int, error) {
	switch speed {
	case stream.SpeedSuper:
		return MessageSizeSuperSpeed, nil
	case stream.SpeedHigh:
		return MessageSizeHighSpeed, nil
	}
	return 0, fmt.Errorf("link speed %s: %w", speed, stream.ErrUnsupported)
}

// Geometry describes how a buffer of samples is carved into messages.
type Geometry struct {
	MessageSize      int
	BytesPerSample   int
	SamplesPerBuffer int
}

func NewGeometry(messageSize, bytesPerSample, samplesPerBuffer int) (Geometry, error) {
	g := Geometry{
		MessageSize:      messageSize,
		BytesPerSample:   bytesPerSample,
		SamplesPerBuffer: samplesPerBuffer,
	}
	if messageSize <= HeaderSize || bytesPerSample <= 0 || messageSize%bytesPerSample != 0 {
		return Geometry{}, fmt.Errorf("message size %d with %d byte samples: %w", messageSize, bytesPerSample, stream.ErrInval)
	}
	if samplesPerBuffer*bytesPerSample%messageSize != 0 {
		return Geometry{}, fmt.Errorf("buffer of %d samples is not a whole number of %d byte messages: %w",
			samplesPerBuffer, messageSize, stream.ErrInval)
	}
	return g, nil
}

// SamplesPerMessage is the number of samples carried after each header.
func (g Geometry) SamplesPerMessage() int {
	return (g.MessageSize - HeaderSize) / g.BytesPerSample
}

func (g Geometry) MessagesPerBuffer() int {
	return g.SamplesPerBuffer / (g.MessageSize / g.BytesPerSample)
}

// SamplesPerBufferPayload is the number of user samples one buffer holds.
func (g Geometry) SamplesPerBufferPayload() int {
	return g.SamplesPerMessage() * g.MessagesPerBuffer()
}

// Message returns message n of buf.
func (g Geometry) Message(buf []byte, n int) []byte {
	return buf[n*g.MessageSize : (n+1)*g.MessageSize]
}

// Payload returns the sample area of a message.
func (g Geometry) Payload(msg []byte) []byte {
	return msg[HeaderSize : HeaderSize+g.SamplesPerMessage()*g.BytesPerSample]
}
