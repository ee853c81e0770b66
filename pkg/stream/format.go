package stream

import (
	"encoding/binary"
	"fmt"
	"math"
)

type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	switch d {
	case RX:
		return "rx"
	case TX:
		return "tx"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "rx", "RX":
		return RX, nil
	case "tx", "TX":
		return TX, nil
	}
	return 0, fmt.Errorf("unknown direction %q: %w", s, ErrInval)
}

// Format selects the sample encoding moved by a stream.
type Format int

const (
	FormatSC16Q11 Format = iota
	FormatSC16Q11Meta
	FormatSC8Q7
	FormatSC8Q7Meta
	FormatPacketMeta
)

var formatNames = map[Format]string{
	FormatSC16Q11:     "sc16q11",
	FormatSC16Q11Meta: "sc16q11_meta",
	FormatSC8Q7:       "sc8q7",
	FormatSC8Q7Meta:   "sc8q7_meta",
	FormatPacketMeta:  "packet_meta",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

func ParseFormat(s string) (Format, error) {
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown sample format %q: %w", s, ErrInval)
}

// BytesPerSample returns the size of one I/Q pair, or 0 for an unknown format.
func (f Format) BytesPerSample() int {
	switch f {
	case FormatSC16Q11, FormatSC16Q11Meta, FormatPacketMeta:
		return 4
	case FormatSC8Q7, FormatSC8Q7Meta:
		return 2
	default:
		return 0
	}
}

// HasMetadata reports whether buffers of this format are framed into
// messages carrying a timestamp header.
func (f Format) HasMetadata() bool {
	return f == FormatSC16Q11Meta || f == FormatSC8Q7Meta || f == FormatPacketMeta
}

func (f Format) Validate() error {
	switch f {
	case FormatSC16Q11, FormatSC16Q11Meta, FormatSC8Q7, FormatSC8Q7Meta:
		return nil
	case FormatPacketMeta:
		return fmt.Errorf("%s: %w", f, ErrUnsupported)
	default:
		return fmt.Errorf("%s: %w", f, ErrInval)
	}
}

// SC16Q11 full scale. The DAC/ADC use 12 bits sign-extended to 16.
const SC16Q11Scale = 2048.0

// PutSC16 writes complex samples as interleaved little-endian Q11 pairs.
// dst must hold 4*len(samples) bytes.
func PutSC16(dst []byte, samples []complex64) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[4*i:], uint16(toQ11(real(s))))
		binary.LittleEndian.PutUint16(dst[4*i+2:], uint16(toQ11(imag(s))))
	}
}

// SC16 decodes interleaved Q11 pairs into complex samples.
func SC16(src []byte, out []complex64) []complex64 {
	n := len(src) / 4
	if cap(out) < n {
		out = make([]complex64, n)
	}
	out = out[:n]
	for i := 0; i < n; i++ {
		re := int16(binary.LittleEndian.Uint16(src[4*i:]))
		im := int16(binary.LittleEndian.Uint16(src[4*i+2:]))
		out[i] = complex(float32(re)/SC16Q11Scale, float32(im)/SC16Q11Scale)
	}
	return out
}

// SC8 decodes interleaved Q7 pairs into complex samples.
func SC8(src []byte, out []complex64) []complex64 {
	n := len(src) / 2
	if cap(out) < n {
		out = make([]complex64, n)
	}
	out = out[:n]
	for i := 0; i < n; i++ {
		out[i] = complex(float32(int8(src[2*i]))/128, float32(int8(src[2*i+1]))/128)
	}
	return out
}

// Decode converts raw sample bytes of format f into complex samples.
func (f Format) Decode(src []byte, out []complex64) []complex64 {
	if f.BytesPerSample() == 2 {
		return SC8(src, out)
	}
	return SC16(src, out)
}

func toQ11(v float32) int16 {
	q := math.Round(float64(v) * SC16Q11Scale)
	if q > 2047 {
		q = 2047
	} else if q < -2048 {
		q = -2048
	}
	return int16(q)
}
