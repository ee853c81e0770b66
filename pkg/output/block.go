package output

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/norasector/bladestream/pkg/stream"
)

// Field numbers of the SampleBlock wire message.
const (
	fieldStreamID  protowire.Number = 1
	fieldDirection protowire.Number = 2
	fieldFormat    protowire.Number = 3
	fieldTimestamp protowire.Number = 4
	fieldStatus    protowire.Number = 5
	fieldSeq       protowire.Number = 6
	fieldData      protowire.Number = 7
)

// SampleBlock is a run of raw samples as read from a stream.
type SampleBlock struct {
	StreamID  string
	Direction stream.Direction
	Format    stream.Format
	Timestamp uint64
	Status    uint32
	Seq       uint64
	Data      []byte
}

// Samples is the number of whole samples in the block.
func (b *SampleBlock) Samples() int {
	bps := b.Format.BytesPerSample()
	if bps == 0 {
		return 0
	}
	return len(b.Data) / bps
}

// AppendWire appends the protobuf encoding of b to dst.
func (b *SampleBlock) AppendWire(dst []byte) []byte {
	if b.StreamID != "" {
		dst = protowire.AppendTag(dst, fieldStreamID, protowire.BytesType)
		dst = protowire.AppendString(dst, b.StreamID)
	}
	dst = protowire.AppendTag(dst, fieldDirection, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(b.Direction))
	dst = protowire.AppendTag(dst, fieldFormat, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(b.Format))
	dst = protowire.AppendTag(dst, fieldTimestamp, protowire.VarintType)
	dst = protowire.AppendVarint(dst, b.Timestamp)
	if b.Status != 0 {
		dst = protowire.AppendTag(dst, fieldStatus, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(b.Status))
	}
	dst = protowire.AppendTag(dst, fieldSeq, protowire.VarintType)
	dst = protowire.AppendVarint(dst, b.Seq)
	dst = protowire.AppendTag(dst, fieldData, protowire.BytesType)
	dst = protowire.AppendBytes(dst, b.Data)
	return dst
}

// UnmarshalWire decodes a protobuf encoded block, skipping unknown fields.
func (b *SampleBlock) UnmarshalWire(src []byte) error {
	*b = SampleBlock{}
	for len(src) > 0 {
		num, typ, n := protowire.ConsumeTag(src)
		if n < 0 {
			return fmt.Errorf("sample block tag: %w", protowire.ParseError(n))
		}
		src = src[n:]

		switch {
		case num == fieldStreamID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(src)
			if n < 0 {
				return fmt.Errorf("sample block stream id: %w", protowire.ParseError(n))
			}
			b.StreamID = v
			src = src[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(src)
			if n < 0 {
				return fmt.Errorf("sample block data: %w", protowire.ParseError(n))
			}
			b.Data = append([]byte(nil), v...)
			src = src[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(src)
			if n < 0 {
				return fmt.Errorf("sample block field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case fieldDirection:
				b.Direction = stream.Direction(v)
			case fieldFormat:
				b.Format = stream.Format(v)
			case fieldTimestamp:
				b.Timestamp = v
			case fieldStatus:
				b.Status = uint32(v)
			case fieldSeq:
				b.Seq = v
			}
			src = src[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, src)
			if n < 0 {
				return fmt.Errorf("sample block field %d: %w", num, protowire.ParseError(n))
			}
			src = src[n:]
		}
	}
	return nil
}

// Frame prefixes the encoded block with its little-endian uint16 length, the
// datagram layout receivers expect.
func Frame(b *SampleBlock) ([]byte, error) {
	buf := make([]byte, 2, 2+len(b.Data)+64)
	buf = b.AppendWire(buf)
	size := len(buf) - 2
	if size > 0xffff {
		return nil, fmt.Errorf("sample block of %d bytes exceeds datagram limit: %w", size, stream.ErrInval)
	}
	binary.LittleEndian.PutUint16(buf, uint16(size))
	return buf, nil
}

// Unframe decodes a datagram produced by Frame.
func Unframe(datagram []byte) (*SampleBlock, error) {
	if len(datagram) < 2 {
		return nil, fmt.Errorf("datagram of %d bytes: %w", len(datagram), stream.ErrInval)
	}
	size := int(binary.LittleEndian.Uint16(datagram))
	if len(datagram)-2 < size {
		return nil, fmt.Errorf("datagram holds %d of %d bytes: %w", len(datagram)-2, size, stream.ErrInval)
	}
	b := &SampleBlock{}
	if err := b.UnmarshalWire(datagram[2 : 2+size]); err != nil {
		return nil, err
	}
	return b, nil
}
