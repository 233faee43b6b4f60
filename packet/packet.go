// Package packet splits device messages into BLE sized packets and
// reassembles them on the receiving side.
//
// A packet is encoded as a protobuf message:
//
//	fixed32 packet_number = 1;
//	int32   total_packets = 2;
//	int32   message_id    = 3;
//	bytes   payload       = 4;
package packet

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldPacketNumber protowire.Number = 1
	fieldTotalPackets protowire.Number = 2
	fieldMessageID    protowire.Number = 3
	fieldPayload      protowire.Number = 4
)

// ErrMalformed is returned when a packet cannot be decoded.
var ErrMalformed = errors.New("malformed packet")

// Packet is one chunk of a message as it travels over the characteristic.
type Packet struct {
	Number    uint32
	Total     int32
	MessageID int32
	Payload   []byte
}

func (p Packet) String() string {
	return fmt.Sprintf("packet %d/%d of message %d (%d bytes)", p.Number, p.Total, p.MessageID, len(p.Payload))
}

// Marshal encodes the packet. Zero valued fields are omitted.
func (p Packet) Marshal() []byte {
	b := make([]byte, 0, headerSize(p.Total, p.MessageID, len(p.Payload))+len(p.Payload))
	if p.Number != 0 {
		b = protowire.AppendTag(b, fieldPacketNumber, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.Number)
	}
	if p.Total != 0 {
		b = protowire.AppendTag(b, fieldTotalPackets, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Total))
	}
	if p.MessageID != 0 {
		b = protowire.AppendTag(b, fieldMessageID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.MessageID))
	}
	if len(p.Payload) != 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Payload)
	}
	return b
}

// Unmarshal decodes a packet. Unknown fields are skipped.
func Unmarshal(b []byte) (Packet, error) {
	var p Packet
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Packet{}, malformed("tag", n)
		}
		b = b[n:]

		switch {
		case num == fieldPacketNumber && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Packet{}, malformed("packet number", n)
			}
			p.Number = v
			b = b[n:]
		case num == fieldTotalPackets && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Packet{}, malformed("total packets", n)
			}
			p.Total = int32(v)
			b = b[n:]
		case num == fieldMessageID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Packet{}, malformed("message id", n)
			}
			p.MessageID = int32(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Packet{}, malformed("payload", n)
			}
			p.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Packet{}, malformed(fmt.Sprintf("field %d", num), n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func malformed(field string, n int) error {
	return errors.Wrapf(ErrMalformed, "%s: %v", field, protowire.ParseError(n))
}
