package packet

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// maxVarintSize is the widest varint an int32 total can need.
const maxVarintSize = 5

// ErrHeaderTooLarge is returned when the packet framing alone does not fit
// into the requested write size.
var ErrHeaderTooLarge = errors.New("packet header exceeds max write size")

// headerSize is the worst case framing overhead for one packet.
func headerSize(total, messageID int32, payloadLen int) int {
	return protowire.SizeTag(fieldPacketNumber) + protowire.SizeFixed32() +
		protowire.SizeTag(fieldTotalPackets) + protowire.SizeVarint(uint64(total)) +
		protowire.SizeTag(fieldMessageID) + protowire.SizeVarint(uint64(messageID)) +
		protowire.SizeTag(fieldPayload) + protowire.SizeVarint(uint64(payloadLen))
}

// MakePackets splits payload into packets whose encoded size never exceeds
// maxSize. An empty payload yields a single empty packet.
func MakePackets(payload []byte, messageID int32, maxSize int) ([]Packet, error) {
	total, err := totalPackets(messageID, len(payload), maxSize)
	if err != nil {
		return nil, err
	}

	chunk := maxSize - headerSize(total, messageID, min(len(payload), maxSize))
	if chunk <= 0 {
		return nil, errors.Wrapf(ErrHeaderTooLarge, "max size %d", maxSize)
	}

	out := make([]Packet, 0, total)
	for i := int32(0); i < total; i++ {
		start := int(i) * chunk
		end := min(start+chunk, len(payload))
		out = append(out, Packet{
			Number:    uint32(i + 1),
			Total:     total,
			MessageID: messageID,
			Payload:   append([]byte(nil), payload[start:end]...),
		})
	}
	return out, nil
}

// totalPackets finds the packet count whose own varint width is consistent
// with the payload room it leaves.
func totalPackets(messageID int32, payloadLen, maxSize int) (int32, error) {
	fixed := protowire.SizeTag(fieldPacketNumber) + protowire.SizeFixed32() +
		protowire.SizeTag(fieldTotalPackets) +
		protowire.SizeTag(fieldMessageID) + protowire.SizeVarint(uint64(messageID)) +
		protowire.SizeTag(fieldPayload) + protowire.SizeVarint(uint64(min(payloadLen, maxSize)))

	for width := 1; width <= maxVarintSize; width++ {
		room := maxSize - fixed - width
		if room <= 0 {
			return 0, errors.Wrapf(ErrHeaderTooLarge, "max size %d", maxSize)
		}
		if payloadLen == 0 {
			return 1, nil
		}

		total := (payloadLen + room - 1) / room
		if protowire.SizeVarint(uint64(total)) == width {
			return int32(total), nil
		}
	}
	return 0, errors.Errorf("cannot split %d bytes into packets of %d", payloadLen, maxSize)
}
