package stream

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"google.golang.org/protobuf/encoding/protowire"
)

// Supported protocol versions. A peer must include both in its advertised
// ranges.
const (
	MessagingVersion = 2
	SecurityVersion  = 2
)

var (
	// ErrMalformedMessage is reported when an envelope cannot be decoded.
	ErrMalformedMessage = errors.New("malformed device message")

	// ErrVersionMismatch is reported when the peer does not support the
	// local protocol versions. The stream stops processing data after it.
	ErrVersionMismatch = errors.New("unsupported version")
)

const (
	fieldOperation protowire.Number = 1
	fieldEncrypted protowire.Number = 2
	fieldRecipient protowire.Number = 3
	fieldPayload   protowire.Number = 4
)

// MarshalMessage encodes the device message envelope.
func MarshalMessage(msg companion.DeviceMessage, op companion.OperationType) []byte {
	var b []byte
	if op != companion.OperationUnknown {
		b = protowire.AppendTag(b, fieldOperation, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(op))
	}
	if msg.Encrypted {
		b = protowire.AppendTag(b, fieldEncrypted, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if msg.HasRecipient() {
		b = protowire.AppendTag(b, fieldRecipient, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Recipient[:])
	}
	if len(msg.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Payload)
	}
	return b
}

// UnmarshalMessage decodes a device message envelope.
func UnmarshalMessage(b []byte) (companion.DeviceMessage, companion.OperationType, error) {
	var msg companion.DeviceMessage
	op := companion.OperationUnknown

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msg, op, malformed("tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldOperation && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, op, malformed("operation", protowire.ParseError(n))
			}
			op = companion.OperationType(int32(v))
			b = b[n:]
		case num == fieldEncrypted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, op, malformed("encryption flag", protowire.ParseError(n))
			}
			msg.Encrypted = protowire.DecodeBool(v)
			b = b[n:]
		case num == fieldRecipient && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, op, malformed("recipient", protowire.ParseError(n))
			}
			if len(v) > 0 {
				u, err := uuid.FromBytes(v)
				if err != nil {
					return msg, op, malformed("recipient", err)
				}
				msg.Recipient = u
			}
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, op, malformed("payload", protowire.ParseError(n))
			}
			msg.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return msg, op, malformed(fmt.Sprintf("field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return msg, op, nil
}

// VersionExchange is the first message a phone writes on a new connection.
type VersionExchange struct {
	MinMessaging int32
	MaxMessaging int32
	MinSecurity  int32
	MaxSecurity  int32
}

// LocalVersion is what this side replies with.
var LocalVersion = VersionExchange{
	MinMessaging: MessagingVersion,
	MaxMessaging: MessagingVersion,
	MinSecurity:  SecurityVersion,
	MaxSecurity:  SecurityVersion,
}

// Supports reports whether the advertised ranges include the local versions.
func (v VersionExchange) Supports() bool {
	return v.MinMessaging <= MessagingVersion && MessagingVersion <= v.MaxMessaging &&
		v.MinSecurity <= SecurityVersion && SecurityVersion <= v.MaxSecurity
}

func (v VersionExchange) String() string {
	return fmt.Sprintf("messaging %d-%d, security %d-%d", v.MinMessaging, v.MaxMessaging, v.MinSecurity, v.MaxSecurity)
}

func (v VersionExchange) Marshal() []byte {
	var b []byte
	for i, f := range []int32{v.MinMessaging, v.MaxMessaging, v.MinSecurity, v.MaxSecurity} {
		if f == 0 {
			continue
		}
		b = protowire.AppendTag(b, protowire.Number(i+1), protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f))
	}
	return b
}

func UnmarshalVersionExchange(b []byte) (VersionExchange, error) {
	var fields [4]int32
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return VersionExchange{}, malformed("version tag", protowire.ParseError(n))
		}
		b = b[n:]

		if num >= 1 && num <= 4 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return VersionExchange{}, malformed("version field", protowire.ParseError(n))
			}
			fields[num-1] = int32(v)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return VersionExchange{}, malformed("version field", protowire.ParseError(n))
		}
		b = b[n:]
	}
	return VersionExchange{
		MinMessaging: fields[0],
		MaxMessaging: fields[1],
		MinSecurity:  fields[2],
		MaxSecurity:  fields[3],
	}, nil
}

func malformed(field string, err error) error {
	return errors.Wrapf(ErrMalformedMessage, "%s: %v", field, err)
}
