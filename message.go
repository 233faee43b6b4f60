package companion

import (
	"fmt"

	"github.com/google/uuid"
)

// OperationType tags what a device message carries.
type OperationType int32

const (
	OperationUnknown             OperationType = 0
	OperationEncryptionHandshake OperationType = 2
	OperationAck                 OperationType = 3
	OperationClientMessage       OperationType = 4
)

func (o OperationType) String() string {
	switch o {
	case OperationEncryptionHandshake:
		return "ENCRYPTION_HANDSHAKE"
	case OperationAck:
		return "ACK"
	case OperationClientMessage:
		return "CLIENT_MESSAGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(o))
	}
}

// DeviceMessage is an application level message. Recipient is uuid.Nil for
// handshake traffic. Treat values as immutable once built.
type DeviceMessage struct {
	Recipient uuid.UUID
	Encrypted bool
	Payload   []byte
}

// NewDeviceMessage copies payload into a new message.
func NewDeviceMessage(recipient uuid.UUID, encrypted bool, payload []byte) DeviceMessage {
	return DeviceMessage{
		Recipient: recipient,
		Encrypted: encrypted,
		Payload:   append([]byte(nil), payload...),
	}
}

// WithPayload returns a copy of m carrying payload instead.
func (m DeviceMessage) WithPayload(encrypted bool, payload []byte) DeviceMessage {
	return NewDeviceMessage(m.Recipient, encrypted, payload)
}

// HasRecipient reports whether the message is addressed to a feature.
func (m DeviceMessage) HasRecipient() bool {
	return m.Recipient != uuid.Nil
}

func (m DeviceMessage) String() string {
	return fmt.Sprintf("message to %s (encrypted=%t, %d bytes)", m.Recipient, m.Encrypted, len(m.Payload))
}
