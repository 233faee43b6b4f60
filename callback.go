package companion

import (
	"fmt"

	"github.com/google/uuid"
)

// ErrorCode explains why a secure channel or association failed.
type ErrorCode int

const (
	ErrorInvalidHandshake ErrorCode = iota
	ErrorInvalidMessage
	ErrorInvalidDeviceID
	ErrorInvalidVerification
	ErrorInvalidState
	ErrorInvalidEncryptionKey
	ErrorStorageFailure

	ErrorUnexpectedDisconnection ErrorCode = 9
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorInvalidHandshake:
		return "invalid handshake"
	case ErrorInvalidMessage:
		return "invalid message"
	case ErrorInvalidDeviceID:
		return "invalid device id"
	case ErrorInvalidVerification:
		return "invalid verification"
	case ErrorInvalidState:
		return "invalid state"
	case ErrorInvalidEncryptionKey:
		return "invalid encryption key"
	case ErrorStorageFailure:
		return "storage failure"
	case ErrorUnexpectedDisconnection:
		return "unexpected disconnection"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// AssociationCallback follows a single association attempt.
type AssociationCallback interface {
	OnAssociationStartSuccess(deviceName string)
	OnAssociationStartFailure()
	OnVerificationCodeAvailable(code string)
	OnAssociationCompleted(deviceID uuid.UUID)
	OnAssociationError(code ErrorCode)
}

// Callback receives device lifecycle events. Every registered Callback sees
// every event.
type Callback interface {
	OnDeviceConnected(deviceID uuid.UUID)
	OnDeviceDisconnected(deviceID uuid.UUID)
	OnSecureChannelEstablished(deviceID uuid.UUID)
	OnSecureChannelError(deviceID uuid.UUID)
	OnMessageReceived(deviceID uuid.UUID, msg DeviceMessage)
}
