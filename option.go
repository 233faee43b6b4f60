package companion

import (
	"time"

	"github.com/google/uuid"
)

// ManagerOption is implemented by the connection manager configuration to
// allow using configuration options.
type ManagerOption interface {
	SetAssociationServiceUUID(uuid.UUID) error
	SetReconnectServiceUUID(uuid.UUID) error
	SetReconnectDataUUID(uuid.UUID) error
	SetWriteCharacteristicUUID(uuid.UUID) error
	SetReadCharacteristicUUID(uuid.UUID) error
	SetMaxReconnectAdvertisementDuration(time.Duration) error
	SetDefaultMTU(int) error
	SetNameRetryDelay(time.Duration) error
	SetNameRetryLimit(int) error
	SetThrottle(normal, busy time.Duration) error
	SetEncryptionRunnerFactory(interface{}) error
	SetScheduler(interface{}) error
}

// An Option is a configuration function, which configures the manager.
type Option func(ManagerOption) error

// OptAssociationServiceUUID sets the service advertised during association.
func OptAssociationServiceUUID(u uuid.UUID) Option {
	return func(opt ManagerOption) error {
		return opt.SetAssociationServiceUUID(u)
	}
}

// OptReconnectServiceUUID sets the service advertised while waiting for a
// known device.
func OptReconnectServiceUUID(u uuid.UUID) Option {
	return func(opt ManagerOption) error {
		return opt.SetReconnectServiceUUID(u)
	}
}

// OptReconnectDataUUID sets the service data UUID carrying the reconnect
// challenge.
func OptReconnectDataUUID(u uuid.UUID) Option {
	return func(opt ManagerOption) error {
		return opt.SetReconnectDataUUID(u)
	}
}

// OptWriteCharacteristicUUID sets the characteristic the phone writes to.
func OptWriteCharacteristicUUID(u uuid.UUID) Option {
	return func(opt ManagerOption) error {
		return opt.SetWriteCharacteristicUUID(u)
	}
}

// OptReadCharacteristicUUID sets the characteristic notified to the phone.
func OptReadCharacteristicUUID(u uuid.UUID) Option {
	return func(opt ManagerOption) error {
		return opt.SetReadCharacteristicUUID(u)
	}
}

// OptMaxReconnectAdvertisementDuration bounds one reconnect advertising
// window before it is restarted with a fresh challenge.
func OptMaxReconnectAdvertisementDuration(d time.Duration) Option {
	return func(opt ManagerOption) error {
		return opt.SetMaxReconnectAdvertisementDuration(d)
	}
}

// OptDefaultMTU sets the MTU assumed until the central negotiates one.
func OptDefaultMTU(mtu int) Option {
	return func(opt ManagerOption) error {
		return opt.SetDefaultMTU(mtu)
	}
}

// OptNameRetryDelay sets how often the adapter name is checked before
// association advertising starts.
func OptNameRetryDelay(d time.Duration) Option {
	return func(opt ManagerOption) error {
		return opt.SetNameRetryDelay(d)
	}
}

// OptNameRetryLimit caps the adapter name checks. Zero means no cap.
func OptNameRetryLimit(n int) Option {
	return func(opt ManagerOption) error {
		return opt.SetNameRetryLimit(n)
	}
}

// OptThrottle sets the stream pacing between packets, and the slower pacing
// used while an inbound message is being reassembled.
func OptThrottle(normal, busy time.Duration) Option {
	return func(opt ManagerOption) error {
		return opt.SetThrottle(normal, busy)
	}
}

// OptEncryptionRunnerFactory overrides how handshake runners are created.
func OptEncryptionRunnerFactory(factory interface{}) Option {
	return func(opt ManagerOption) error {
		return opt.SetEncryptionRunnerFactory(factory)
	}
}

// OptScheduler replaces the manager's serial executor.
func OptScheduler(s interface{}) Option {
	return func(opt ManagerOption) error {
		return opt.SetScheduler(s)
	}
}
