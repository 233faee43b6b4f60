package companion

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Storage lookups for unknown devices.
var ErrNotFound = errors.New("not found")

// Storage is the durable store for associated devices and adapter state.
type Storage interface {
	// StoredAdapterName returns the name saved before an association
	// rename, or "" if none.
	StoredAdapterName() (string, error)
	SaveAdapterName(name string) error
	RemoveStoredAdapterName() error

	// HashWithChallengeSecret hashes value with the challenge secret stored
	// for deviceID.
	HashWithChallengeSecret(deviceID uuid.UUID, value []byte) ([]byte, error)
	SaveChallengeSecret(deviceID uuid.UUID, secret []byte) error

	EncryptionKey(deviceID uuid.UUID) ([]byte, error)
	SaveEncryptionKey(deviceID uuid.UUID, key []byte) error

	// UniqueID identifies this head unit to phones.
	UniqueID() (uuid.UUID, error)

	AddAssociatedDeviceForActiveUser(dev AssociatedDevice) error
	UpdateAssociatedDeviceName(deviceID uuid.UUID, name string) error
}
