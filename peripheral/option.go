package peripheral

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/looper"
	"github.com/rigado/companion/securechannel"
)

var _ companion.ManagerOption = (*Manager)(nil)

func (m *Manager) SetAssociationServiceUUID(u uuid.UUID) error {
	if u == uuid.Nil {
		return errors.New("association service uuid is nil")
	}
	m.assocService = u
	return nil
}

func (m *Manager) SetReconnectServiceUUID(u uuid.UUID) error {
	if u == uuid.Nil {
		return errors.New("reconnect service uuid is nil")
	}
	m.reconnectService = u
	return nil
}

func (m *Manager) SetReconnectDataUUID(u uuid.UUID) error {
	if u == uuid.Nil {
		return errors.New("reconnect data uuid is nil")
	}
	m.reconnectData = u
	return nil
}

func (m *Manager) SetWriteCharacteristicUUID(u uuid.UUID) error {
	if u == uuid.Nil {
		return errors.New("write characteristic uuid is nil")
	}
	m.writeCh.UUID = u
	return nil
}

func (m *Manager) SetReadCharacteristicUUID(u uuid.UUID) error {
	if u == uuid.Nil {
		return errors.New("read characteristic uuid is nil")
	}
	m.readCh.UUID = u
	return nil
}

func (m *Manager) SetMaxReconnectAdvertisementDuration(d time.Duration) error {
	if d <= 0 {
		return errors.Errorf("invalid reconnect advertisement duration %v", d)
	}
	m.maxReconnectAdv = d
	return nil
}

func (m *Manager) SetDefaultMTU(mtu int) error {
	if mtu <= attProtocolBytes {
		return errors.Errorf("mtu %d leaves no room for data", mtu)
	}
	m.defaultMTU = mtu
	return nil
}

func (m *Manager) SetNameRetryDelay(d time.Duration) error {
	if d <= 0 {
		return errors.Errorf("invalid name retry delay %v", d)
	}
	m.nameRetryDelay = d
	return nil
}

func (m *Manager) SetNameRetryLimit(n int) error {
	if n < 0 {
		return errors.Errorf("invalid name retry limit %d", n)
	}
	m.nameRetryLimit = n
	return nil
}

func (m *Manager) SetThrottle(normal, busy time.Duration) error {
	if normal <= 0 || busy <= 0 {
		return errors.Errorf("invalid throttle %v/%v", normal, busy)
	}
	m.throttle, m.busyThrottle = normal, busy
	return nil
}

// SetEncryptionRunnerFactory accepts a securechannel.RunnerFactory or a
// plain func(bool) securechannel.EncryptionRunner.
func (m *Manager) SetEncryptionRunnerFactory(f interface{}) error {
	switch v := f.(type) {
	case securechannel.RunnerFactory:
		m.runners = v
	case func(bool) securechannel.EncryptionRunner:
		m.runners = v
	default:
		return errors.Errorf("unsupported runner factory %T", f)
	}
	return nil
}

func (m *Manager) SetScheduler(s interface{}) error {
	v, ok := s.(looper.Scheduler)
	if !ok || v == nil {
		return errors.Errorf("unsupported scheduler %T", s)
	}
	m.sched = v
	return nil
}
