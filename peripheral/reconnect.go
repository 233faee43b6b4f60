package peripheral

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/sliceops"
)

// reconnect advertisement: the first truncatedBytes of the challenge, then
// the salt it was made from
const (
	saltBytes        = 8
	totalAdDataBytes = 16
	truncatedBytes   = 3
)

// ConnectToDevice advertises for the associated device deviceID. The
// advertisement is renewed with a fresh challenge every reconnect
// advertisement duration until the device connects.
func (m *Manager) ConnectToDevice(deviceID uuid.UUID) {
	m.sched.Post(func() {
		m.connectToDevice(deviceID)
	})
}

func (m *Manager) connectToDevice(id uuid.UUID) {
	if m.device != nil && m.deviceID == id {
		m.log.Debugf("already connected to %s", id)
		return
	}

	m.teardown()
	m.reconnectID = id

	data, err := m.reconnectAdvertiseData(id)
	if err != nil {
		m.log.Errorf("no reconnect advertisement for %s: %v", id, err)
		m.reconnectID = uuid.Nil
		m.publish()
		return
	}

	m.events = &peripheralEvents{m: m, gen: m.gen, reconnect: true}
	m.p.RegisterCallback(m.events)
	m.publish()

	gen := m.gen
	m.log.Infof("advertising for %s", id)
	m.startAdvertising(m.service(m.reconnectService), data, func() {
		m.scheduleReconnectTimeout(gen, id)
	}, func(code int) {
		// retried with the next advertisement window
		m.log.Warnf("reconnect advertising failed with code %d", code)
		m.scheduleReconnectTimeout(gen, id)
	})
}

func (m *Manager) scheduleReconnectTimeout(gen uint64, id uuid.UUID) {
	cancel(m.timeoutTask)
	m.timeoutTask = m.sched.PostDelayed(func() {
		if gen != m.gen || m.device != nil {
			return
		}
		m.log.Debugf("reconnect advertisement for %s timed out, restarting", id)
		m.stopAdvertising()
		m.connectToDevice(id)
	}, m.maxReconnectAdv)
}

// reconnectAdvertiseData builds the advertisement only the holder of the
// device's challenge secret can recognise.
func (m *Manager) reconnectAdvertiseData(id uuid.UUID) (companion.AdvertiseData, error) {
	salt, err := sliceops.Random(saltBytes)
	if err != nil {
		return companion.AdvertiseData{}, err
	}
	challenge, err := m.storage.HashWithChallengeSecret(id, sliceops.PadRight(salt, totalAdDataBytes))
	if err != nil {
		return companion.AdvertiseData{}, errors.Wrap(err, "hash salt")
	}
	if len(challenge) < truncatedBytes {
		return companion.AdvertiseData{}, errors.Errorf("challenge is %d bytes", len(challenge))
	}
	m.challenge = challenge

	return companion.AdvertiseData{
		ServiceUUIDs: []uuid.UUID{m.reconnectService},
		ServiceData: []companion.ServiceData{{
			UUID: m.reconnectData,
			Data: sliceops.Concat(challenge[:truncatedBytes], salt),
		}},
	}, nil
}
