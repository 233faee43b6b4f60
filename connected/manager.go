// Package connected sits on top of the peripheral manager. It keeps the
// active user's phone connected and routes received messages to the
// features registered for their recipient id.
package connected

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
)

var (
	// ErrNotConnected is returned when sending to a device without an
	// established secure channel.
	ErrNotConnected = errors.New("device has no secure channel")

	// ErrRecipientBlocked is reported to every callback of a recipient id
	// that was registered twice for the same device. The id is unusable
	// from then on.
	ErrRecipientBlocked = errors.New("recipient id registered more than once")

	// ErrInvalidSecurityKey is reported when the secure channel to a
	// connected device fails.
	ErrInvalidSecurityKey = errors.New("secure channel failed")
)

// Peripheral is the connection manager this package drives.
// *peripheral.Manager implements it.
type Peripheral interface {
	RegisterCallback(cb companion.Callback)
	UnregisterCallback(cb companion.Callback)
	ConnectToDevice(deviceID uuid.UUID)
	SendMessage(deviceID uuid.UUID, msg companion.DeviceMessage) error
}

// Storage lists the devices the reconnect loop looks for.
type Storage interface {
	ActiveUserAssociatedDeviceIDs() ([]uuid.UUID, error)
}

// DeviceCallback receives the events of one device for one recipient.
type DeviceCallback interface {
	OnSecureChannelEstablished(deviceID uuid.UUID)
	OnMessageReceived(deviceID uuid.UUID, payload []byte)
	OnDeviceError(deviceID uuid.UUID, err error)
}

type recipients map[uuid.UUID]DeviceCallback

// Manager tracks connected devices. It reconnects to the active user's
// device whenever that device goes away, until Stop.
type Manager struct {
	p       Peripheral
	storage Storage
	log     companion.Logger

	mu         sync.Mutex
	started    bool
	delayed    bool
	connecting bool
	devices    map[uuid.UUID]bool // connected device -> secure channel up
	callbacks  map[uuid.UUID]recipients
	blocked    map[uuid.UUID]bool
	missed     map[uuid.UUID]map[uuid.UUID][]byte // recipient -> device -> last message
}

var _ companion.Callback = (*Manager)(nil)

func New(p Peripheral, st Storage) *Manager {
	return &Manager{
		p:         p,
		storage:   st,
		log:       companion.ComponentLogger("connected", nil),
		devices:   make(map[uuid.UUID]bool),
		callbacks: make(map[uuid.UUID]recipients),
		blocked:   make(map[uuid.UUID]bool),
		missed:    make(map[uuid.UUID]map[uuid.UUID][]byte),
	}
}

// Start listens to the peripheral and runs a connection request made
// before it.
func (m *Manager) Start() {
	m.p.RegisterCallback(m)

	m.mu.Lock()
	m.started = true
	delayed := m.delayed
	m.delayed = false
	m.mu.Unlock()

	if delayed {
		m.ConnectToActiveUserDevice()
	}
}

// Stop stops listening and forgets every device and registration.
func (m *Manager) Stop() {
	m.p.UnregisterCallback(m)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.started, m.delayed, m.connecting = false, false, false
	m.devices = make(map[uuid.UUID]bool)
	m.callbacks = make(map[uuid.UUID]recipients)
}

// ConnectToActiveUserDevice asks the peripheral to reconnect to the first
// device associated with the active user. Requests before Start are held
// until then, and a request while one is outstanding is ignored.
func (m *Manager) ConnectToActiveUserDevice() {
	id, ok := m.claimConnect()
	if !ok {
		return
	}
	m.log.Infof("connecting to %s", id)
	m.p.ConnectToDevice(id)
}

func (m *Manager) claimConnect() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		m.log.Debug("not started, deferring connection request")
		m.delayed = true
		return uuid.Nil, false
	}
	if m.connecting {
		m.log.Debug("connection to the active user's device already requested")
		return uuid.Nil, false
	}

	ids, err := m.storage.ActiveUserAssociatedDeviceIDs()
	if err != nil {
		m.log.Errorf("list active user devices: %v", err)
		return uuid.Nil, false
	}
	if len(ids) == 0 {
		m.log.Warn("no devices associated with the active user")
		return uuid.Nil, false
	}

	// one device per user
	id := ids[0]
	if _, ok := m.devices[id]; ok {
		m.log.Debugf("%s is already connected", id)
		return uuid.Nil, false
	}
	m.connecting = true
	return id, true
}

// ConnectedDevices returns the ids of the devices with a secure channel.
func (m *Manager) ConnectedDevices() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for id, secure := range m.devices {
		if secure {
			ids = append(ids, id)
		}
	}
	return ids
}

// RegisterDeviceCallback routes messages from deviceID for recipient to
// cb. A message that arrived before registration is delivered right away.
func (m *Manager) RegisterDeviceCallback(deviceID, recipient uuid.UUID, cb DeviceCallback) {
	m.mu.Lock()
	if m.blocked[recipient] {
		m.mu.Unlock()
		m.log.Errorf("recipient %s is blocked", recipient)
		cb.OnDeviceError(deviceID, ErrRecipientBlocked)
		return
	}

	byRecipient := m.callbacks[deviceID]
	if byRecipient == nil {
		byRecipient = make(recipients)
		m.callbacks[deviceID] = byRecipient
	}
	if existing, ok := byRecipient[recipient]; ok {
		m.log.Errorf("recipient %s registered twice for %s, blocking it", recipient, deviceID)
		delete(byRecipient, recipient)
		m.blocked[recipient] = true
		m.mu.Unlock()
		existing.OnDeviceError(deviceID, ErrRecipientBlocked)
		cb.OnDeviceError(deviceID, ErrRecipientBlocked)
		return
	}
	byRecipient[recipient] = cb

	var missed []byte
	if msgs := m.missed[recipient]; msgs != nil {
		missed = msgs[deviceID]
		delete(msgs, deviceID)
	}
	m.mu.Unlock()

	if missed != nil {
		cb.OnMessageReceived(deviceID, missed)
	}
}

func (m *Manager) UnregisterDeviceCallback(deviceID, recipient uuid.UUID, cb DeviceCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byRecipient := m.callbacks[deviceID]; byRecipient != nil && byRecipient[recipient] == cb {
		delete(byRecipient, recipient)
	}
}

// SendMessage sends payload to recipient on deviceID.
func (m *Manager) SendMessage(deviceID, recipient uuid.UUID, payload []byte, encrypted bool) error {
	m.mu.Lock()
	secure := m.devices[deviceID]
	m.mu.Unlock()
	if !secure {
		return errors.Wrapf(ErrNotConnected, "device %s", deviceID)
	}
	return m.p.SendMessage(deviceID, companion.NewDeviceMessage(recipient, encrypted, payload))
}

func (m *Manager) OnDeviceConnected(deviceID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connecting = false
	if _, ok := m.devices[deviceID]; !ok {
		m.devices[deviceID] = false
	}
}

// OnDeviceDisconnected forgets the device and, when it belongs to the
// active user, starts looking for it again.
func (m *Manager) OnDeviceDisconnected(deviceID uuid.UUID) {
	m.mu.Lock()
	delete(m.devices, deviceID)
	m.connecting = false
	started := m.started
	m.mu.Unlock()

	if !started || !m.belongsToActiveUser(deviceID) {
		return
	}
	m.log.Infof("%s disconnected, reconnecting", deviceID)
	m.ConnectToActiveUserDevice()
}

func (m *Manager) OnSecureChannelEstablished(deviceID uuid.UUID) {
	m.mu.Lock()
	m.devices[deviceID] = true
	m.mu.Unlock()

	for _, cb := range m.deviceCallbacks(deviceID) {
		cb.OnSecureChannelEstablished(deviceID)
	}
}

func (m *Manager) OnSecureChannelError(deviceID uuid.UUID) {
	for _, cb := range m.deviceCallbacks(deviceID) {
		cb.OnDeviceError(deviceID, ErrInvalidSecurityKey)
	}
}

// OnMessageReceived hands msg to the callback of its recipient. Without
// one, the latest message per recipient and device is kept for a later
// registration.
func (m *Manager) OnMessageReceived(deviceID uuid.UUID, msg companion.DeviceMessage) {
	m.mu.Lock()
	if _, ok := m.devices[deviceID]; !ok {
		m.mu.Unlock()
		m.log.Warnf("message from unknown device %s for %s", deviceID, msg.Recipient)
		return
	}
	cb := m.callbacks[deviceID][msg.Recipient]
	if cb == nil {
		m.log.Debugf("no callback for %s on %s, keeping message", msg.Recipient, deviceID)
		if m.missed[msg.Recipient] == nil {
			m.missed[msg.Recipient] = make(map[uuid.UUID][]byte)
		}
		m.missed[msg.Recipient][deviceID] = msg.Payload
	}
	m.mu.Unlock()

	if cb != nil {
		cb.OnMessageReceived(deviceID, msg.Payload)
	}
}

func (m *Manager) deviceCallbacks(deviceID uuid.UUID) []DeviceCallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeviceCallback
	for _, cb := range m.callbacks[deviceID] {
		out = append(out, cb)
	}
	return out
}

func (m *Manager) belongsToActiveUser(deviceID uuid.UUID) bool {
	ids, err := m.storage.ActiveUserAssociatedDeviceIDs()
	if err != nil {
		m.log.Errorf("list active user devices: %v", err)
		return false
	}
	for _, id := range ids {
		if id == deviceID {
			return true
		}
	}
	return false
}
