// Package peripheral runs the head unit side of the companion protocol: it
// advertises for association or reconnection, and wires a message stream
// and secure channel to every phone that connects.
package peripheral

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/looper"
	"github.com/rigado/companion/oob"
	"github.com/rigado/companion/securechannel"
	"github.com/rigado/companion/stream"
)

const (
	// attProtocolBytes is the ATT header taken out of every notification.
	attProtocolBytes = 3

	DefaultMTU                               = 185
	DefaultNameRetryDelay                    = 10 * time.Millisecond
	DefaultNameRetryLimit                    = 100
	DefaultMaxReconnectAdvertisementDuration = 10 * time.Minute
)

// Default UUIDs of the advertised services and message characteristics.
var (
	DefaultAssociationServiceUUID  = uuid.MustParse("5e2a68a4-27be-43f9-8d1e-4546976fabd7")
	DefaultWriteCharacteristicUUID = uuid.MustParse("5e2a68a5-27be-43f9-8d1e-4546976fabd7")
	DefaultReadCharacteristicUUID  = uuid.MustParse("5e2a68a6-27be-43f9-8d1e-4546976fabd7")
	DefaultReconnectServiceUUID    = companion.UUID16(0x00e0)
	DefaultReconnectDataUUID       = companion.UUID16(0x0020)
)

// ErrNotConnected is returned by SendMessage when the device has no
// established secure channel.
var ErrNotConnected = errors.New("device is not connected")

// State is what the manager is doing.
type State int

const (
	StateIdle State = iota
	StateAssociating
	StateReconnecting
	StateConnected
	StateSecure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAssociating:
		return "associating"
	case StateReconnecting:
		return "reconnecting"
	case StateConnected:
		return "connected"
	case StateSecure:
		return "secure"
	}
	return "unknown"
}

// Manager owns the single connection slot of the head unit. Every public
// method hands its work to the scheduler and returns immediately; callbacks
// are invoked on the scheduler.
type Manager struct {
	p       companion.Peripheral
	adapter companion.Adapter
	storage companion.Storage
	sched   looper.Scheduler
	owned   *looper.Looper
	log     companion.Logger
	runners securechannel.RunnerFactory

	assocService     uuid.UUID
	reconnectService uuid.UUID
	reconnectData    uuid.UUID
	writeCh          *companion.Characteristic
	readCh           *companion.Characteristic
	maxReconnectAdv  time.Duration
	defaultMTU       int
	nameRetryDelay   time.Duration
	nameRetryLimit   int
	throttle         time.Duration
	busyThrottle     time.Duration

	mu        sync.Mutex
	callbacks []companion.Callback
	snap      snapshot

	// session state, touched only on the scheduler
	gen          uint64
	assocCb      companion.AssociationCallback
	assocKey     companion.AssociationCallback
	oobMgr       *oob.ConnectionManager
	originalName string
	reconnectID  uuid.UUID
	challenge    []byte
	device       *companion.Device
	deviceID     uuid.UUID
	stream       *stream.Stream
	channel      securechannel.SecureChannel
	chEvents     *channelEvents
	secure       bool
	advCb        companion.AdvertiseCallback
	events       companion.PeripheralCallback
	nameTask     looper.Task
	retryTask    looper.Task
	timeoutTask  looper.Task
}

type snapshot struct {
	state    State
	deviceID uuid.UUID
}

// New creates a manager. Unless OptScheduler is given the manager runs its
// own looper, stopped by Stop.
func New(p companion.Peripheral, adapter companion.Adapter, st companion.Storage, opts ...companion.Option) (*Manager, error) {
	switch {
	case p == nil:
		return nil, errors.New("peripheral: nil peripheral")
	case adapter == nil:
		return nil, errors.New("peripheral: nil adapter")
	case st == nil:
		return nil, errors.New("peripheral: nil storage")
	}

	m := &Manager{
		p:                p,
		adapter:          adapter,
		storage:          st,
		log:              companion.ComponentLogger("peripheral", nil),
		runners:          securechannel.DefaultRunnerFactory,
		assocService:     DefaultAssociationServiceUUID,
		reconnectService: DefaultReconnectServiceUUID,
		reconnectData:    DefaultReconnectDataUUID,
		maxReconnectAdv:  DefaultMaxReconnectAdvertisementDuration,
		defaultMTU:       DefaultMTU,
		nameRetryDelay:   DefaultNameRetryDelay,
		nameRetryLimit:   DefaultNameRetryLimit,
		throttle:         stream.DefaultThrottle,
		busyThrottle:     stream.DefaultBusyThrottle,
	}
	m.writeCh = &companion.Characteristic{
		UUID:        DefaultWriteCharacteristicUUID,
		Properties:  companion.PropertyWrite | companion.PropertyWriteNoResponse,
		Permissions: companion.PermissionWrite,
	}
	m.readCh = &companion.Characteristic{
		UUID:        DefaultReadCharacteristicUUID,
		Properties:  companion.PropertyRead | companion.PropertyNotify,
		Permissions: companion.PermissionRead,
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.sched == nil {
		m.owned = looper.New()
		m.sched = m.owned
	}
	return m, nil
}

// Start recovers from a crash during association by restoring the adapter
// name saved before the rename.
func (m *Manager) Start() {
	m.sched.Post(m.restoreAdapterName)
}

// Stop ends any session. A manager-owned looper is closed once the teardown
// has run. Stop does not wait for that, so it may be called from callbacks.
func (m *Manager) Stop() {
	m.sched.Post(func() {
		m.teardown()
	})
	if m.owned != nil {
		m.owned.Close()
	}
}

// RegisterCallback adds a listener for device events.
func (m *Manager) RegisterCallback(cb companion.Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) UnregisterCallback(cb companion.Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.callbacks {
		if c == cb {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return
		}
	}
}

// State reports the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.state
}

// ConnectedDevice returns the id of the connected device, once known.
func (m *Manager) ConnectedDevice() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.deviceID, m.snap.deviceID != uuid.Nil
}

// SendMessage writes msg to the device over its secure channel. The write
// itself happens on the scheduler; failures there are logged.
func (m *Manager) SendMessage(deviceID uuid.UUID, msg companion.DeviceMessage) error {
	m.mu.Lock()
	snap := m.snap
	m.mu.Unlock()
	if snap.state != StateSecure || snap.deviceID != deviceID {
		return errors.Wrapf(ErrNotConnected, "device %s", deviceID)
	}

	m.sched.Post(func() {
		if m.channel == nil || m.deviceID != deviceID {
			m.log.Warnf("dropping %s, device %s went away", msg, deviceID)
			return
		}
		if err := m.channel.SendClientMessage(msg); err != nil {
			m.log.Errorf("send %s: %v", msg, err)
		}
	})
	return nil
}

// DisconnectDevice ends the session with deviceID, whether it is connected
// or being advertised for.
func (m *Manager) DisconnectDevice(deviceID uuid.UUID) {
	m.sched.Post(func() {
		if deviceID == uuid.Nil || (m.deviceID != deviceID && m.reconnectID != deviceID) {
			m.log.Debugf("disconnect %s: not the current device", deviceID)
			return
		}
		m.teardown()
	})
}

func (m *Manager) publish() {
	s := snapshot{deviceID: m.deviceID}
	switch {
	case m.device != nil && m.secure:
		s.state = StateSecure
	case m.device != nil:
		s.state = StateConnected
	case m.assocCb != nil:
		s.state = StateAssociating
	case m.reconnectID != uuid.Nil:
		s.state = StateReconnecting
	}

	m.mu.Lock()
	m.snap = s
	m.mu.Unlock()
}

func (m *Manager) registered() []companion.Callback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]companion.Callback(nil), m.callbacks...)
}

func (m *Manager) each(fn func(cb companion.Callback)) {
	for _, cb := range m.registered() {
		fn(cb)
	}
}

func cancel(t looper.Task) {
	if t != nil {
		t.Cancel()
	}
}
