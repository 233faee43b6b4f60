package peripheral

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/securechannel"
	"github.com/rigado/companion/stream"
)

func (m *Manager) service(u uuid.UUID) *companion.Service {
	svc := companion.NewService(u)
	svc.AddCharacteristic(m.writeCh)
	svc.AddCharacteristic(m.readCh)
	return svc
}

// advertiseCallback moves platform advertise results onto the scheduler
// and drops them once the session that asked for them is gone.
type advertiseCallback struct {
	m         *Manager
	gen       uint64
	onSuccess func()
	onFailure func(code int)
}

func (c *advertiseCallback) OnStartSuccess() {
	c.m.sched.Post(func() {
		if c.gen == c.m.gen {
			c.onSuccess()
		}
	})
}

func (c *advertiseCallback) OnStartFailure(code int) {
	c.m.sched.Post(func() {
		if c.gen == c.m.gen {
			c.onFailure(code)
		}
	})
}

func (m *Manager) startAdvertising(svc *companion.Service, data companion.AdvertiseData, onSuccess func(), onFailure func(int)) {
	cb := &advertiseCallback{m: m, gen: m.gen, onSuccess: onSuccess, onFailure: onFailure}
	m.advCb = cb
	m.p.StartAdvertising(svc, data, cb)
}

func (m *Manager) stopAdvertising() {
	if m.advCb != nil {
		m.p.StopAdvertising(m.advCb)
		m.advCb = nil
	}
}

// peripheralEvents is registered with the platform for one session.
type peripheralEvents struct {
	m         *Manager
	gen       uint64
	reconnect bool
}

func (e *peripheralEvents) post(fn func()) {
	e.m.sched.Post(func() {
		if e.gen == e.m.gen {
			fn()
		}
	})
}

func (e *peripheralEvents) OnDeviceNameRetrieved(name string) {
	e.post(func() { e.m.onNameRetrieved(name) })
}

func (e *peripheralEvents) OnMTUSizeChanged(size int) {
	e.post(func() {
		if e.m.stream != nil {
			e.m.stream.SetMaxWriteSize(size - attProtocolBytes)
		}
	})
}

func (e *peripheralEvents) OnRemoteDeviceConnected(dev companion.Device) {
	e.post(func() { e.m.onConnected(dev) })
}

func (e *peripheralEvents) OnRemoteDeviceDisconnected(dev companion.Device) {
	e.post(func() { e.m.onDisconnected(dev) })
}

func (m *Manager) onConnected(dev companion.Device) {
	if m.device != nil {
		if !m.device.Equal(dev) {
			m.log.Warnf("ignoring %s, already connected to %s", dev, m.device)
		}
		return
	}

	m.stopAdvertising()
	cancel(m.timeoutTask)
	cancel(m.retryTask)
	d := dev
	m.device = &d
	m.log = m.log.ChildLogger(map[string]interface{}{"remote": dev.String()})
	m.log.Info("remote device connected")

	reconnecting := m.reconnectID != uuid.Nil
	if !reconnecting {
		m.resetAdapterName()
	}
	if dev.Name == "" {
		m.p.RetrieveDeviceName(dev)
	}

	s, err := stream.New(stream.Config{
		Peripheral:          m.p,
		Device:              dev,
		WriteCharacteristic: m.writeCh,
		ReadCharacteristic:  m.readCh,
		Scheduler:           m.sched,
		MaxWriteSize:        m.defaultMTU - attProtocolBytes,
		Throttle:            m.throttle,
		BusyThrottle:        m.busyThrottle,
	})
	if err != nil {
		m.log.Errorf("create stream: %v", err)
		m.fail(companion.ErrorInvalidHandshake)
		return
	}

	gen := m.gen
	s.SetErrorListener(func(err error) {
		if gen != m.gen {
			return
		}
		if errors.Cause(err) == stream.ErrVersionMismatch {
			m.log.Errorf("closing connection: %v", err)
			m.fail(companion.ErrorInvalidHandshake)
		}
	})

	runner := m.runners(reconnecting)
	var ch securechannel.SecureChannel
	switch {
	case reconnecting:
		ch = securechannel.NewReconnectChannel(s, m.storage, runner, m.reconnectID, m.challenge)
	case m.oobMgr != nil:
		ch = securechannel.NewOobAssociationChannel(s, m.storage, runner, m.oobMgr)
	default:
		ch = securechannel.NewAssociationChannel(s, m.storage, runner)
	}
	m.chEvents = &channelEvents{m: m, gen: gen}
	ch.RegisterCallback(m.chEvents)
	if l, ok := ch.(interface{ SetShowVerificationCodeListener(func(string)) }); ok {
		l.SetShowVerificationCodeListener(func(code string) {
			if gen != m.gen {
				return
			}
			if cb := m.assocCb; cb != nil {
				cb.OnVerificationCodeAvailable(code)
			}
		})
	}
	m.stream, m.channel = s, ch

	if reconnecting {
		id := m.reconnectID
		m.reconnectID, m.challenge = uuid.Nil, nil
		m.setDeviceID(id)
		return
	}
	m.publish()
}

func (m *Manager) onDisconnected(dev companion.Device) {
	if m.device == nil || !m.device.Equal(dev) {
		return
	}
	m.log.Info("remote device disconnected")
	m.fail(companion.ErrorUnexpectedDisconnection)
}

func (m *Manager) onNameRetrieved(name string) {
	if m.device == nil || name == "" {
		return
	}
	m.device.Name = name
	if m.deviceID == uuid.Nil {
		return
	}
	err := m.storage.UpdateAssociatedDeviceName(m.deviceID, name)
	switch {
	case errors.Cause(err) == companion.ErrNotFound:
		m.log.Debugf("%s is not associated yet, name %q not stored", m.deviceID, name)
	case err != nil:
		m.log.Errorf("update device name: %v", err)
	}
}

func (m *Manager) setDeviceID(id uuid.UUID) {
	m.deviceID = id
	m.log = m.log.ChildLogger(map[string]interface{}{"device": id.String()})
	m.publish()
	m.each(func(cb companion.Callback) { cb.OnDeviceConnected(id) })
}

// channelEvents receives the secure channel's events for one session.
// Channels report on the scheduler already.
type channelEvents struct {
	m   *Manager
	gen uint64
}

func (e *channelEvents) live() bool {
	return e.gen == e.m.gen
}

func (e *channelEvents) OnSecureChannelEstablished() {
	if e.live() {
		e.m.onSecureChannelEstablished()
	}
}

func (e *channelEvents) OnEstablishSecureChannelFailure(code companion.ErrorCode) {
	if !e.live() {
		return
	}
	m := e.m
	m.log.Errorf("secure channel failed: %s", code)
	id := m.deviceID
	l := m.reset()
	if id != uuid.Nil {
		m.each(func(cb companion.Callback) { cb.OnSecureChannelError(id) })
	}
	m.report(l, &code)
}

func (e *channelEvents) OnMessageReceived(msg companion.DeviceMessage) {
	if !e.live() {
		return
	}
	id := e.m.deviceID
	if id == uuid.Nil {
		e.m.log.Error("message received before the device id")
		e.m.fail(companion.ErrorInvalidDeviceID)
		return
	}
	e.m.each(func(cb companion.Callback) { cb.OnMessageReceived(id, msg) })
}

func (e *channelEvents) OnMessageReceivedError(err error) {
	if !e.live() {
		return
	}
	e.m.log.Errorf("message error: %v", err)
	e.m.fail(companion.ErrorInvalidHandshake)
}

func (e *channelEvents) OnDeviceIDReceived(id uuid.UUID) {
	if e.live() {
		e.m.setDeviceID(id)
	}
}

func (m *Manager) onSecureChannelEstablished() {
	id := m.deviceID
	if id == uuid.Nil {
		m.log.Error("secure channel established without a device id")
		m.fail(companion.ErrorInvalidDeviceID)
		return
	}

	if cb := m.assocCb; cb != nil {
		dev := companion.AssociatedDevice{ID: id, Name: m.device.Name, Enabled: true}
		if m.device.Addr != nil {
			dev.Address = m.device.Addr.String()
		}
		if err := m.storage.AddAssociatedDeviceForActiveUser(dev); err != nil {
			m.log.Errorf("store associated device: %v", err)
			m.fail(companion.ErrorStorageFailure)
			return
		}
		m.assocCb, m.assocKey, m.oobMgr = nil, nil, nil
		cb.OnAssociationCompleted(id)
	}

	m.secure = true
	m.publish()
	m.log.Info("secure channel established")
	m.each(func(cb companion.Callback) { cb.OnSecureChannelEstablished(id) })
}

// lostSession is what a reset took down.
type lostSession struct {
	assoc     companion.AssociationCallback
	deviceID  uuid.UUID
	connected bool
}

// reset returns the manager to idle. Scheduled work of the old session is
// cancelled and late platform events for it are dropped.
func (m *Manager) reset() lostSession {
	l := lostSession{assoc: m.assocCb, deviceID: m.deviceID, connected: m.device != nil}

	m.gen++
	cancel(m.timeoutTask)
	cancel(m.retryTask)
	cancel(m.nameTask)
	m.timeoutTask, m.retryTask, m.nameTask = nil, nil, nil

	m.resetAdapterName()
	m.stopAdvertising()
	if m.events != nil {
		m.p.UnregisterCallback(m.events)
		m.events = nil
	}
	if m.channel != nil && m.chEvents != nil {
		m.channel.UnregisterCallback(m.chEvents)
	}
	if m.stream != nil {
		m.stream.Close()
	}
	m.p.Cleanup()

	m.assocCb, m.assocKey, m.oobMgr = nil, nil, nil
	m.reconnectID, m.challenge = uuid.Nil, nil
	m.device, m.deviceID = nil, uuid.Nil
	m.stream, m.channel, m.chEvents, m.secure = nil, nil, nil, false
	m.log = companion.ComponentLogger("peripheral", nil)
	m.publish()
	return l
}

// teardown resets and tells listeners the device went away.
func (m *Manager) teardown() {
	m.report(m.reset(), nil)
}

// fail resets and reports code to an association in progress.
func (m *Manager) fail(code companion.ErrorCode) {
	m.report(m.reset(), &code)
}

func (m *Manager) report(l lostSession, code *companion.ErrorCode) {
	if code != nil && l.assoc != nil {
		l.assoc.OnAssociationError(*code)
	}
	if l.connected && l.deviceID != uuid.Nil {
		id := l.deviceID
		m.each(func(cb companion.Callback) { cb.OnDeviceDisconnected(id) })
	}
}

// resetAdapterName puts back the name saved when association started.
func (m *Manager) resetAdapterName() {
	if m.originalName == "" {
		return
	}
	name := m.originalName
	m.originalName = ""

	// a rename still in flight would otherwise land after this
	if err := m.adapter.SetName(name); err != nil {
		m.log.Errorf("restore adapter name %q: %v", name, err)
		return
	}
	if err := m.storage.RemoveStoredAdapterName(); err != nil {
		m.log.Errorf("remove stored adapter name: %v", err)
	}
}

// restoreAdapterName recovers the name saved by an association that never
// finished, and forgets it once the adapter reports it.
func (m *Manager) restoreAdapterName() {
	stored, err := m.storage.StoredAdapterName()
	if err != nil {
		m.log.Errorf("read stored adapter name: %v", err)
		return
	}
	if stored == "" {
		return
	}
	if m.adapter.Name() == stored {
		if err := m.storage.RemoveStoredAdapterName(); err != nil {
			m.log.Errorf("remove stored adapter name: %v", err)
		}
		return
	}

	m.log.Infof("restoring adapter name %q", stored)
	if err := m.adapter.SetName(stored); err != nil {
		m.log.Errorf("restore adapter name %q: %v", stored, err)
		return
	}
	m.verifyAdapterNameRestored(m.gen, stored, 0)
}

func (m *Manager) verifyAdapterNameRestored(gen uint64, name string, attempt int) {
	if gen != m.gen {
		return
	}
	if m.adapter.Name() == name {
		m.log.Debugf("adapter name %q restored", name)
		if err := m.storage.RemoveStoredAdapterName(); err != nil {
			m.log.Errorf("remove stored adapter name: %v", err)
		}
		return
	}
	if m.nameRetryLimit > 0 && attempt >= m.nameRetryLimit {
		// kept in storage for the next start
		m.log.Warnf("adapter did not report restored name %q", name)
		return
	}
	m.nameTask = m.sched.PostDelayed(func() {
		m.verifyAdapterNameRestored(gen, name, attempt+1)
	}, m.nameRetryDelay)
}
