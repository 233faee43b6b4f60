package peripheral

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/handshake"
	"github.com/rigado/companion/loopback"
	"github.com/rigado/companion/looper"
	"github.com/rigado/companion/securechannel"
	"github.com/rigado/companion/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type assocRecorder struct {
	mu        sync.Mutex
	started   []string
	failures  int
	codes     []string
	completed []uuid.UUID
	errs      []companion.ErrorCode
}

func (r *assocRecorder) OnAssociationStartSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, name)
}

func (r *assocRecorder) OnAssociationStartFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func (r *assocRecorder) OnVerificationCodeAvailable(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

func (r *assocRecorder) OnAssociationCompleted(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, id)
}

func (r *assocRecorder) OnAssociationError(code companion.ErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, code)
}

func (r *assocRecorder) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

type deviceRecorder struct {
	connected    []uuid.UUID
	disconnected []uuid.UUID
	established  []uuid.UUID
	secureErrs   []uuid.UUID
	messages     []companion.DeviceMessage
}

func (r *deviceRecorder) OnDeviceConnected(id uuid.UUID) { r.connected = append(r.connected, id) }
func (r *deviceRecorder) OnDeviceDisconnected(id uuid.UUID) {
	r.disconnected = append(r.disconnected, id)
}
func (r *deviceRecorder) OnSecureChannelEstablished(id uuid.UUID) {
	r.established = append(r.established, id)
}
func (r *deviceRecorder) OnSecureChannelError(id uuid.UUID) { r.secureErrs = append(r.secureErrs, id) }
func (r *deviceRecorder) OnMessageReceived(id uuid.UUID, msg companion.DeviceMessage) {
	r.messages = append(r.messages, msg)
}

type harness struct {
	t       *testing.T
	sched   *looper.Fake
	adapter *loopback.Adapter
	p       *loopback.Peripheral
	store   *storage.Store
	m       *Manager
	events  *deviceRecorder
	assoc   *assocRecorder
}

func newHarness(t *testing.T, opts ...companion.Option) *harness {
	h := &harness{
		t:       t,
		sched:   looper.NewFake(),
		adapter: loopback.NewAdapter("Car"),
		store:   storage.NewMemory(),
		events:  &deviceRecorder{},
		assoc:   &assocRecorder{},
	}
	h.p = loopback.NewPeripheral(h.adapter)

	var err error
	h.m, err = New(h.p, h.adapter, h.store, append([]companion.Option{companion.OptScheduler(h.sched)}, opts...)...)
	require.NoError(t, err)
	h.m.RegisterCallback(h.events)
	return h
}

// settle runs everything due in the next second of virtual time.
func (h *harness) settle() {
	h.sched.Advance(time.Second)
}

func (h *harness) phoneConfig() loopback.PhoneConfig {
	return loopback.PhoneConfig{
		Device:              companion.Device{Addr: companion.NewAddr("AA:BB:CC:DD:EE:FF"), Name: "Pixel"},
		Scheduler:           h.sched,
		WriteCharacteristic: DefaultWriteCharacteristicUUID,
		ReadCharacteristic:  DefaultReadCharacteristicUUID,
		ReconnectDataUUID:   DefaultReconnectDataUUID,
	}
}

func (h *harness) newPhone() *loopback.Phone {
	ph, err := loopback.NewPhone(h.phoneConfig())
	require.NoError(h.t, err)
	return ph
}

// associate runs a full association and returns the phone.
func (h *harness) associate() *loopback.Phone {
	t := h.t
	h.m.StartAssociation("Car-123", h.assoc)
	h.settle()
	require.Equal(t, []string{"Car-123"}, h.assoc.started)

	ph := h.newPhone()
	require.NoError(t, ph.Associate(h.p))
	h.settle()
	require.Len(t, h.assoc.codes, 1)
	require.Equal(t, ph.VerificationCode(), h.assoc.codes[0])

	h.m.NotifyOutOfBandAccepted()
	h.settle()
	require.NoError(t, ph.Err())
	require.True(t, ph.Established())
	return ph
}

func TestAssociationEndToEnd(t *testing.T) {
	h := newHarness(t)

	h.m.StartAssociation("Car-123", h.assoc)
	h.settle()
	assert.Equal(t, StateAssociating, h.m.State())
	assert.Equal(t, "Car-123", h.adapter.Name())
	stored, err := h.store.StoredAdapterName()
	require.NoError(t, err)
	assert.Equal(t, "Car", stored)

	adv := h.p.Advertisement()
	require.NotNil(t, adv)
	assert.Equal(t, "Car-123", adv.Fields.LocalName)
	assert.Contains(t, adv.Fields.ServiceUUIDs, DefaultAssociationServiceUUID)

	ph := h.newPhone()
	require.NoError(t, ph.Associate(h.p))
	h.settle()
	assert.Equal(t, "Car", h.adapter.Name(), "adapter name restored once a phone connected")
	stored, err = h.store.StoredAdapterName()
	require.NoError(t, err)
	assert.Empty(t, stored)
	require.Len(t, h.assoc.codes, 1)
	assert.Equal(t, StateConnected, h.m.State())

	h.m.NotifyOutOfBandAccepted()
	h.settle()
	require.NoError(t, ph.Err())
	require.True(t, ph.Established())

	id := ph.Credentials().DeviceID
	assert.Equal(t, []uuid.UUID{id}, h.assoc.completed)
	assert.Equal(t, []uuid.UUID{id}, h.events.connected)
	assert.Equal(t, []uuid.UUID{id}, h.events.established)
	assert.Equal(t, StateSecure, h.m.State())
	got, ok := h.m.ConnectedDevice()
	assert.True(t, ok)
	assert.Equal(t, id, got)

	devs, err := h.store.AssociatedDevices(0)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, companion.AssociatedDevice{ID: id, Address: "aa:bb:cc:dd:ee:ff", Name: "Pixel", Enabled: true}, devs[0])

	carID, err := h.store.UniqueID()
	require.NoError(t, err)
	assert.Equal(t, carID, ph.Credentials().CarID)
}

func TestMessagesBothWays(t *testing.T) {
	h := newHarness(t)
	ph := h.associate()
	id := ph.Credentials().DeviceID
	recipient := uuid.New()

	require.NoError(t, ph.Send(recipient, []byte("ping")))
	h.settle()
	require.Len(t, h.events.messages, 1)
	assert.Equal(t, []byte("ping"), h.events.messages[0].Payload)
	assert.Equal(t, recipient, h.events.messages[0].Recipient)

	require.NoError(t, h.m.SendMessage(id, companion.NewDeviceMessage(recipient, true, []byte("pong"))))
	h.settle()
	rx := ph.Received()
	require.Len(t, rx, 1)
	assert.Equal(t, []byte("pong"), rx[0].Payload)

	err := h.m.SendMessage(uuid.New(), companion.NewDeviceMessage(recipient, true, nil))
	assert.Equal(t, ErrNotConnected, errors.Cause(err))
}

func TestLargeMessageIsPacketized(t *testing.T) {
	h := newHarness(t, companion.OptDefaultMTU(40))
	ph := h.associate()
	id := ph.Credentials().DeviceID

	big := make([]byte, 500)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, h.m.SendMessage(id, companion.NewDeviceMessage(uuid.New(), true, big)))
	h.sched.Advance(10 * time.Second)
	rx := ph.Received()
	require.Len(t, rx, 1)
	assert.Equal(t, big, rx[0].Payload)
}

func TestMTUChangeResizesStream(t *testing.T) {
	h := newHarness(t)
	h.associate()
	require.Equal(t, DefaultMTU-attProtocolBytes, h.m.stream.MaxWriteSize())

	h.p.ChangeMTU(100)
	h.settle()
	assert.Equal(t, 97, h.m.stream.MaxWriteSize())
}

func TestReconnect(t *testing.T) {
	h := newHarness(t)
	ph := h.associate()
	creds := ph.Credentials()
	id := creds.DeviceID

	ph.Disconnect()
	h.settle()
	assert.Equal(t, []uuid.UUID{id}, h.events.disconnected)
	assert.Equal(t, StateIdle, h.m.State())

	h.m.ConnectToDevice(id)
	h.settle()
	assert.Equal(t, StateReconnecting, h.m.State())
	adv := h.p.Advertisement()
	require.NotNil(t, adv)
	assert.Empty(t, adv.Fields.LocalName)
	assert.Contains(t, adv.Fields.ServiceUUIDs, DefaultReconnectServiceUUID)
	data, ok := adv.Fields.ServiceDataFor(DefaultReconnectDataUUID)
	require.True(t, ok)
	assert.Len(t, data, truncatedBytes+saltBytes)

	// a phone that does not hold the secret ignores the advertisement
	stranger := h.newPhone()
	assert.Error(t, stranger.Reconnect(h.p))

	back, err := loopback.NewAssociatedPhone(h.phoneConfig(), creds)
	require.NoError(t, err)
	require.NoError(t, back.Reconnect(h.p))
	h.settle()
	require.NoError(t, back.Err())
	require.True(t, back.Established())

	assert.Equal(t, []uuid.UUID{id, id}, h.events.connected)
	assert.Equal(t, []uuid.UUID{id, id}, h.events.established)
	assert.Equal(t, StateSecure, h.m.State())

	key, err := h.store.EncryptionKey(id)
	require.NoError(t, err)
	assert.Equal(t, back.Credentials().Key, key)
	assert.NotEqual(t, creds.Key, key)

	require.NoError(t, back.Send(uuid.New(), []byte("again")))
	h.settle()
	require.Len(t, h.events.messages, 1)
	assert.Equal(t, []byte("again"), h.events.messages[0].Payload)
}

func TestConnectToDeviceWhileConnectedIsNoop(t *testing.T) {
	h := newHarness(t)
	ph := h.associate()
	id := ph.Credentials().DeviceID
	cleanups := h.p.Cleanups()

	h.m.ConnectToDevice(id)
	h.m.ConnectToDevice(id)
	h.settle()
	assert.Equal(t, []uuid.UUID{id}, h.events.connected)
	assert.Equal(t, cleanups, h.p.Cleanups())
	assert.Equal(t, StateSecure, h.m.State())
}

func saveSecret(t *testing.T, st *storage.Store) uuid.UUID {
	id := uuid.New()
	require.NoError(t, st.SaveChallengeSecret(id, []byte("0123456789abcdef")))
	return id
}

func TestReconnectAdvertisingRestartsAfterTimeout(t *testing.T) {
	h := newHarness(t, companion.OptMaxReconnectAdvertisementDuration(time.Minute))
	id := saveSecret(t, h.store)

	h.m.ConnectToDevice(id)
	h.settle()
	require.Equal(t, 1, h.p.AdvertisingStarts())
	first, _ := h.p.Advertisement().Fields.ServiceDataFor(DefaultReconnectDataUUID)

	h.sched.Advance(time.Minute)
	assert.Equal(t, 2, h.p.AdvertisingStarts())
	second, _ := h.p.Advertisement().Fields.ServiceDataFor(DefaultReconnectDataUUID)
	assert.NotEqual(t, first, second, "a new salt for every window")
}

func TestConnectToOtherDeviceCancelsTimeout(t *testing.T) {
	h := newHarness(t, companion.OptMaxReconnectAdvertisementDuration(time.Minute))
	a, b := saveSecret(t, h.store), saveSecret(t, h.store)

	h.m.ConnectToDevice(a)
	h.settle()
	h.m.ConnectToDevice(b)
	h.settle()
	require.Equal(t, 2, h.p.AdvertisingStarts())

	h.sched.Advance(time.Minute)
	assert.Equal(t, 3, h.p.AdvertisingStarts(), "only the second device's timeout fires")
}

func TestReconnectUnknownDevice(t *testing.T) {
	h := newHarness(t)
	h.m.ConnectToDevice(uuid.New())
	h.settle()
	assert.Nil(t, h.p.Advertisement())
	assert.Equal(t, StateIdle, h.m.State())
}

func TestReconnectAdvertiseFailureIsRetried(t *testing.T) {
	h := newHarness(t, companion.OptMaxReconnectAdvertisementDuration(time.Minute))
	id := saveSecret(t, h.store)

	h.p.FailAdvertising(companion.AdvertiseFailedInternalError)
	h.m.ConnectToDevice(id)
	h.settle()
	assert.Nil(t, h.p.Advertisement())
	assert.Empty(t, h.events.connected)

	h.p.FailAdvertising(0)
	h.sched.Advance(time.Minute)
	assert.NotNil(t, h.p.Advertisement())
}

func TestDisconnectDevice(t *testing.T) {
	h := newHarness(t)
	ph := h.associate()
	id := ph.Credentials().DeviceID

	h.m.DisconnectDevice(uuid.New())
	h.settle()
	assert.Equal(t, StateSecure, h.m.State())

	h.m.DisconnectDevice(id)
	h.settle()
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, []uuid.UUID{id}, h.events.disconnected)
}

func TestAssociationWaitsForAdapterName(t *testing.T) {
	h := newHarness(t)
	h.adapter.SetNameLag(3)

	h.m.StartAssociation("Car-123", h.assoc)
	h.sched.RunPending()
	assert.Empty(t, h.assoc.started)
	assert.Nil(t, h.p.Advertisement())

	h.settle()
	assert.Equal(t, []string{"Car-123"}, h.assoc.started)
	assert.NotNil(t, h.p.Advertisement())
}

func TestAssociationGivesUpOnAdapterName(t *testing.T) {
	h := newHarness(t, companion.OptNameRetryLimit(2))
	h.adapter.SetNameLag(10)

	h.m.StartAssociation("Car-123", h.assoc)
	h.settle()
	assert.Empty(t, h.assoc.started)
	assert.Equal(t, 1, h.assoc.failures)
	assert.Equal(t, StateIdle, h.m.State())

	stored, err := h.store.StoredAdapterName()
	require.NoError(t, err)
	assert.Empty(t, stored)

	var name string
	for i := 0; i < 20; i++ {
		name = h.adapter.Name()
	}
	assert.Equal(t, "Car", name)
}

func TestAssociationAdvertiseFailure(t *testing.T) {
	h := newHarness(t)
	h.p.FailAdvertising(companion.AdvertiseFailedTooManyAdvertisers)

	h.m.StartAssociation("Car-123", h.assoc)
	h.settle()
	assert.Equal(t, 1, h.assoc.failures)
	assert.Equal(t, "Car", h.adapter.Name())
}

func TestDisconnectDuringAssociation(t *testing.T) {
	h := newHarness(t)
	h.m.StartAssociation("Car-123", h.assoc)
	h.settle()

	ph := h.newPhone()
	require.NoError(t, ph.Associate(h.p))
	h.settle()
	require.Len(t, h.assoc.codes, 1)

	ph.Disconnect()
	h.settle()
	assert.Equal(t, []companion.ErrorCode{companion.ErrorUnexpectedDisconnection}, h.assoc.errs)
	assert.Empty(t, h.events.disconnected, "no device id was known")
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, "Car", h.adapter.Name())

	// the old session is gone; accepting now changes nothing
	h.m.NotifyOutOfBandAccepted()
	h.settle()
	assert.Empty(t, h.assoc.completed)
}

func TestStopAssociation(t *testing.T) {
	h := newHarness(t)
	h.m.StartAssociation("Car-123", h.assoc)
	h.settle()

	h.m.StopAssociation(&assocRecorder{})
	h.settle()
	assert.Equal(t, StateAssociating, h.m.State())

	h.m.StopAssociation(h.assoc)
	h.settle()
	assert.Equal(t, StateIdle, h.m.State())
	assert.Nil(t, h.p.Advertisement())
	assert.Equal(t, "Car", h.adapter.Name())
}

func TestMessageWithoutDeviceIDFailsAssociation(t *testing.T) {
	h := newHarness(t)
	h.m.StartAssociation("Car-123", h.assoc)
	h.settle()
	require.NoError(t, h.newPhone().Associate(h.p))
	h.settle()
	require.Len(t, h.assoc.codes, 1)
	require.NotNil(t, h.m.chEvents)

	h.m.chEvents.OnMessageReceived(companion.NewDeviceMessage(uuid.New(), false, []byte("early")))
	assert.Empty(t, h.events.messages)
	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidDeviceID}, h.assoc.errs)
	assert.Equal(t, StateIdle, h.m.State())
}

func TestNotifyAcceptedWithoutDevice(t *testing.T) {
	h := newHarness(t)
	h.m.NotifyOutOfBandAccepted()
	h.settle()
	assert.Equal(t, StateIdle, h.m.State())
}

type failingRunner struct {
	securechannel.EncryptionRunner
}

func (failingRunner) RespondToInitRequest([]byte) (handshake.Message, error) {
	return handshake.Message{State: handshake.Invalid}, errors.New("runner failure")
}

func TestSecureChannelFailureDuringAssociation(t *testing.T) {
	factory := securechannel.RunnerFactory(func(bool) securechannel.EncryptionRunner { return failingRunner{} })
	h := newHarness(t, companion.OptEncryptionRunnerFactory(factory))
	h.m.StartAssociation("Car-123", h.assoc)
	h.settle()

	cleanups := h.p.Cleanups()
	require.NoError(t, h.newPhone().Associate(h.p))
	h.settle()

	assert.Equal(t, []companion.ErrorCode{companion.ErrorInvalidHandshake}, h.assoc.errs)
	assert.Empty(t, h.events.secureErrs)
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, cleanups+1, h.p.Cleanups())
}

func TestOutOfBandAssociation(t *testing.T) {
	h := newHarness(t)
	ph := h.newPhone()

	h.m.StartOutOfBandAssociation("Car-123", ph.OobChannel(), h.assoc)
	require.Eventually(t, func() bool {
		h.sched.RunPending()
		return h.assoc.startedCount() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, ph.AssociateOutOfBand(h.p))
	h.settle()
	require.NoError(t, ph.Err())
	require.True(t, ph.Established())
	assert.Empty(t, h.assoc.codes)
	assert.Equal(t, []uuid.UUID{ph.Credentials().DeviceID}, h.assoc.completed)
}

func TestStartRestoresAdapterName(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveAdapterName("Original"))
	h.adapter.SetNameLag(2)

	h.m.Start()
	h.settle()
	assert.Equal(t, "Original", h.adapter.Name())
	stored, err := h.store.StoredAdapterName()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestStartWithNothingToRestore(t *testing.T) {
	h := newHarness(t)
	h.m.Start()
	h.settle()
	assert.Equal(t, "Car", h.adapter.Name())
}

func TestStopFromCallback(t *testing.T) {
	m, err := New(loopback.NewPeripheral(loopback.NewAdapter("Car")), loopback.NewAdapter("Car"), storage.NewMemory())
	require.NoError(t, err)
	require.NotNil(t, m.owned)

	m.sched.Post(m.Stop)
	select {
	case <-m.owned.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop on the manager's loop did not stop it")
	}
}

func TestOptionsAreValidated(t *testing.T) {
	p := loopback.NewPeripheral(loopback.NewAdapter("Car"))
	_, err := New(p, loopback.NewAdapter("Car"), storage.NewMemory(), companion.OptDefaultMTU(3))
	assert.Error(t, err)
	_, err = New(p, loopback.NewAdapter("Car"), storage.NewMemory(), companion.OptScheduler("nope"))
	assert.Error(t, err)
	_, err = New(nil, loopback.NewAdapter("Car"), storage.NewMemory())
	assert.Error(t, err)
}
