// Package loopback is an in-memory Bluetooth platform: an adapter, a GATT
// peripheral and a phone that connects to it. It runs the full stack
// without a radio, for tests and the example binary.
package loopback

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/advdata"
)

// ErrNotConnected is returned when notifying without a connected central.
var ErrNotConnected = errors.New("no central connected")

// Adapter is a local adapter whose name changes take effect after a number
// of Name calls, mimicking a platform that applies them asynchronously.
type Adapter struct {
	mu      sync.Mutex
	name    string
	pending string
	lag     int
	lagLeft int
	setErr  error
}

func NewAdapter(name string) *Adapter {
	return &Adapter{name: name}
}

// SetNameLag makes a SetName visible only after n further Name calls.
func (a *Adapter) SetNameLag(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lag = n
}

// FailSetName makes SetName return err. Nil clears it.
func (a *Adapter) FailSetName(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setErr = err
}

func (a *Adapter) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != "" {
		if a.lagLeft <= 0 {
			a.name, a.pending = a.pending, ""
		} else {
			a.lagLeft--
		}
	}
	return a.name
}

func (a *Adapter) SetName(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.setErr != nil {
		return a.setErr
	}
	if a.lag == 0 {
		a.name, a.pending = name, ""
		return nil
	}
	a.pending, a.lagLeft = name, a.lag
	return nil
}

// Advertisement is what the peripheral currently advertises.
type Advertisement struct {
	Service *companion.Service
	Data    companion.AdvertiseData
	Fields  advdata.Fields
	Raw     [2][]byte
}

type writeEntry struct {
	id int
	fn companion.WriteListener
}

type readEntry struct {
	id int
	fn companion.ReadListener
}

// Peripheral is an in-memory companion.Peripheral. Events are delivered
// synchronously on the calling goroutine.
type Peripheral struct {
	adapter *Adapter

	mu          sync.Mutex
	adv         *Advertisement
	advCb       companion.AdvertiseCallback
	failCode    int
	callbacks   []companion.PeripheralCallback
	writes      []writeEntry
	reads       []readEntry
	nextID      int
	central     *companion.Device
	remoteName  string
	notify      func(value []byte)
	cleanups    int
	advertising int
}

// NewPeripheral returns a peripheral advertising under adapter's name.
func NewPeripheral(adapter *Adapter) *Peripheral {
	return &Peripheral{adapter: adapter}
}

// FailAdvertising makes the next StartAdvertising calls fail with code.
// Zero clears it.
func (p *Peripheral) FailAdvertising(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCode = code
}

func (p *Peripheral) StartAdvertising(svc *companion.Service, data companion.AdvertiseData, cb companion.AdvertiseCallback) {
	p.mu.Lock()
	code := p.failCode
	if code == 0 && p.adv != nil {
		code = companion.AdvertiseFailedAlreadyStarted
	}
	var adv *Advertisement
	if code == 0 {
		var err error
		adv, err = encode(p.adapter.Name(), svc, data)
		if err != nil {
			code = companion.AdvertiseFailedDataTooLarge
		}
	}
	if code == 0 {
		p.adv, p.advCb = adv, cb
		p.advertising++
	}
	p.mu.Unlock()

	if cb == nil {
		return
	}
	if code != 0 {
		cb.OnStartFailure(code)
		return
	}
	cb.OnStartSuccess()
}

func encode(name string, svc *companion.Service, data companion.AdvertiseData) (*Advertisement, error) {
	a, s, err := advdata.Encode(name, data)
	if err != nil {
		return nil, err
	}
	f, err := advdata.Decode(a.Bytes(), s.Bytes())
	if err != nil {
		return nil, err
	}
	return &Advertisement{Service: svc, Data: data, Fields: f, Raw: [2][]byte{a.Bytes(), s.Bytes()}}, nil
}

func (p *Peripheral) StopAdvertising(cb companion.AdvertiseCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.advCb == cb {
		p.adv, p.advCb = nil, nil
	}
}

// Advertisement returns the current advertisement, or nil.
func (p *Peripheral) Advertisement() *Advertisement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adv
}

// AdvertisingStarts counts successful StartAdvertising calls.
func (p *Peripheral) AdvertisingStarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising
}

func (p *Peripheral) NotifyCharacteristicChanged(dev companion.Device, ch *companion.Characteristic, value []byte, confirm bool) error {
	p.mu.Lock()
	if p.central == nil || !p.central.Equal(dev) {
		p.mu.Unlock()
		return ErrNotConnected
	}
	fn := p.notify
	p.mu.Unlock()

	if fn != nil {
		fn(append([]byte(nil), value...))
	}
	return nil
}

// SetRemoteName sets what RetrieveDeviceName reports.
func (p *Peripheral) SetRemoteName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteName = name
}

func (p *Peripheral) RetrieveDeviceName(dev companion.Device) {
	p.mu.Lock()
	name := p.remoteName
	p.mu.Unlock()
	if name == "" {
		return
	}
	for _, cb := range p.peripheralCallbacks() {
		cb.OnDeviceNameRetrieved(name)
	}
}

func (p *Peripheral) RegisterCallback(cb companion.PeripheralCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

func (p *Peripheral) UnregisterCallback(cb companion.PeripheralCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.callbacks {
		if c == cb {
			p.callbacks = append(p.callbacks[:i], p.callbacks[i+1:]...)
			return
		}
	}
}

func (p *Peripheral) peripheralCallbacks() []companion.PeripheralCallback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]companion.PeripheralCallback(nil), p.callbacks...)
}

func (p *Peripheral) OnCharacteristicWrite(fn companion.WriteListener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.writes = append(p.writes, writeEntry{id, fn})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, e := range p.writes {
			if e.id == id {
				p.writes = append(p.writes[:i], p.writes[i+1:]...)
				return
			}
		}
	}
}

func (p *Peripheral) OnCharacteristicRead(fn companion.ReadListener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.reads = append(p.reads, readEntry{id, fn})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, e := range p.reads {
			if e.id == id {
				p.reads = append(p.reads[:i], p.reads[i+1:]...)
				return
			}
		}
	}
}

// Listeners reports how many write and read listeners are registered.
func (p *Peripheral) Listeners() (writes, reads int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes), len(p.reads)
}

func (p *Peripheral) Cleanup() {
	p.mu.Lock()
	p.adv, p.advCb = nil, nil
	p.central, p.notify = nil, nil
	p.cleanups++
	p.mu.Unlock()
}

// Cleanups counts Cleanup calls.
func (p *Peripheral) Cleanups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanups
}

// Connect attaches a central. Advertising stops, as it does on a real
// controller once a connection is made. notify receives every value the
// peripheral notifies.
func (p *Peripheral) Connect(dev companion.Device, notify func(value []byte)) error {
	p.mu.Lock()
	if p.central != nil {
		p.mu.Unlock()
		return errors.Errorf("already connected to %s", p.central)
	}
	d := dev
	p.central, p.notify = &d, notify
	p.adv, p.advCb = nil, nil
	p.mu.Unlock()

	for _, cb := range p.peripheralCallbacks() {
		cb.OnRemoteDeviceConnected(dev)
	}
	return nil
}

// Disconnect drops the central, if it is dev.
func (p *Peripheral) Disconnect(dev companion.Device) {
	p.mu.Lock()
	if p.central == nil || !p.central.Equal(dev) {
		p.mu.Unlock()
		return
	}
	p.central, p.notify = nil, nil
	p.mu.Unlock()

	for _, cb := range p.peripheralCallbacks() {
		cb.OnRemoteDeviceDisconnected(dev)
	}
}

// ChangeMTU reports a negotiated MTU.
func (p *Peripheral) ChangeMTU(mtu int) {
	for _, cb := range p.peripheralCallbacks() {
		cb.OnMTUSizeChanged(mtu)
	}
}

// Write delivers a central write.
func (p *Peripheral) Write(dev companion.Device, ch *companion.Characteristic, value []byte) {
	p.mu.Lock()
	ls := append([]writeEntry(nil), p.writes...)
	p.mu.Unlock()
	for _, e := range ls {
		e.fn(dev, ch, value)
	}
}

// Read delivers a central read of ch, which acknowledges a notification.
func (p *Peripheral) Read(dev companion.Device, ch *companion.Characteristic) {
	p.mu.Lock()
	ls := append([]readEntry(nil), p.reads...)
	p.mu.Unlock()
	for _, e := range ls {
		e.fn(dev, ch)
	}
}
