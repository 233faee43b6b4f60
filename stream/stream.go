// Package stream carries device messages over a pair of GATT
// characteristics: one the phone writes to, one this side notifies.
package stream

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/looper"
	"github.com/rigado/companion/packet"
)

const (
	DefaultThrottle     = 10 * time.Millisecond
	DefaultBusyThrottle = 75 * time.Millisecond
)

// State is the stream lifecycle.
type State int

const (
	AwaitingVersionExchange State = iota
	Ready
	VersionMismatch
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingVersionExchange:
		return "awaiting version exchange"
	case Ready:
		return "ready"
	case VersionMismatch:
		return "version mismatch"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// MessageListener receives each fully reassembled message.
type MessageListener func(msg companion.DeviceMessage, op companion.OperationType)

// ErrorListener receives protocol errors. They never stop the stream except
// for ErrVersionMismatch.
type ErrorListener func(err error)

// Config describes one connection.
type Config struct {
	Peripheral companion.Peripheral
	Device     companion.Device

	// WriteCharacteristic is written by the phone.
	WriteCharacteristic *companion.Characteristic
	// ReadCharacteristic is notified to the phone.
	ReadCharacteristic *companion.Characteristic

	Scheduler    looper.Scheduler
	MaxWriteSize int

	Throttle     time.Duration
	BusyThrottle time.Duration
}

// Stream owns the send queue and reassembly state of one connection.
// Platform events are handed to the scheduler, so listeners always run on
// it. The peripheral is never called with the lock held.
type Stream struct {
	p            companion.Peripheral
	dev          companion.Device
	writeCh      *companion.Characteristic
	readCh       *companion.Characteristic
	sched        looper.Scheduler
	log          companion.Logger
	throttle     time.Duration
	busyThrottle time.Duration

	ids   packet.IDGenerator
	reasm *packet.Reassembler

	mu           sync.Mutex
	state        State
	queue        []packet.Packet
	inFlight     bool
	drainPending bool
	maxWriteSize int
	onMessage    MessageListener
	onError      ErrorListener
	removeWrite  func()
	removeRead   func()
}

// New creates a stream and starts listening on the peripheral.
func New(cfg Config) (*Stream, error) {
	switch {
	case cfg.Peripheral == nil:
		return nil, errors.New("stream: nil peripheral")
	case cfg.Scheduler == nil:
		return nil, errors.New("stream: nil scheduler")
	case cfg.WriteCharacteristic == nil || cfg.ReadCharacteristic == nil:
		return nil, errors.New("stream: missing characteristic")
	case cfg.MaxWriteSize <= 0:
		return nil, errors.Errorf("stream: invalid max write size %d", cfg.MaxWriteSize)
	}

	s := &Stream{
		p:            cfg.Peripheral,
		dev:          cfg.Device,
		writeCh:      cfg.WriteCharacteristic,
		readCh:       cfg.ReadCharacteristic,
		sched:        cfg.Scheduler,
		throttle:     cfg.Throttle,
		busyThrottle: cfg.BusyThrottle,
		reasm:        packet.NewReassembler(),
		maxWriteSize: cfg.MaxWriteSize,
		log:          companion.ComponentLogger("stream", map[string]interface{}{"remote": cfg.Device.String()}),
	}
	if s.throttle <= 0 {
		s.throttle = DefaultThrottle
	}
	if s.busyThrottle <= 0 {
		s.busyThrottle = DefaultBusyThrottle
	}

	s.removeWrite = s.p.OnCharacteristicWrite(s.handleWrite)
	s.removeRead = s.p.OnCharacteristicRead(s.handleRead)
	return s, nil
}

// SetMessageListener replaces the message listener.
func (s *Stream) SetMessageListener(fn MessageListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// SetErrorListener replaces the error listener.
func (s *Stream) SetErrorListener(fn ErrorListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Device returns the remote device the stream talks to.
func (s *Stream) Device() companion.Device {
	return s.dev
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MaxWriteSize returns the size used when packetizing new messages.
func (s *Stream) MaxWriteSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxWriteSize
}

// SetMaxWriteSize changes the packet size for messages written from now on.
// Values <= 0 are ignored.
func (s *Stream) SetMaxWriteSize(size int) {
	if size <= 0 {
		s.log.Warnf("ignoring invalid max write size %d", size)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxWriteSize = size
}

// WriteMessage packetizes msg and queues it for sending.
func (s *Stream) WriteMessage(msg companion.DeviceMessage, op companion.OperationType) error {
	s.mu.Lock()
	if s.state == Closed || s.state == VersionMismatch {
		st := s.state
		s.mu.Unlock()
		return errors.Errorf("stream is %s", st)
	}

	id := s.ids.Next()
	ps, err := packet.MakePackets(MarshalMessage(msg, op), id, s.maxWriteSize)
	if err != nil {
		s.mu.Unlock()
		return errors.Wrapf(err, "packetize message %d", id)
	}
	s.queue = append(s.queue, ps...)
	s.mu.Unlock()

	s.log.Debugf("queued %s op %s as message %d in %d packets", msg, op, id, len(ps))
	s.scheduleDrain()
	return nil
}

// Close stops listening and drops anything still queued.
func (s *Stream) Close() {
	s.mu.Lock()
	s.state = Closed
	s.queue = nil
	s.inFlight = false
	rw, rr := s.removeWrite, s.removeRead
	s.removeWrite, s.removeRead = nil, nil
	s.mu.Unlock()

	if rw != nil {
		rw()
	}
	if rr != nil {
		rr()
	}
	s.reasm.Reset()
}

func (s *Stream) handleWrite(dev companion.Device, ch *companion.Characteristic, value []byte) {
	if !dev.Equal(s.dev) || ch == nil || ch.UUID != s.writeCh.UUID {
		return
	}
	b := append([]byte(nil), value...)
	s.sched.Post(func() { s.onWrite(b) })
}

func (s *Stream) handleRead(dev companion.Device, ch *companion.Characteristic) {
	if !dev.Equal(s.dev) || ch == nil || ch.UUID != s.readCh.UUID {
		return
	}
	s.sched.Post(s.onReadAck)
}

func (s *Stream) onWrite(value []byte) {
	switch s.State() {
	case AwaitingVersionExchange:
		s.processVersionExchange(value)
	case Ready:
		s.processPacket(value)
	default:
		s.log.Debugf("dropping %d bytes on %s stream", len(value), s.State())
	}
}

func (s *Stream) processVersionExchange(value []byte) {
	v, err := UnmarshalVersionExchange(value)
	if err != nil {
		s.reportError(errors.Wrap(err, "version exchange"))
		return
	}

	if !v.Supports() {
		s.mu.Lock()
		s.state = VersionMismatch
		s.queue = nil
		s.mu.Unlock()
		s.reportError(errors.Wrapf(ErrVersionMismatch, "peer supports %s", v))
		return
	}

	s.log.Debugf("peer supports %s", v)
	if err := s.p.NotifyCharacteristicChanged(s.dev, s.readCh, LocalVersion.Marshal(), false); err != nil {
		s.reportError(errors.Wrap(err, "send version exchange"))
		return
	}

	s.mu.Lock()
	if s.state == AwaitingVersionExchange {
		s.state = Ready
	}
	s.mu.Unlock()
	s.scheduleDrain()
}

func (s *Stream) processPacket(value []byte) {
	p, err := packet.Unmarshal(value)
	if err != nil {
		s.reportError(err)
		return
	}

	b, done, err := s.reasm.Add(p)
	if err != nil {
		s.reportError(err)
		return
	}
	if !done {
		return
	}

	msg, op, err := UnmarshalMessage(b)
	if err != nil {
		s.reportError(errors.Wrapf(err, "message %d", p.MessageID))
		return
	}

	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn == nil {
		s.log.Warnf("no listener for %s", msg)
		return
	}
	fn(msg, op)
}

func (s *Stream) onReadAck() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
	s.scheduleDrain()
}

func (s *Stream) scheduleDrain() {
	s.mu.Lock()
	if s.drainPending || s.inFlight || len(s.queue) == 0 || s.state != Ready {
		s.mu.Unlock()
		return
	}
	s.drainPending = true
	s.mu.Unlock()

	d := s.throttle
	if s.reasm.InProgress() {
		d = s.busyThrottle
	}
	s.sched.PostDelayed(s.drainOne, d)
}

func (s *Stream) drainOne() {
	s.mu.Lock()
	s.drainPending = false
	if s.inFlight || len(s.queue) == 0 || s.state != Ready {
		s.mu.Unlock()
		return
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight = true
	s.mu.Unlock()

	err := s.p.NotifyCharacteristicChanged(s.dev, s.readCh, p.Marshal(), false)
	if err == nil {
		return
	}

	// the rest of this message would arrive out of order
	s.mu.Lock()
	s.inFlight = false
	rest := s.queue[:0]
	for _, q := range s.queue {
		if q.MessageID != p.MessageID {
			rest = append(rest, q)
		}
	}
	s.queue = rest
	s.mu.Unlock()

	s.reportError(errors.Wrapf(err, "notify %s", p))
	s.scheduleDrain()
}

func (s *Stream) reportError(err error) {
	s.log.Warnf("stream error: %v", err)
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
