package loopback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/handshake"
	"github.com/rigado/companion/looper"
	"github.com/rigado/companion/oob"
	"github.com/rigado/companion/packet"
	"github.com/rigado/companion/sliceops"
	"github.com/rigado/companion/stream"
)

const (
	challengeSecretSize = 16
	deviceChallengeSize = 16
	defaultPhoneWrite   = 182

	// reconnect advertisement: truncated challenge | salt
	truncatedChallengeSize = 3
	saltSize               = 8
	paddedSaltSize         = 16
)

var (
	// ErrNotAdvertising is returned when connecting to a silent peripheral.
	ErrNotAdvertising = errors.New("peripheral is not advertising")

	// ErrUnknownAdvertisement is returned by Reconnect when the advertised
	// challenge was not made with this phone's secret.
	ErrUnknownAdvertisement = errors.New("advertisement is not for this phone")

	ErrNotAssociated = errors.New("phone has no association")
)

// Credentials is what a phone keeps from an association.
type Credentials struct {
	DeviceID uuid.UUID
	Secret   []byte
	Key      []byte
	CarID    uuid.UUID
}

// PhoneConfig describes the simulated phone.
type PhoneConfig struct {
	Device companion.Device

	// Scheduler should be the one the head unit runs on, so the phone's
	// writes are ordered after the head unit's handling of its events.
	Scheduler looper.Scheduler

	WriteCharacteristic uuid.UUID
	ReadCharacteristic  uuid.UUID
	ReconnectDataUUID   uuid.UUID

	// MaxWriteSize is the packet size the phone writes with.
	MaxWriteSize int

	OnVerificationCode func(code string)
	OnEstablished      func()
	OnMessage          func(msg companion.DeviceMessage)
	OnError            func(err error)
}

type mode int

const (
	modeAssociate mode = iota
	modeOobAssociate
	modeReconnect
)

type stage int

const (
	stageIdle stage = iota
	stageVersion
	stageChallenge
	stageServerInit
	stageOobCode
	stageCarID
	stageServerAuth
	stageDone
	stageFailed
)

// Phone plays the central side: version exchange, packetization and the
// client half of every handshake. Everything it receives is handled on the
// scheduler.
type Phone struct {
	cfg PhoneConfig
	log companion.Logger

	mu       sync.Mutex
	p        *Peripheral
	writeCh  *companion.Characteristic
	readCh   *companion.Characteristic
	ids      packet.IDGenerator
	reasm    *packet.Reassembler
	mode     mode
	stage    stage
	client   *handshake.Client
	key      handshake.Key
	creds    Credentials
	oob      *oob.ConnectionManager
	code     string
	fullCode []byte
	response []byte
	nonce    []byte
	received []companion.DeviceMessage
	err      error
}

// NewPhone returns a phone with a fresh identity.
func NewPhone(cfg PhoneConfig) (*Phone, error) {
	secret, err := sliceops.Random(challengeSecretSize)
	if err != nil {
		return nil, err
	}
	return NewAssociatedPhone(cfg, Credentials{DeviceID: uuid.New(), Secret: secret})
}

// NewAssociatedPhone returns a phone that remembers an earlier association.
func NewAssociatedPhone(cfg PhoneConfig, creds Credentials) (*Phone, error) {
	if cfg.Scheduler == nil {
		return nil, errors.New("phone: nil scheduler")
	}
	if cfg.MaxWriteSize <= 0 {
		cfg.MaxWriteSize = defaultPhoneWrite
	}
	return &Phone{
		cfg:   cfg,
		creds: creds,
		reasm: packet.NewReassembler(),
		log:   companion.ComponentLogger("phone", map[string]interface{}{"remote": cfg.Device.String()}),
	}, nil
}

// OobChannel is the out-of-band link the head unit sends its key over.
func (ph *Phone) OobChannel() oob.Channel {
	return oob.ChannelFunc(func(_ context.Context, data []byte) error {
		m, err := oob.NewPeerConnectionManager(data)
		if err != nil {
			return err
		}
		ph.mu.Lock()
		defer ph.mu.Unlock()
		ph.oob = m
		return nil
	})
}

// Associate connects to an association advertisement.
func (ph *Phone) Associate(p *Peripheral) error {
	return ph.connect(p, modeAssociate)
}

// AssociateOutOfBand connects after the out-of-band key has arrived.
func (ph *Phone) AssociateOutOfBand(p *Peripheral) error {
	ph.mu.Lock()
	ready := ph.oob != nil
	ph.mu.Unlock()
	if !ready {
		return oob.ErrNotReady
	}
	return ph.connect(p, modeOobAssociate)
}

// Reconnect checks that the advertisement carries a challenge for this
// phone and connects.
func (ph *Phone) Reconnect(p *Peripheral) error {
	ph.mu.Lock()
	creds := ph.creds
	ph.mu.Unlock()
	if len(creds.Key) == 0 {
		return ErrNotAssociated
	}

	adv := p.Advertisement()
	if adv == nil {
		return ErrNotAdvertising
	}
	data, ok := adv.Fields.ServiceDataFor(ph.cfg.ReconnectDataUUID)
	if !ok || len(data) != truncatedChallengeSize+saltSize {
		return errors.Wrap(ErrUnknownAdvertisement, "no reconnect data")
	}

	mac := hmac.New(sha256.New, creds.Secret)
	mac.Write(sliceops.PadRight(data[truncatedChallengeSize:], paddedSaltSize))
	resp := mac.Sum(nil)
	if !hmac.Equal(resp[:truncatedChallengeSize], data[:truncatedChallengeSize]) {
		return ErrUnknownAdvertisement
	}

	nonce, err := sliceops.Random(deviceChallengeSize)
	if err != nil {
		return err
	}
	ph.mu.Lock()
	ph.response, ph.nonce = resp, nonce
	ph.mu.Unlock()
	return ph.connect(p, modeReconnect)
}

func (ph *Phone) connect(p *Peripheral, m mode) error {
	adv := p.Advertisement()
	if adv == nil || adv.Service == nil {
		return ErrNotAdvertising
	}
	w := adv.Service.Characteristic(ph.cfg.WriteCharacteristic)
	r := adv.Service.Characteristic(ph.cfg.ReadCharacteristic)
	if w == nil || r == nil {
		return errors.New("advertised service lacks the message characteristics")
	}

	ph.mu.Lock()
	ph.p, ph.writeCh, ph.readCh = p, w, r
	ph.mode, ph.stage = m, stageVersion
	ph.client = handshake.NewClient()
	ph.key, ph.err = nil, nil
	ph.reasm.Reset()
	ph.mu.Unlock()

	if err := p.Connect(ph.cfg.Device, ph.onNotify); err != nil {
		return err
	}
	// queued behind the connection event so the head unit's stream exists
	ph.cfg.Scheduler.Post(func() {
		ph.log.Debug("sending version exchange")
		p.Write(ph.cfg.Device, w, stream.LocalVersion.Marshal())
	})
	return nil
}

// Disconnect drops the connection.
func (ph *Phone) Disconnect() {
	ph.mu.Lock()
	p := ph.p
	ph.mu.Unlock()
	if p != nil {
		p.Disconnect(ph.cfg.Device)
	}
}

// Send writes an encrypted client message.
func (ph *Phone) Send(recipient uuid.UUID, payload []byte) error {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	if ph.stage != stageDone || ph.key == nil {
		return errors.New("phone: channel not established")
	}
	b, err := ph.key.Encrypt(payload)
	if err != nil {
		return err
	}
	return ph.write(companion.NewDeviceMessage(recipient, true, b), companion.OperationClientMessage)
}

func (ph *Phone) Established() bool {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.stage == stageDone
}

func (ph *Phone) Credentials() Credentials {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	c := ph.creds
	c.Secret, c.Key = sliceops.Clone(c.Secret), sliceops.Clone(c.Key)
	return c
}

func (ph *Phone) VerificationCode() string {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.code
}

// Received returns the decrypted client messages so far.
func (ph *Phone) Received() []companion.DeviceMessage {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return append([]companion.DeviceMessage(nil), ph.received...)
}

func (ph *Phone) Err() error {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.err
}

func (ph *Phone) onNotify(value []byte) {
	ph.cfg.Scheduler.Post(func() {
		ph.handleNotify(value)

		ph.mu.Lock()
		p, r := ph.p, ph.readCh
		ph.mu.Unlock()
		if p != nil {
			p.Read(ph.cfg.Device, r)
		}
	})
}

func (ph *Phone) handleNotify(value []byte) {
	ph.mu.Lock()
	hook, err := ph.receive(value)
	if err != nil {
		ph.stage, ph.err = stageFailed, err
	}
	ph.mu.Unlock()

	if err != nil {
		ph.log.Errorf("phone failed: %v", err)
		if ph.cfg.OnError != nil {
			ph.cfg.OnError(err)
		}
		return
	}
	if hook != nil {
		hook()
	}
}

// receive handles one notification with the lock held. The returned
// function, if any, is called once the lock is released.
func (ph *Phone) receive(value []byte) (func(), error) {
	switch ph.stage {
	case stageFailed, stageIdle:
		return nil, nil
	case stageVersion:
		v, err := stream.UnmarshalVersionExchange(value)
		if err != nil {
			return nil, err
		}
		if !v.Supports() {
			return nil, stream.ErrVersionMismatch
		}
		return nil, ph.start()
	}

	pk, err := packet.Unmarshal(value)
	if err != nil {
		return nil, err
	}
	b, done, err := ph.reasm.Add(pk)
	if err != nil || !done {
		return nil, err
	}
	msg, op, err := stream.UnmarshalMessage(b)
	if err != nil {
		return nil, err
	}

	switch op {
	case companion.OperationClientMessage:
		return ph.receiveClientMessage(msg)
	case companion.OperationEncryptionHandshake:
		return ph.step(msg)
	}
	return nil, errors.Errorf("unexpected operation %s", op)
}

func (ph *Phone) start() error {
	if ph.mode == modeReconnect {
		ph.stage = stageChallenge
		return ph.writeHandshake(sliceops.Concat(ph.response, ph.nonce), false)
	}
	m, err := ph.client.InitHandshake()
	if err != nil {
		return err
	}
	ph.stage = stageServerInit
	return ph.writeHandshake(m.NextMessage, false)
}

func (ph *Phone) step(msg companion.DeviceMessage) (func(), error) {
	switch ph.stage {
	case stageChallenge:
		mac := hmac.New(sha256.New, ph.creds.Secret)
		mac.Write(ph.nonce)
		if !hmac.Equal(mac.Sum(nil), msg.Payload) {
			return nil, errors.New("head unit failed the device challenge")
		}
		m, err := ph.client.InitHandshake()
		if err != nil {
			return nil, err
		}
		ph.stage = stageServerInit
		return nil, ph.writeHandshake(m.NextMessage, false)

	case stageServerInit:
		m, err := ph.client.ContinueHandshake(msg.Payload)
		if err != nil {
			return nil, err
		}
		ph.code, ph.fullCode = m.VerificationCode, m.FullVerificationCode
		if err := ph.writeHandshake(m.NextMessage, false); err != nil {
			return nil, err
		}
		switch ph.mode {
		case modeOobAssociate:
			ph.stage = stageOobCode
		case modeReconnect:
			auth, err := ph.client.InitReconnectAuthentication(ph.creds.Key)
			if err != nil {
				return nil, err
			}
			ph.stage = stageServerAuth
			return nil, ph.writeHandshake(auth, false)
		default:
			ph.stage = stageCarID
			if fn, code := ph.cfg.OnVerificationCode, m.VerificationCode; fn != nil {
				return func() { fn(code) }, nil
			}
		}
		return nil, nil

	case stageOobCode:
		got, err := ph.oob.DecryptVerificationCode(msg.Payload)
		if err != nil {
			return nil, err
		}
		if !hmac.Equal(got, ph.fullCode) {
			return nil, errors.New("out-of-band verification code mismatch")
		}
		enc, err := ph.oob.EncryptVerificationCode(ph.fullCode)
		if err != nil {
			return nil, err
		}
		ph.stage = stageCarID
		return nil, ph.writeHandshake(enc, false)

	case stageCarID:
		m, err := ph.client.VerifyPin()
		if err != nil {
			return nil, err
		}
		ph.key = m.Key
		plain, err := ph.key.Decrypt(msg.Payload)
		if err != nil {
			return nil, err
		}
		carID, err := uuid.FromBytes(plain)
		if err != nil {
			return nil, errors.Wrap(err, "head unit id")
		}
		ph.creds.CarID, ph.creds.Key = carID, ph.key.Bytes()
		if err := ph.writeHandshake(sliceops.Concat(ph.creds.DeviceID[:], ph.creds.Secret), true); err != nil {
			return nil, err
		}
		return ph.done(), nil

	case stageServerAuth:
		m, err := ph.client.AuthenticateReconnection(msg.Payload, ph.creds.Key)
		if err != nil {
			return nil, err
		}
		ph.key = m.Key
		ph.creds.Key = m.Key.Bytes()
		return ph.done(), nil
	}
	return nil, errors.Errorf("handshake message in stage %d", ph.stage)
}

func (ph *Phone) done() func() {
	ph.stage = stageDone
	ph.log.Info("secure channel established")
	return ph.cfg.OnEstablished
}

func (ph *Phone) receiveClientMessage(msg companion.DeviceMessage) (func(), error) {
	if ph.stage != stageDone {
		return nil, errors.New("client message before the channel was established")
	}
	if msg.Encrypted {
		plain, err := ph.key.Decrypt(msg.Payload)
		if err != nil {
			return nil, err
		}
		msg = msg.WithPayload(false, plain)
	}
	ph.received = append(ph.received, msg)
	if fn := ph.cfg.OnMessage; fn != nil {
		return func() { fn(msg) }, nil
	}
	return nil, nil
}

func (ph *Phone) writeHandshake(payload []byte, encrypt bool) error {
	if encrypt {
		b, err := ph.key.Encrypt(payload)
		if err != nil {
			return err
		}
		payload = b
	}
	return ph.write(companion.NewDeviceMessage(uuid.Nil, encrypt, payload), companion.OperationEncryptionHandshake)
}

// write packetizes and writes msg. Called with the lock held.
func (ph *Phone) write(msg companion.DeviceMessage, op companion.OperationType) error {
	ps, err := packet.MakePackets(stream.MarshalMessage(msg, op), ph.ids.Next(), ph.cfg.MaxWriteSize)
	if err != nil {
		return err
	}
	for _, pk := range ps {
		ph.p.Write(ph.cfg.Device, ph.writeCh, pk.Marshal())
	}
	return nil
}
