// Package securechannel runs the handshake over a message stream and gates
// application messages until the channel is established.
package securechannel

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/handshake"
	"github.com/rigado/companion/stream"
)

// ErrNotEstablished is returned when sending encrypted data without a key.
var ErrNotEstablished = errors.New("secure channel has not been established")

// EncryptionRunner performs the cryptographic side of the handshake.
type EncryptionRunner interface {
	RespondToInitRequest(msg []byte) (handshake.Message, error)
	ContinueHandshake(msg []byte) (handshake.Message, error)
	VerifyPin() (handshake.Message, error)
	InvalidPin()
	AuthenticateReconnection(msg, previousKey []byte) (handshake.Message, error)
}

// RunnerFactory builds a runner for association or reconnection.
type RunnerFactory func(reconnect bool) EncryptionRunner

// DefaultRunnerFactory returns the handshake package runners.
func DefaultRunnerFactory(reconnect bool) EncryptionRunner {
	if reconnect {
		return handshake.NewReconnectServer()
	}
	return handshake.NewServer()
}

// MessageStream is the part of stream.Stream a channel needs.
type MessageStream interface {
	WriteMessage(msg companion.DeviceMessage, op companion.OperationType) error
	SetMessageListener(fn stream.MessageListener)
}

// Callback receives channel events.
type Callback interface {
	OnSecureChannelEstablished()
	OnEstablishSecureChannelFailure(code companion.ErrorCode)
	OnMessageReceived(msg companion.DeviceMessage)
	OnMessageReceivedError(err error)
	OnDeviceIDReceived(deviceID uuid.UUID)
}

// SecureChannel is implemented by every channel variant.
type SecureChannel interface {
	RegisterCallback(cb Callback)
	UnregisterCallback(cb Callback)
	SendClientMessage(msg companion.DeviceMessage) error
	Stream() MessageStream
	State() handshake.State
}

// channel is the logic shared by the variants. process handles a
// decrypted handshake payload.
type channel struct {
	stream  MessageStream
	storage companion.Storage
	runner  EncryptionRunner
	log     companion.Logger
	process func(payload []byte)

	mu     sync.Mutex
	state  handshake.State
	key    handshake.Key
	cb     Callback
	failed bool
	open   bool
}

func newChannel(s MessageStream, st companion.Storage, r EncryptionRunner, name string) *channel {
	c := &channel{
		stream:  s,
		storage: st,
		runner:  r,
		log:     companion.ComponentLogger("securechannel", map[string]interface{}{"variant": name}),
	}
	s.SetMessageListener(c.onMessage)
	return c
}

func (c *channel) RegisterCallback(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *channel) UnregisterCallback(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cb == cb {
		c.cb = nil
	}
}

func (c *channel) Stream() MessageStream {
	return c.stream
}

func (c *channel) State() handshake.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *channel) setState(s handshake.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *channel) setKey(k handshake.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = k
}

func (c *channel) currentKey() handshake.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

func (c *channel) callback() Callback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

// SendClientMessage writes an application message, encrypting it first if
// it is flagged as encrypted.
func (c *channel) SendClientMessage(msg companion.DeviceMessage) error {
	if msg.Encrypted {
		k := c.currentKey()
		if k == nil {
			return ErrNotEstablished
		}
		b, err := k.Encrypt(msg.Payload)
		if err != nil {
			return errors.Wrap(err, "encrypt client message")
		}
		msg = msg.WithPayload(true, b)
	}
	return c.stream.WriteMessage(msg, companion.OperationClientMessage)
}

func (c *channel) onMessage(msg companion.DeviceMessage, op companion.OperationType) {
	c.mu.Lock()
	failed := c.failed
	c.mu.Unlock()
	if failed {
		c.log.Debugf("dropping %s after channel failure", op)
		return
	}

	switch op {
	case companion.OperationEncryptionHandshake:
		payload, ok := c.decrypt(msg)
		if !ok {
			return
		}
		c.process(payload)
	case companion.OperationClientMessage:
		if !c.isOpen() {
			c.messageError(errors.Wrap(ErrNotEstablished, "client message"))
			return
		}
		payload, ok := c.decrypt(msg)
		if !ok {
			return
		}
		if cb := c.callback(); cb != nil {
			cb.OnMessageReceived(msg.WithPayload(false, payload))
		}
	default:
		c.log.Errorf("received unexpected operation type %s", op)
	}
}

func (c *channel) decrypt(msg companion.DeviceMessage) ([]byte, bool) {
	if !msg.Encrypted {
		return msg.Payload, true
	}

	k := c.currentKey()
	if k == nil {
		c.messageError(errors.Wrap(ErrNotEstablished, "encrypted message"))
		return nil, false
	}
	b, err := k.Decrypt(msg.Payload)
	if err != nil {
		c.messageError(errors.Wrap(err, "decrypt message"))
		return nil, false
	}
	return b, true
}

func (c *channel) messageError(err error) {
	c.log.Errorf("message error: %v", err)
	if cb := c.callback(); cb != nil {
		cb.OnMessageReceivedError(err)
	}
}

func (c *channel) fail(code companion.ErrorCode, err error) {
	c.mu.Lock()
	c.failed = true
	c.open = false
	c.state = handshake.Invalid
	c.mu.Unlock()

	c.log.Errorf("secure channel error %d (%s): %v", int(code), code, err)
	if cb := c.callback(); cb != nil {
		cb.OnEstablishSecureChannelFailure(code)
	}
}

func (c *channel) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *channel) established() {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()

	c.log.Info("secure channel established")
	if cb := c.callback(); cb != nil {
		cb.OnSecureChannelEstablished()
	}
}

func (c *channel) deviceIDReceived(id uuid.UUID) {
	if cb := c.callback(); cb != nil {
		cb.OnDeviceIDReceived(id)
	}
}

// sendHandshake writes a handshake payload, encrypting it when asked.
func (c *channel) sendHandshake(payload []byte, encrypt bool) error {
	if payload == nil {
		return errors.New("nil handshake message")
	}
	if encrypt {
		k := c.currentKey()
		if k == nil {
			return ErrNotEstablished
		}
		b, err := k.Encrypt(payload)
		if err != nil {
			return err
		}
		payload = b
	}
	return c.stream.WriteMessage(companion.NewDeviceMessage(uuid.Nil, encrypt, payload), companion.OperationEncryptionHandshake)
}

// respondToInit handles the client init common to every variant.
func (c *channel) respondToInit(payload []byte) {
	c.log.Debug("responding to handshake init request")
	m, err := c.runner.RespondToInitRequest(payload)
	if err != nil {
		c.fail(companion.ErrorInvalidHandshake, err)
		return
	}
	c.setState(m.State)
	if err := c.sendHandshake(m.NextMessage, false); err != nil {
		c.fail(companion.ErrorInvalidMessage, err)
	}
}
