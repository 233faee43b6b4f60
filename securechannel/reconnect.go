package securechannel

import (
	"crypto/subtle"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/handshake"
)

// ReconnectChannel resumes a session with an associated phone. The first
// message from the phone is the response to the advertised challenge
// followed by a challenge for this side.
type ReconnectChannel struct {
	*channel

	deviceID uuid.UUID
	expected []byte
	verified bool
}

// NewReconnectChannel expects the phone to answer challenge, the full hash
// whose prefix was advertised.
func NewReconnectChannel(s MessageStream, st companion.Storage, r EncryptionRunner, deviceID uuid.UUID, challenge []byte) *ReconnectChannel {
	c := &ReconnectChannel{
		channel:  newChannel(s, st, r, "reconnect"),
		deviceID: deviceID,
		expected: append([]byte(nil), challenge...),
	}
	c.log = c.log.ChildLogger(map[string]interface{}{"device": deviceID.String()})
	c.process = c.processHandshake
	return c
}

// DeviceID is the device being reconnected.
func (c *ReconnectChannel) DeviceID() uuid.UUID {
	return c.deviceID
}

func (c *ReconnectChannel) processHandshake(payload []byte) {
	c.mu.Lock()
	verified := c.verified
	c.mu.Unlock()
	if !verified {
		c.verifyDevice(payload)
		return
	}

	switch st := c.State(); st {
	case handshake.Unknown:
		c.respondToInit(payload)
	case handshake.InProgress:
		c.continueHandshake(payload)
	case handshake.ResumingSession:
		c.resume(payload)
	default:
		c.fail(companion.ErrorInvalidState, errors.Errorf("handshake message in state %s", st))
	}
}

func (c *ReconnectChannel) verifyDevice(payload []byte) {
	n := len(c.expected)
	if n == 0 || len(payload) <= n {
		c.fail(companion.ErrorInvalidHandshake, errors.Errorf("challenge message is %d bytes", len(payload)))
		return
	}
	if subtle.ConstantTimeCompare(payload[:n], c.expected) != 1 {
		c.fail(companion.ErrorInvalidHandshake, errors.New("challenge response mismatch"))
		return
	}

	resp, err := c.storage.HashWithChallengeSecret(c.deviceID, payload[n:])
	if err != nil {
		c.fail(companion.ErrorStorageFailure, errors.Wrap(err, "hash device challenge"))
		return
	}

	c.mu.Lock()
	c.verified = true
	c.mu.Unlock()

	c.log.Debug("device challenge verified")
	if err := c.sendHandshake(resp, false); err != nil {
		c.fail(companion.ErrorInvalidMessage, errors.Wrap(err, "send challenge response"))
	}
}

func (c *ReconnectChannel) continueHandshake(payload []byte) {
	m, err := c.runner.ContinueHandshake(payload)
	if err != nil {
		c.fail(companion.ErrorInvalidHandshake, err)
		return
	}
	if m.State != handshake.ResumingSession {
		c.fail(companion.ErrorInvalidState, errors.Errorf("continue handshake returned %s", m.State))
		return
	}
	c.setState(handshake.ResumingSession)
}

func (c *ReconnectChannel) resume(payload []byte) {
	prev, err := c.storage.EncryptionKey(c.deviceID)
	if err == nil && len(prev) == 0 {
		err = companion.ErrNotFound
	}
	if err != nil {
		c.fail(companion.ErrorInvalidEncryptionKey, errors.Wrap(err, "previous key"))
		return
	}

	m, err := c.runner.AuthenticateReconnection(payload, prev)
	if err != nil {
		c.fail(companion.ErrorInvalidHandshake, err)
		return
	}
	if m.State != handshake.Finished {
		c.fail(companion.ErrorInvalidState, errors.Errorf("reconnection left runner in state %s", m.State))
		return
	}
	if m.Key == nil {
		c.fail(companion.ErrorInvalidEncryptionKey, errors.New("reconnection produced no key"))
		return
	}
	if err := c.storage.SaveEncryptionKey(c.deviceID, m.Key.Bytes()); err != nil {
		c.fail(companion.ErrorStorageFailure, errors.Wrap(err, "save encryption key"))
		return
	}

	c.setKey(m.Key)
	c.setState(handshake.Finished)
	if err := c.sendHandshake(m.NextMessage, false); err != nil {
		c.fail(companion.ErrorInvalidMessage, errors.Wrap(err, "send server authentication"))
		return
	}
	c.established()
}
