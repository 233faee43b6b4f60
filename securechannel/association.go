package securechannel

import (
	"crypto/subtle"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/handshake"
)

// deviceIDSize is the length of the device id at the start of the phone's
// final association message. The challenge secret follows it.
const deviceIDSize = 16

// AssociationChannel establishes a channel with a phone that has never been
// associated. The user compares the verification code on both screens and
// the caller confirms with NotifyOutOfBandAccepted.
type AssociationChannel struct {
	*channel

	showCode     func(code string)
	onCodeNeeded func(m handshake.Message)
	fullCode     []byte
}

func NewAssociationChannel(s MessageStream, st companion.Storage, r EncryptionRunner) *AssociationChannel {
	c := &AssociationChannel{channel: newChannel(s, st, r, "association")}
	c.onCodeNeeded = c.displayCode
	c.process = c.processHandshake
	return c
}

// SetShowVerificationCodeListener sets the function shown the 6 digit code.
func (c *AssociationChannel) SetShowVerificationCodeListener(fn func(code string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.showCode = fn
}

// NotifyOutOfBandAccepted confirms the verification code. The session key is
// installed and this side's unique id is sent to the phone.
func (c *AssociationChannel) NotifyOutOfBandAccepted() {
	m, err := c.runner.VerifyPin()
	if err != nil {
		c.fail(companion.ErrorInvalidVerification, err)
		return
	}
	if m.State != handshake.Finished {
		c.fail(companion.ErrorInvalidState, errors.Errorf("verify pin left runner in state %s", m.State))
		return
	}
	if m.Key == nil {
		c.fail(companion.ErrorInvalidEncryptionKey, errors.New("verify pin produced no key"))
		return
	}
	c.setKey(m.Key)
	c.setState(handshake.Finished)

	id, err := c.storage.UniqueID()
	if err != nil {
		c.fail(companion.ErrorStorageFailure, errors.Wrap(err, "unique id"))
		return
	}
	if err := c.sendHandshake(id[:], true); err != nil {
		c.fail(companion.ErrorInvalidMessage, errors.Wrap(err, "send unique id"))
	}
}

func (c *AssociationChannel) processHandshake(payload []byte) {
	switch st := c.State(); st {
	case handshake.Unknown:
		c.respondToInit(payload)
	case handshake.InProgress:
		c.continueHandshake(payload)
	case handshake.Finished:
		c.processDeviceIDAndSecret(payload)
	default:
		c.fail(companion.ErrorInvalidState, errors.Errorf("handshake message in state %s", st))
	}
}

func (c *AssociationChannel) continueHandshake(payload []byte) {
	m, err := c.runner.ContinueHandshake(payload)
	if err != nil {
		c.fail(companion.ErrorInvalidHandshake, err)
		return
	}
	if m.State != handshake.VerificationNeeded {
		c.fail(companion.ErrorInvalidState, errors.Errorf("continue handshake returned %s", m.State))
		return
	}
	if m.VerificationCode == "" {
		c.fail(companion.ErrorInvalidVerification, errors.New("empty verification code"))
		return
	}
	c.setState(handshake.VerificationNeeded)
	c.onCodeNeeded(m)
}

func (c *AssociationChannel) displayCode(m handshake.Message) {
	c.mu.Lock()
	show := c.showCode
	c.mu.Unlock()

	if show == nil {
		c.fail(companion.ErrorInvalidState, errors.New("no verification code listener"))
		return
	}
	c.log.Debug("verification code available")
	show(m.VerificationCode)
}

func (c *AssociationChannel) processDeviceIDAndSecret(payload []byte) {
	if len(payload) <= deviceIDSize {
		c.fail(companion.ErrorInvalidDeviceID, errors.Errorf("device id message is %d bytes", len(payload)))
		return
	}
	id, err := uuid.FromBytes(payload[:deviceIDSize])
	if err != nil {
		c.fail(companion.ErrorInvalidDeviceID, err)
		return
	}
	secret := payload[deviceIDSize:]

	if err := c.storage.SaveChallengeSecret(id, secret); err != nil {
		c.fail(companion.ErrorStorageFailure, errors.Wrap(err, "save challenge secret"))
		return
	}
	if err := c.storage.SaveEncryptionKey(id, c.currentKey().Bytes()); err != nil {
		c.fail(companion.ErrorStorageFailure, errors.Wrap(err, "save encryption key"))
		return
	}

	c.log.Infof("received device id %s", id)
	c.deviceIDReceived(id)
	c.established()
}

// OobAssociationChannel confirms the verification code over an out-of-band
// channel instead of asking the user. Both sides exchange the full code
// encrypted with the out-of-band key.
type OobAssociationChannel struct {
	*AssociationChannel
	oob OobManager
}

// OobManager encrypts and decrypts the full verification code.
type OobManager interface {
	EncryptVerificationCode(code []byte) ([]byte, error)
	DecryptVerificationCode(data []byte) ([]byte, error)
}

func NewOobAssociationChannel(s MessageStream, st companion.Storage, r EncryptionRunner, oob OobManager) *OobAssociationChannel {
	a := NewAssociationChannel(s, st, r)
	a.log = a.log.ChildLogger(map[string]interface{}{"oob": true})
	c := &OobAssociationChannel{AssociationChannel: a, oob: oob}
	a.onCodeNeeded = c.sendEncryptedCode
	a.process = c.processHandshake
	return c
}

func (c *OobAssociationChannel) processHandshake(payload []byte) {
	if c.State() == handshake.OobVerificationNeeded {
		c.confirmOobCode(payload)
		return
	}
	c.AssociationChannel.processHandshake(payload)
}

func (c *OobAssociationChannel) sendEncryptedCode(m handshake.Message) {
	enc, err := c.oob.EncryptVerificationCode(m.FullVerificationCode)
	if err != nil {
		c.fail(companion.ErrorInvalidVerification, errors.Wrap(err, "encrypt verification code"))
		return
	}

	c.mu.Lock()
	c.fullCode = append([]byte(nil), m.FullVerificationCode...)
	c.mu.Unlock()

	c.setState(handshake.OobVerificationNeeded)
	if err := c.sendHandshake(enc, false); err != nil {
		c.fail(companion.ErrorInvalidMessage, errors.Wrap(err, "send verification code"))
	}
}

func (c *OobAssociationChannel) confirmOobCode(payload []byte) {
	got, err := c.oob.DecryptVerificationCode(payload)
	if err != nil {
		c.runner.InvalidPin()
		c.fail(companion.ErrorInvalidVerification, err)
		return
	}

	c.mu.Lock()
	want := c.fullCode
	c.mu.Unlock()

	if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
		c.runner.InvalidPin()
		c.fail(companion.ErrorInvalidVerification, errors.New("verification code mismatch"))
		return
	}

	c.log.Debug("out-of-band verification code confirmed")
	c.setState(handshake.VerificationNeeded)
	c.NotifyOutOfBandAccepted()
}
