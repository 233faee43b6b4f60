package handshake

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/companion/sliceops"
)

// exchange holds what both roles keep between steps.
type exchange struct {
	mu    sync.Mutex
	state State

	keys  *ecdhKeys
	pub   []byte
	nonce []byte

	clientPub   []byte
	serverPub   []byte
	clientNonce []byte
	serverNonce []byte

	macKey     []byte
	sessionKey []byte
}

func (e *exchange) generate() error {
	keys, err := generateKeys()
	if err != nil {
		return err
	}
	nonce, err := sliceops.Random(nonceSize)
	if err != nil {
		return err
	}
	e.keys = keys
	e.pub = marshalPublicKey(keys.public)
	e.nonce = nonce
	return nil
}

// agree computes the DH secret with the peer key and derives the session
// keys. Client and server fields must be set.
func (e *exchange) agree(remotePub []byte) error {
	pk, err := unmarshalPublicKey(remotePub)
	if err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	w, err := sharedSecret(e.keys.private, pk)
	if err != nil {
		return err
	}
	e.macKey, e.sessionKey, err = deriveKeys(w, e.clientNonce, e.serverNonce)
	return err
}

func (e *exchange) confirm() ([]byte, error) {
	return confirmValue(e.macKey, publicKeyX(e.clientPub), publicKeyX(e.serverPub), e.clientNonce, e.serverNonce)
}

func (e *exchange) codes() (string, []byte, error) {
	code, err := verificationCode(publicKeyX(e.clientPub), publicKeyX(e.serverPub), e.clientNonce, e.serverNonce)
	if err != nil {
		return "", nil, err
	}
	full, err := fullVerificationCode(e.macKey, publicKeyX(e.clientPub), publicKeyX(e.serverPub))
	if err != nil {
		return "", nil, err
	}
	return code, full, nil
}

func (e *exchange) session() ([]byte, error) {
	k, err := KeyFromBytes(e.sessionKey)
	if err != nil {
		return nil, err
	}
	return k.UniqueSession()
}

func (e *exchange) expect(states ...State) error {
	for _, s := range states {
		if e.state == s {
			return nil
		}
	}
	return errors.Wrapf(ErrWrongState, "in state %s", e.state)
}

// fail moves to Invalid and passes err through.
func (e *exchange) fail(err error) (Message, error) {
	e.state = Invalid
	return Message{State: Invalid}, err
}

// finishReconnect checks the peer's authenticator and derives the key for
// the resumed session.
func (e *exchange) finishReconnect(peerAuth, previousKey []byte, peerLabel, ownLabel string) (Message, error) {
	sess, err := e.session()
	if err != nil {
		return e.fail(err)
	}

	want, err := reconnectValue(previousKey, peerLabel, sess)
	if err != nil {
		return e.fail(err)
	}
	if !equal(want, peerAuth) {
		return e.fail(errors.Wrap(ErrMismatch, "reconnect authenticator"))
	}

	raw, err := reconnectValue(previousKey, "KEY", sess)
	if err != nil {
		return e.fail(err)
	}
	key, err := KeyFromBytes(raw)
	if err != nil {
		return e.fail(err)
	}

	msg := Message{State: Finished, Key: key}
	if ownLabel != "" {
		if msg.NextMessage, err = reconnectValue(previousKey, ownLabel, sess); err != nil {
			return e.fail(err)
		}
	}
	e.state = Finished
	return msg, nil
}
