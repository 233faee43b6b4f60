package handshake

import (
	"github.com/pkg/errors"
)

// Client is the phone side of the handshake.
type Client struct {
	exchange
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InitHandshake returns the client init message.
func (c *Client) InitHandshake() (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(Unknown); err != nil {
		return Message{State: c.state}, err
	}
	if err := c.generate(); err != nil {
		return c.fail(err)
	}

	c.clientPub, c.clientNonce = c.pub, c.nonce
	c.state = InProgress
	return Message{State: InProgress, NextMessage: encodeInit(c.pub, c.nonce)}, nil
}

// ContinueHandshake consumes the server init and returns the client finish
// together with the verification codes.
func (c *Client) ContinueHandshake(msg []byte) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(InProgress); err != nil {
		return Message{State: c.state}, err
	}

	pub, nonce, err := decodeInit(msg)
	if err != nil {
		return c.fail(err)
	}
	c.serverPub, c.serverNonce = append([]byte(nil), pub...), append([]byte(nil), nonce...)
	if err := c.agree(c.serverPub); err != nil {
		return c.fail(err)
	}

	conf, err := c.confirm()
	if err != nil {
		return c.fail(err)
	}
	code, full, err := c.codes()
	if err != nil {
		return c.fail(err)
	}

	c.state = VerificationNeeded
	return Message{
		State:                VerificationNeeded,
		NextMessage:          encodeFinish(conf),
		VerificationCode:     code,
		FullVerificationCode: full,
	}, nil
}

func (c *Client) VerifyPin() (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(VerificationNeeded); err != nil {
		return Message{State: c.state}, err
	}
	key, err := KeyFromBytes(c.sessionKey)
	if err != nil {
		return c.fail(err)
	}
	c.state = Finished
	return Message{State: Finished, Key: key}, nil
}

// InitReconnectAuthentication returns the client authenticator for a
// resumed session.
func (c *Client) InitReconnectAuthentication(previousKey []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.expect(VerificationNeeded); err != nil {
		return nil, err
	}
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	auth, err := reconnectValue(previousKey, "CLIENT", sess)
	if err != nil {
		return nil, err
	}
	c.state = ResumingSession
	return auth, nil
}

// AuthenticateReconnection checks the server authenticator and returns the
// new key.
func (c *Client) AuthenticateReconnection(msg, previousKey []byte) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ResumingSession {
		return Message{State: c.state}, errors.Wrapf(ErrNotResuming, "in state %s", c.state)
	}
	return c.finishReconnect(msg, previousKey, "SERVER", "")
}
