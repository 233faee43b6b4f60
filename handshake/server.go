package handshake

import (
	"github.com/pkg/errors"
)

// Server is the head unit side of the handshake.
type Server struct {
	exchange
	reconnect bool
}

// NewServer returns a runner for first time association.
func NewServer() *Server {
	return &Server{}
}

// NewReconnectServer returns a runner that resumes a stored session.
func NewReconnectServer() *Server {
	return &Server{reconnect: true}
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RespondToInitRequest consumes the client init and returns the server init.
func (s *Server) RespondToInitRequest(msg []byte) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.expect(Unknown); err != nil {
		return Message{State: s.state}, err
	}

	pub, nonce, err := decodeInit(msg)
	if err != nil {
		return s.fail(err)
	}
	if err := s.generate(); err != nil {
		return s.fail(err)
	}

	s.clientPub, s.clientNonce = append([]byte(nil), pub...), append([]byte(nil), nonce...)
	s.serverPub, s.serverNonce = s.pub, s.nonce
	if err := s.agree(s.clientPub); err != nil {
		return s.fail(err)
	}

	s.state = InProgress
	return Message{State: InProgress, NextMessage: encodeInit(s.pub, s.nonce)}, nil
}

// ContinueHandshake consumes the client finish. Association runners move to
// VerificationNeeded, reconnect runners to ResumingSession.
func (s *Server) ContinueHandshake(msg []byte) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.expect(InProgress); err != nil {
		return Message{State: s.state}, err
	}

	got, err := decodeFinish(msg)
	if err != nil {
		return s.fail(err)
	}
	want, err := s.confirm()
	if err != nil {
		return s.fail(err)
	}
	if !equal(got, want) {
		return s.fail(errors.Wrap(ErrMismatch, "client confirm"))
	}

	code, full, err := s.codes()
	if err != nil {
		return s.fail(err)
	}

	s.state = VerificationNeeded
	if s.reconnect {
		s.state = ResumingSession
	}
	return Message{State: s.state, VerificationCode: code, FullVerificationCode: full}, nil
}

// VerifyPin is called once the user, or the out-of-band check, accepted the
// verification code.
func (s *Server) VerifyPin() (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.expect(VerificationNeeded); err != nil {
		return Message{State: s.state}, err
	}

	key, err := KeyFromBytes(s.sessionKey)
	if err != nil {
		return s.fail(err)
	}
	s.state = Finished
	return Message{State: Finished, Key: key}, nil
}

// InvalidPin aborts the handshake.
func (s *Server) InvalidPin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Invalid
}

// AuthenticateReconnection checks the client authenticator against the key
// from the previous session and returns the server authenticator with the
// new key.
func (s *Server) AuthenticateReconnection(msg, previousKey []byte) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ResumingSession {
		return Message{State: s.state}, errors.Wrapf(ErrNotResuming, "in state %s", s.state)
	}
	return s.finishReconnect(msg, previousKey, "CLIENT", "SERVER")
}
