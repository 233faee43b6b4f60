// Package handshake implements the key agreement run over a secure channel:
// P-256 ECDH for the shared secret, AES-CMAC for confirmation and key
// derivation, and AES-GCM for session payloads.
package handshake

import (
	"github.com/pkg/errors"
	"github.com/rigado/companion/sliceops"
)

// State is where a runner is in the handshake.
type State int

const (
	Unknown State = iota
	InProgress
	VerificationNeeded
	Finished
	Invalid
	ResumingSession
	OobVerificationNeeded
)

func (s State) String() string {
	switch s {
	case InProgress:
		return "in progress"
	case VerificationNeeded:
		return "verification needed"
	case Finished:
		return "finished"
	case Invalid:
		return "invalid"
	case ResumingSession:
		return "resuming session"
	case OobVerificationNeeded:
		return "oob verification needed"
	}
	return "unknown"
}

// Message is what a runner step produces.
type Message struct {
	State State

	// NextMessage is sent to the peer, if set.
	NextMessage []byte

	VerificationCode     string
	FullVerificationCode []byte

	// Key is set once State is Finished.
	Key Key
}

var (
	ErrMalformed   = errors.New("malformed handshake message")
	ErrWrongState  = errors.New("handshake step out of order")
	ErrMismatch    = errors.New("handshake confirmation mismatch")
	ErrNotResuming = errors.New("runner is not resuming a session")
)

const wireVersion = 0x01

// init messages: version | public key | nonce
func encodeInit(pub, nonce []byte) []byte {
	return sliceops.Concat([]byte{wireVersion}, pub, nonce)
}

func decodeInit(b []byte) (pub, nonce []byte, err error) {
	if len(b) != 1+publicKeySize+nonceSize {
		return nil, nil, errors.Wrapf(ErrMalformed, "init length %d", len(b))
	}
	if b[0] != wireVersion {
		return nil, nil, errors.Wrapf(ErrMalformed, "init version %d", b[0])
	}
	return b[1 : 1+publicKeySize], b[1+publicKeySize:], nil
}

// finish message: version | confirm value
func encodeFinish(confirm []byte) []byte {
	return sliceops.Concat([]byte{wireVersion}, confirm)
}

func decodeFinish(b []byte) ([]byte, error) {
	if len(b) != 1+16 || b[0] != wireVersion {
		return nil, errors.Wrapf(ErrMalformed, "finish length %d", len(b))
	}
	return b[1:], nil
}
