// Package oob exchanges the key used to protect the verification code when
// association is confirmed over an out-of-band channel.
package oob

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/sliceops"
)

const (
	KeySize = 16
	IVSize  = 12

	// DataSize is the length of the exchanged blob: decrypt iv | encrypt iv | key.
	DataSize = 2*IVSize + KeySize
)

var (
	// ErrNotReady is returned before key material has been exchanged.
	ErrNotReady = errors.New("oob key not exchanged")

	// ErrVerificationCode is returned when a code fails to decrypt.
	ErrVerificationCode = errors.New("verification code does not authenticate")
)

// Channel delivers the exchange data to the phone.
type Channel interface {
	CompleteOobDataExchange(ctx context.Context, data []byte) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, data []byte) error

func (f ChannelFunc) CompleteOobDataExchange(ctx context.Context, data []byte) error {
	return f(ctx, data)
}

// ConnectionManager holds the key material for one out-of-band exchange.
type ConnectionManager struct {
	mu    sync.Mutex
	aead  cipher.AEAD
	encIV []byte
	decIV []byte
	log   companion.Logger
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{log: companion.ComponentLogger("oob", nil)}
}

// NewPeerConnectionManager builds the phone side from exchanged data. The
// peer encrypts with the iv this side decrypts with and the other way round.
func NewPeerConnectionManager(data []byte) (*ConnectionManager, error) {
	if len(data) != DataSize {
		return nil, errors.Errorf("oob data length %d, want %d", len(data), DataSize)
	}
	m := NewConnectionManager()
	if err := m.setKey(data[2*IVSize:], data[:IVSize], data[IVSize:2*IVSize]); err != nil {
		return nil, err
	}
	return m, nil
}

// StartOobExchange generates fresh key material and sends it over ch.
func (m *ConnectionManager) StartOobExchange(ctx context.Context, ch Channel) error {
	key, err := sliceops.Random(KeySize)
	if err != nil {
		return err
	}
	encIV, err := sliceops.Random(IVSize)
	if err != nil {
		return err
	}
	decIV, err := sliceops.Random(IVSize)
	if err != nil {
		return err
	}

	if err := m.setKey(key, encIV, decIV); err != nil {
		return err
	}

	if err := ch.CompleteOobDataExchange(ctx, sliceops.Concat(decIV, encIV, key)); err != nil {
		m.reset()
		return errors.Wrap(err, "oob data exchange")
	}

	m.log.Debug("oob data exchanged")
	return nil
}

func (m *ConnectionManager) EncryptVerificationCode(code []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aead == nil {
		return nil, ErrNotReady
	}
	return m.aead.Seal(nil, m.encIV, code, nil), nil
}

func (m *ConnectionManager) DecryptVerificationCode(data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aead == nil {
		return nil, ErrNotReady
	}
	out, err := m.aead.Open(nil, m.decIV, data, nil)
	if err != nil {
		return nil, errors.Wrap(ErrVerificationCode, err.Error())
	}
	return out, nil
}

func (m *ConnectionManager) setKey(key, encIV, decIV []byte) error {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return errors.Wrap(err, "oob key")
	}
	a, err := cipher.NewGCM(blk)
	if err != nil {
		return errors.Wrap(err, "oob gcm")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.aead = a
	m.encIV = sliceops.Clone(encIV)
	m.decIV = sliceops.Clone(decIV)
	return nil
}

func (m *ConnectionManager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aead, m.encIV, m.decIV = nil, nil, nil
}
