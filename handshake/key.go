package handshake

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"
	"github.com/rigado/companion/sliceops"
)

const (
	keySize      = 16
	gcmNonceSize = 12
)

// ErrDecrypt is returned when a ciphertext fails authentication.
var ErrDecrypt = errors.New("decryption failed")

// Key encrypts payloads once a session is established.
type Key interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)

	// Bytes is the form saved to storage.
	Bytes() []byte

	// UniqueSession identifies the session the key belongs to.
	UniqueSession() ([]byte, error)
}

type sessionKey struct {
	raw  []byte
	aead cipher.AEAD
}

// KeyFromBytes rebuilds a key saved with Bytes.
func KeyFromBytes(b []byte) (Key, error) {
	if len(b) != keySize {
		return nil, errors.Errorf("key length %d, want %d", len(b), keySize)
	}
	blk, err := aes.NewCipher(b)
	if err != nil {
		return nil, errors.Wrap(err, "aes")
	}
	a, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, errors.Wrap(err, "gcm")
	}
	return &sessionKey{raw: sliceops.Clone(b), aead: a}, nil
}

// Encrypt returns nonce | ciphertext.
func (k *sessionKey) Encrypt(plain []byte) ([]byte, error) {
	nonce, err := sliceops.Random(gcmNonceSize)
	if err != nil {
		return nil, err
	}
	return k.aead.Seal(nonce, nonce, plain, nil), nil
}

func (k *sessionKey) Decrypt(data []byte) ([]byte, error) {
	if len(data) < gcmNonceSize+k.aead.Overhead() {
		return nil, errors.Wrapf(ErrDecrypt, "ciphertext too short (%d)", len(data))
	}
	out, err := k.aead.Open(nil, data[:gcmNonceSize], data[gcmNonceSize:], nil)
	if err != nil {
		return nil, errors.Wrap(ErrDecrypt, err.Error())
	}
	return out, nil
}

func (k *sessionKey) Bytes() []byte {
	return sliceops.Clone(k.raw)
}

func (k *sessionKey) UniqueSession() ([]byte, error) {
	return aesCMAC(k.raw, []byte("session"))
}
