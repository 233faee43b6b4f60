package handshake

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
	"github.com/rigado/companion/sliceops"
)

const nonceSize = 16

var (
	keyIDLabel = []byte("cdmk")
	// derivation salt for the DH secret
	dhSalt = []byte{0x6c, 0x88, 0x83, 0x91, 0xaa, 0xf5, 0xa5, 0x38,
		0x60, 0x37, 0x0b, 0xdb, 0x5a, 0x60, 0x83, 0xbe}
)

func aesCMAC(key, msg []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	m, err := cmac.New(c)
	if err != nil {
		return nil, err
	}

	m.Write(msg)
	return m.Sum(nil), nil
}

// confirmValue binds the client to both public keys before the session
// key is used.
func confirmValue(macKey, clientX, serverX, nc, ns []byte) ([]byte, error) {
	if len(clientX) != 32 || len(serverX) != 32 || len(nc) != nonceSize || len(ns) != nonceSize {
		return nil, fmt.Errorf("length error")
	}
	return aesCMAC(macKey, sliceops.Concat([]byte{0x00}, clientX, serverX, nc, ns))
}

// deriveKeys turns the DH secret into a mac key and a session key.
func deriveKeys(w, nc, ns []byte) ([]byte, []byte, error) {
	switch {
	case len(w) != 32:
		return nil, nil, fmt.Errorf("length error w")
	case len(nc) != nonceSize:
		return nil, nil, fmt.Errorf("length error nc")
	case len(ns) != nonceSize:
		return nil, nil, fmt.Errorf("length error ns")
	}

	t, err := aesCMAC(dhSalt, w)
	if err != nil {
		return nil, nil, errors.Wrap(err, "derive t")
	}

	m := sliceops.Concat([]byte{0x00}, keyIDLabel, nc, ns, []byte{0x00, 0x80})
	macKey, err := aesCMAC(t, m)
	if err != nil {
		return nil, nil, errors.Wrap(err, "derive mac key")
	}

	//session key generation bit
	m[0] = 0x01
	sessionKey, err := aesCMAC(t, m)
	if err != nil {
		return nil, nil, errors.Wrap(err, "derive session key")
	}

	return macKey, sessionKey, nil
}

// verificationCode produces the six digit code shown to the user.
func verificationCode(clientX, serverX, nc, ns []byte) (string, error) {
	if len(clientX) != 32 || len(serverX) != 32 || len(nc) != nonceSize || len(ns) != nonceSize {
		return "", fmt.Errorf("length error")
	}

	h, err := aesCMAC(nc, sliceops.Concat(clientX, serverX, ns))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(h[12:])%1000000), nil
}

// fullVerificationCode is the value exchanged over an out-of-band channel.
func fullVerificationCode(macKey, clientX, serverX []byte) ([]byte, error) {
	a, err := aesCMAC(macKey, sliceops.Concat([]byte("verify"), clientX))
	if err != nil {
		return nil, err
	}
	b, err := aesCMAC(macKey, sliceops.Concat([]byte("verify"), serverX))
	if err != nil {
		return nil, err
	}
	return sliceops.Concat(a, b), nil
}

// reconnectValue authenticates one side of a resumed session with the key
// saved from the previous one.
func reconnectValue(previousKey []byte, label string, session []byte) ([]byte, error) {
	if len(previousKey) != keySize {
		return nil, errors.Errorf("previous key length %d", len(previousKey))
	}
	return aesCMAC(previousKey, sliceops.Concat([]byte(label), session))
}

func equal(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
