package handshake

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rand"

	"github.com/pkg/errors"
	"github.com/wsddn/go-ecdh"
)

// publicKeySize is an uncompressed P-256 point.
const publicKeySize = 65

type ecdhKeys struct {
	public  crypto.PublicKey
	private crypto.PrivateKey
}

func curve() ecdh.ECDH {
	return ecdh.NewEllipticECDH(elliptic.P256())
}

func generateKeys() (*ecdhKeys, error) {
	var err error
	kp := ecdhKeys{}

	kp.private, kp.public, err = curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate p256 key")
	}

	return &kp, nil
}

func marshalPublicKey(k crypto.PublicKey) []byte {
	return curve().Marshal(k)
}

// publicKeyX strips the point header and Y coordinate.
func publicKeyX(b []byte) []byte {
	return b[1:33]
}

func unmarshalPublicKey(b []byte) (crypto.PublicKey, error) {
	if len(b) != publicKeySize {
		return nil, errors.Errorf("public key length %d", len(b))
	}
	pk, ok := curve().Unmarshal(b)
	if !ok {
		return nil, errors.New("public key is not on the curve")
	}
	return pk, nil
}

func sharedSecret(prv crypto.PrivateKey, pub crypto.PublicKey) ([]byte, error) {
	b, err := curve().GenerateSharedSecret(prv, pub)
	if err != nil {
		return nil, errors.Wrap(err, "ecdh")
	}

	// the x coordinate comes back without leading zeros
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out, nil
}
