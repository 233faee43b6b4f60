// Package sliceops holds small byte slice helpers shared by the codec,
// handshake and out-of-band packages.
package sliceops

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// SwapBuf returns a reversed copy of in.
func SwapBuf(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}

// Concat returns a new slice holding every part in order.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Clone copies b. A nil input stays nil.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Random reads n bytes from the system random source.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrapf(err, "read %d random bytes", n)
	}
	return b, nil
}

// PadRight zero pads b up to size. Longer inputs are returned as a copy.
func PadRight(b []byte, size int) []byte {
	if len(b) >= size {
		return Clone(b)
	}
	out := make([]byte, size)
	copy(out, b)
	return out
}
