package companion

import (
	"encoding/hex"
	"strings"
)

// Addr is the address of a remote central. It's the MAC address on linux.
type Addr interface {
	String() string
	Bytes() []byte
}

// NewAddr creates an Addr from string
func NewAddr(s string) Addr {
	return addr(strings.ToLower(s))
}

type addr string

func (a addr) String() string {
	return string(a)
}

// Bytes decodes a colon separated MAC. Anything else yields nil.
func (a addr) Bytes() []byte {
	out, err := hex.DecodeString(strings.ReplaceAll(a.String(), ":", ""))
	if err != nil {
		GetLogger().Debugf("address %q is not hex: %v", a.String(), err)
		return nil
	}

	return out
}
