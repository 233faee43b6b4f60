package advdata

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/sliceops"
)

// Fields is the parsed content of one or more payloads.
type Fields struct {
	Flags        byte
	HasFlags     bool
	LocalName    string
	ShortName    bool
	ServiceUUIDs []uuid.UUID
	ServiceData  []companion.ServiceData
}

// Decode parses raw payloads, typically the advertising payload followed by
// the scan response. Unknown data types are skipped.
func Decode(payloads ...[]byte) (Fields, error) {
	var f Fields
	for _, b := range payloads {
		for len(b) > 0 {
			l := int(b[0])
			if l == 0 {
				// zero length terminates significant data
				break
			}
			if 1+l > len(b) {
				return Fields{}, errors.Wrapf(ErrMalformed, "field length %d with %d bytes left", l, len(b)-1)
			}
			typ, data := b[1], b[2:1+l]
			if err := f.add(typ, data); err != nil {
				return Fields{}, err
			}
			b = b[1+l:]
		}
	}
	return f, nil
}

func (f *Fields) add(typ byte, data []byte) error {
	switch typ {
	case types.flags:
		if len(data) != 1 {
			return errors.Wrap(ErrMalformed, "flags")
		}
		f.Flags, f.HasFlags = data[0], true
	case types.namecomp:
		f.LocalName, f.ShortName = string(data), false
	case types.nameshort:
		if f.LocalName == "" {
			f.LocalName, f.ShortName = string(data), true
		}
	case types.uuid16inc, types.uuid16comp:
		if len(data)%2 != 0 {
			return errors.Wrap(ErrMalformed, "16 bit uuid list")
		}
		for ; len(data) > 0; data = data[2:] {
			f.ServiceUUIDs = append(f.ServiceUUIDs, companion.UUID16(binary.LittleEndian.Uint16(data)))
		}
	case types.uuid128inc, types.uuid128comp:
		if len(data)%16 != 0 {
			return errors.Wrap(ErrMalformed, "128 bit uuid list")
		}
		for ; len(data) > 0; data = data[16:] {
			f.ServiceUUIDs = append(f.ServiceUUIDs, uuid128(data[:16]))
		}
	case types.svc16:
		if len(data) < 2 {
			return errors.Wrap(ErrMalformed, "16 bit service data")
		}
		f.ServiceData = append(f.ServiceData, companion.ServiceData{
			UUID: companion.UUID16(binary.LittleEndian.Uint16(data)),
			Data: sliceops.Clone(data[2:]),
		})
	case types.svc128:
		if len(data) < 16 {
			return errors.Wrap(ErrMalformed, "128 bit service data")
		}
		f.ServiceData = append(f.ServiceData, companion.ServiceData{
			UUID: uuid128(data[:16]),
			Data: sliceops.Clone(data[16:]),
		})
	}
	return nil
}

// ServiceDataFor returns the data attached to u.
func (f Fields) ServiceDataFor(u uuid.UUID) ([]byte, bool) {
	for _, sd := range f.ServiceData {
		if sd.UUID == u {
			return sd.Data, true
		}
	}
	return nil, false
}

func uuid128(le []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], sliceops.SwapBuf(le))
	return u
}
