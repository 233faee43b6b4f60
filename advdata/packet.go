// Package advdata packs advertisement descriptions into the raw legacy
// advertising and scan response payloads, and parses them back.
package advdata

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rigado/companion"
	"github.com/rigado/companion/sliceops"
)

// MaxLength is the size of a legacy advertising or scan response payload.
const MaxLength = 31

// FlagsGeneralDiscoverable is LE general discoverable, BR/EDR unsupported.
const FlagsGeneralDiscoverable = 0x06

var (
	// ErrNotFit is returned when a field does not fit into the packet.
	ErrNotFit = errors.New("field does not fit into packet")

	ErrMalformed = errors.New("malformed advertising data")
)

// assigned numbers for the data types used here
var types = struct {
	flags       byte
	uuid16inc   byte
	uuid16comp  byte
	uuid128inc  byte
	uuid128comp byte
	nameshort   byte
	namecomp    byte
	svc16       byte
	svc128      byte
}{
	flags:       0x01,
	uuid16inc:   0x02,
	uuid16comp:  0x03,
	uuid128inc:  0x06,
	uuid128comp: 0x07,
	nameshort:   0x08,
	namecomp:    0x09,
	svc16:       0x16,
	svc128:      0x21,
}

// Packet is an advertising payload or scan response under construction.
type Packet struct {
	b []byte
}

// NewPacket returns a packet holding fields, in order.
func NewPacket(fields ...Field) (*Packet, error) {
	p := &Packet{b: make([]byte, 0, MaxLength)}
	for _, f := range fields {
		if err := f(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Packet) Bytes() []byte {
	return p.b
}

func (p *Packet) Len() int {
	return len(p.b)
}

// Free is the room left in the packet.
func (p *Packet) Free() int {
	return MaxLength - len(p.b)
}

// Append adds a field. On ErrNotFit the packet is left intact.
func (p *Packet) Append(f Field) error {
	return f(p)
}

func (p *Packet) append(typ byte, b []byte) error {
	if p.Len()+2+len(b) > MaxLength {
		return ErrNotFit
	}
	p.b = append(p.b, byte(len(b)+1), typ)
	p.b = append(p.b, b...)
	return nil
}

// Field is an advertising field which can be appended to a packet.
type Field func(p *Packet) error

func Flags(f byte) Field {
	return func(p *Packet) error {
		return p.append(types.flags, []byte{f})
	}
}

func CompleteName(n string) Field {
	return func(p *Packet) error {
		return p.append(types.namecomp, []byte(n))
	}
}

func ShortName(n string) Field {
	return func(p *Packet) error {
		return p.append(types.nameshort, []byte(n))
	}
}

// ServiceUUID is a complete list holding one service UUID, in its 16 bit
// form when it has one.
func ServiceUUID(u uuid.UUID) Field {
	return func(p *Packet) error {
		if v, ok := companion.ShortUUID(u); ok {
			b := make([]byte, 2)
			binary.LittleEndian.PutUint16(b, v)
			return p.append(types.uuid16comp, b)
		}
		return p.append(types.uuid128comp, sliceops.SwapBuf(u[:]))
	}
}

// ServiceData attaches data to a service UUID.
func ServiceData(u uuid.UUID, data []byte) Field {
	return func(p *Packet) error {
		if v, ok := companion.ShortUUID(u); ok {
			b := make([]byte, 2, 2+len(data))
			binary.LittleEndian.PutUint16(b, v)
			return p.append(types.svc16, append(b, data...))
		}
		return p.append(types.svc128, sliceops.Concat(sliceops.SwapBuf(u[:]), data))
	}
}

// Encode lays out data as an advertising payload and a scan response. Each
// field goes into the advertising payload if it fits there and into the scan
// response otherwise. A device name that fits neither is shortened into
// whatever room the scan response has left.
func Encode(name string, data companion.AdvertiseData) (adv, scan *Packet, err error) {
	adv, err = NewPacket(Flags(FlagsGeneralDiscoverable))
	if err != nil {
		return nil, nil, err
	}
	scan, _ = NewPacket()

	var fields []Field
	for _, u := range data.ServiceUUIDs {
		fields = append(fields, ServiceUUID(u))
	}
	for _, sd := range data.ServiceData {
		fields = append(fields, ServiceData(sd.UUID, sd.Data))
	}

	for _, f := range fields {
		if err := place(adv, scan, f); err != nil {
			return nil, nil, err
		}
	}

	if !data.IncludeDeviceName || name == "" {
		return adv, scan, nil
	}
	if err := place(adv, scan, CompleteName(name)); err == nil {
		return adv, scan, nil
	}
	room := scan.Free() - 2
	if room < 1 {
		return nil, nil, errors.Wrapf(ErrNotFit, "device name %q", name)
	}
	if err := scan.Append(ShortName(name[:room])); err != nil {
		return nil, nil, err
	}
	return adv, scan, nil
}

func place(adv, scan *Packet, f Field) error {
	err := adv.Append(f)
	if err != ErrNotFit {
		return err
	}
	return scan.Append(f)
}
