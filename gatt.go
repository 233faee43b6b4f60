package companion

import (
	"fmt"

	"github.com/google/uuid"
)

// Property is a characteristic property bit.
type Property int

const (
	PropertyRead            Property = 0x02
	PropertyWriteNoResponse Property = 0x04
	PropertyWrite           Property = 0x08
	PropertyNotify          Property = 0x10
	PropertyIndicate        Property = 0x20
)

// Permission is a characteristic attribute permission bit.
type Permission int

const (
	PermissionRead  Permission = 0x01
	PermissionWrite Permission = 0x10
)

// Characteristic is a GATT characteristic hosted by the local peripheral.
type Characteristic struct {
	UUID        uuid.UUID
	Properties  Property
	Permissions Permission
}

// Service is a primary GATT service.
type Service struct {
	UUID            uuid.UUID
	Characteristics []*Characteristic
}

// NewService creates an empty primary service.
func NewService(u uuid.UUID) *Service {
	return &Service{UUID: u}
}

// AddCharacteristic appends c and returns it.
func (s *Service) AddCharacteristic(c *Characteristic) *Characteristic {
	s.Characteristics = append(s.Characteristics, c)
	return c
}

// Characteristic looks up a characteristic by UUID.
func (s *Service) Characteristic(u uuid.UUID) *Characteristic {
	for _, c := range s.Characteristics {
		if c.UUID == u {
			return c
		}
	}
	return nil
}

// ServiceData is advertised data attached to a service UUID.
type ServiceData struct {
	UUID uuid.UUID
	Data []byte
}

// AdvertiseData describes what goes into an advertisement.
type AdvertiseData struct {
	IncludeDeviceName bool
	ServiceUUIDs      []uuid.UUID
	ServiceData       []ServiceData
}

// baseUUID is the Bluetooth base UUID that 16 bit UUIDs expand into.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID16 expands a 16 bit assigned number into a full UUID.
func UUID16(v uint16) uuid.UUID {
	u := baseUUID
	u[2] = byte(v >> 8)
	u[3] = byte(v)
	return u
}

// ShortUUID returns the 16 bit form of u if u is derived from the base UUID.
func ShortUUID(u uuid.UUID) (uint16, bool) {
	if u[0] != 0 || u[1] != 0 {
		return 0, false
	}
	for i := 4; i < 16; i++ {
		if u[i] != baseUUID[i] {
			return 0, false
		}
	}
	return uint16(u[2])<<8 | uint16(u[3]), true
}

// MustParseUUID parses a full or 16 bit hex UUID and panics on error.
func MustParseUUID(s string) uuid.UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseUUID accepts either a full UUID or a 4 digit 16 bit UUID.
func ParseUUID(s string) (uuid.UUID, error) {
	if len(s) == 4 {
		var v uint16
		if _, err := fmt.Sscanf(s, "%04x", &v); err != nil {
			return uuid.Nil, fmt.Errorf("invalid 16 bit uuid %q: %v", s, err)
		}
		return UUID16(v), nil
	}
	return uuid.Parse(s)
}
