package companion

import "github.com/google/uuid"

// Device is a remote central as seen by the platform peripheral.
type Device struct {
	Addr Addr
	Name string
}

// Equal reports whether both values refer to the same remote address.
func (d Device) Equal(o Device) bool {
	if d.Addr == nil || o.Addr == nil {
		return d.Addr == nil && o.Addr == nil
	}
	return d.Addr.String() == o.Addr.String()
}

func (d Device) String() string {
	if d.Addr == nil {
		return "<nil>"
	}
	if d.Name == "" {
		return d.Addr.String()
	}
	return d.Name + "/" + d.Addr.String()
}

// AssociatedDevice is a phone that completed association.
type AssociatedDevice struct {
	ID      uuid.UUID
	Address string
	Name    string
	Enabled bool
}
