package companion

// Advertise failure codes reported through AdvertiseCallback.
const (
	AdvertiseFailedDataTooLarge       = 1
	AdvertiseFailedTooManyAdvertisers = 2
	AdvertiseFailedAlreadyStarted     = 3
	AdvertiseFailedInternalError      = 4
)

// AdvertiseCallback receives the outcome of StartAdvertising.
type AdvertiseCallback interface {
	OnStartSuccess()
	OnStartFailure(code int)
}

// PeripheralCallback receives connection level events from the platform.
type PeripheralCallback interface {
	OnDeviceNameRetrieved(name string)
	OnMTUSizeChanged(size int)
	OnRemoteDeviceConnected(dev Device)
	OnRemoteDeviceDisconnected(dev Device)
}

// WriteListener is called when a central writes a characteristic.
type WriteListener func(dev Device, ch *Characteristic, value []byte)

// ReadListener is called when a central has read a notified value.
type ReadListener func(dev Device, ch *Characteristic)

// Peripheral is the platform GATT server and advertiser. Callbacks and
// listeners may fire on any goroutine.
type Peripheral interface {
	StartAdvertising(svc *Service, data AdvertiseData, cb AdvertiseCallback)
	StopAdvertising(cb AdvertiseCallback)

	// NotifyCharacteristicChanged sets the value of ch and notifies dev.
	NotifyCharacteristicChanged(dev Device, ch *Characteristic, value []byte, confirm bool) error

	// RetrieveDeviceName asks the platform for the remote name. The result
	// arrives through OnDeviceNameRetrieved.
	RetrieveDeviceName(dev Device)

	RegisterCallback(cb PeripheralCallback)
	UnregisterCallback(cb PeripheralCallback)

	OnCharacteristicWrite(fn WriteListener) (remove func())
	OnCharacteristicRead(fn ReadListener) (remove func())

	// Cleanup stops advertising and drops the current connection.
	Cleanup()
}

// Adapter is the local Bluetooth adapter handle. Name changes may be applied
// asynchronously by the platform.
type Adapter interface {
	Name() string
	SetName(name string) error
}
