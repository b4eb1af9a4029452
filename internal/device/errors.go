package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a deviceid does not exist
	// (or is not owned by the given apikey).
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device whose deviceid is taken.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrFactoryDeviceNotFound is returned when no factory record matches.
	ErrFactoryDeviceNotFound = errors.New("device: factory record not found")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidID is returned when a deviceid or apikey is not UUID-shaped.
	ErrInvalidID = errors.New("device: invalid id")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")
)
