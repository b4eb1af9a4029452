package protocol

import (
	"context"

	"github.com/nerrad567/iotgo-core/internal/device"
)

// DeviceStore is the persistence the dispatcher needs.
// device.SQLiteRepository implements it. Any error other than
// device.ErrDeviceNotFound is reported to the caller as 500.
type DeviceStore interface {
	// DeviceExists reports whether apiKey owns deviceID.
	DeviceExists(ctx context.Context, apiKey, deviceID string) (bool, error)

	// FindDeviceByID returns device.ErrDeviceNotFound when absent.
	FindDeviceByID(ctx context.Context, deviceID string) (*device.Device, error)

	// FactoryDeviceExists reports whether a factory record matches both keys.
	FactoryDeviceExists(ctx context.Context, apiKey, deviceID string) (bool, error)

	// SetOnline stores the last known online flag.
	SetOnline(ctx context.Context, deviceID string, online bool) error

	// ApplyParams merges partial into the stored params and returns the result.
	ApplyParams(ctx context.Context, deviceID string, partial device.Params) (device.Params, error)
}

// Presence answers whether a device currently has a canonical connection.
type Presence interface {
	IsOnline(deviceID string) bool
}
