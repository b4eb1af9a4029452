package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	maxNameLength  = 100
	maxGroupLength = 100
	maxTypeLength  = 32
)

// Device ids and apikeys are lower-case UUID-shaped strings. Factory ids
// use the full [0-9a-z] range, not just hex.
var idRegex = regexp.MustCompile(`^[0-9a-z]{8}-[0-9a-z]{4}-[0-9a-z]{4}-[0-9a-z]{4}-[0-9a-z]{12}$`)

// ValidID reports whether s has the shape of a deviceid or apikey.
func ValidID(s string) bool {
	return idRegex.MatchString(s)
}

// NewID returns a fresh random id in the accepted shape.
func NewID() string {
	return uuid.NewString()
}

// ValidateName checks a device name is non-empty and not too long.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateDevice checks the fields required to store a device.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}
	if !ValidID(d.DeviceID) {
		return fmt.Errorf("%w: deviceid %q", ErrInvalidID, d.DeviceID)
	}
	if !ValidID(d.APIKey) {
		return fmt.Errorf("%w: apikey", ErrInvalidID)
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if d.Type == "" || len(d.Type) > maxTypeLength {
		return fmt.Errorf("%w: type is required", ErrInvalidDevice)
	}
	if len(d.Group) > maxGroupLength {
		return fmt.Errorf("%w: group exceeds %d characters", ErrInvalidDevice, maxGroupLength)
	}
	return nil
}

// ValidateFactoryDevice checks the fields required to store a factory record.
func ValidateFactoryDevice(f *FactoryDevice) error {
	if f == nil {
		return ErrInvalidDevice
	}
	if !ValidID(f.DeviceID) || !ValidID(f.APIKey) {
		return ErrInvalidID
	}
	if err := ValidateName(f.Name); err != nil {
		return err
	}
	if f.Type == "" || len(f.Type) > maxTypeLength {
		return fmt.Errorf("%w: type is required", ErrInvalidDevice)
	}
	return nil
}
