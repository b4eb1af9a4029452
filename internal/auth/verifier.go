package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/config"
)

// DeviceLookup is the part of the device store the verifier needs.
type DeviceLookup interface {
	DeviceExists(ctx context.Context, apiKey, deviceID string) (bool, error)
}

// Verifier checks the credentials presented when a connection opens.
type Verifier struct {
	devices DeviceLookup
	secret  string
	issuer  string
	ttl     time.Duration
}

// NewVerifier creates a Verifier backed by the device store and JWT settings.
func NewVerifier(devices DeviceLookup, cfg config.JWTConfig) *Verifier {
	return &Verifier{
		devices: devices,
		secret:  cfg.Secret,
		issuer:  cfg.Issuer,
		ttl:     time.Duration(cfg.AccessTokenTTL) * time.Minute,
	}
}

// VerifyDevice succeeds when apiKey owns deviceID.
// Malformed ids fail without touching the store.
func (v *Verifier) VerifyDevice(ctx context.Context, apiKey, deviceID string) error {
	if !device.ValidID(apiKey) || !device.ValidID(deviceID) {
		return ErrUnauthorized
	}
	ok, err := v.devices.DeviceExists(ctx, apiKey, deviceID)
	if err != nil {
		return fmt.Errorf("verifying device: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// VerifyApp decodes an app token and returns the account apikey it carries.
func (v *Verifier) VerifyApp(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	claims, err := ParseAppToken(token, v.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return claims.APIKey, nil
}

// IssueAppToken signs a token for apiKey with the configured issuer and TTL.
func (v *Verifier) IssueAppToken(apiKey string) (string, error) {
	return GenerateAppToken(apiKey, v.secret, v.issuer, v.ttl)
}
