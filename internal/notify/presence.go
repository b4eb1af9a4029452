package notify

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

// storeTimeout bounds a single write made by a consumer.
const storeTimeout = 5 * time.Second

// OnlineStore persists the last known online flag.
type OnlineStore interface {
	SetOnline(ctx context.Context, deviceID string, online bool) error
}

// Presence keeps the stored online flag in step with the registry.
type Presence struct {
	store       OnlineStore
	logger      Logger
	unsubscribe func()
}

// NewPresence creates a presence consumer. Call Start to attach it to a bus.
func NewPresence(store OnlineStore) *Presence {
	return &Presence{store: store, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (p *Presence) SetLogger(logger Logger) {
	p.logger = logger
}

// Start subscribes to online and offline events.
func (p *Presence) Start(bus *protocol.Bus) {
	p.unsubscribe = bus.Subscribe("presence", p.handle,
		protocol.EventDeviceOnline, protocol.EventDeviceOffline)
}

// Stop unsubscribes and waits for queued events to be stored.
func (p *Presence) Stop() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

func (p *Presence) handle(e protocol.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := p.store.SetOnline(ctx, e.DeviceID, e.Online)
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		// Deleted while connected.
		p.logger.Debug("presence for unknown device", "deviceid", e.DeviceID)
	case err != nil:
		p.logger.Error("storing presence", "deviceid", e.DeviceID, "online", e.Online, "error", err)
	}
}
