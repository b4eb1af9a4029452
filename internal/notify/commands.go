package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

// ErrBridgeClosed is returned by Start after Close.
var ErrBridgeClosed = errors.New("notify: command bridge closed")

// Subscriber subscribes to MQTT topics. *mqtt.Client implements it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// RequestHandler runs a protocol request. *protocol.Dispatcher implements it.
type RequestHandler interface {
	Handle(ctx context.Context, req *protocol.Request) protocol.Response
}

// OwnerLookup resolves the owner of a device.
type OwnerLookup interface {
	FindDeviceByID(ctx context.Context, deviceID string) (*device.Device, error)
}

// CommandBridge applies params published on iotgo/device/{deviceid}/set.
//
// Each message becomes an app-origin update on behalf of the device's
// owner, so it is confirmed by the device exactly as an app's update is.
// The protocol response is published on iotgo/device/{deviceid}/result.
// Broker ACLs decide who may publish on set topics.
type CommandBridge struct {
	sub      Subscriber
	pub      Publisher
	handler  RequestHandler
	owners   OwnerLookup
	topics   mqtt.Topics
	logger   Logger
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewCommandBridge creates a bridge. Call Start to subscribe.
func NewCommandBridge(sub Subscriber, pub Publisher, handler RequestHandler, owners OwnerLookup) *CommandBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandBridge{
		sub:     sub,
		pub:     pub,
		handler: handler,
		owners:  owners,
		logger:  noopLogger{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetLogger sets the logger.
func (b *CommandBridge) SetLogger(logger Logger) {
	b.logger = logger
}

// Start subscribes to the set topic of every device.
func (b *CommandBridge) Start() error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBridgeClosed
	}

	if err := b.sub.Subscribe(b.topics.AllDeviceSets(), b.pub.QoS(), b.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to set topics: %w", err)
	}
	return nil
}

// Close cancels waiting commands and waits for them to finish.
func (b *CommandBridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.inflight.Wait()
}

// HandleMessage validates a set message and runs it in the background.
// Running in the background keeps the MQTT client's delivery loop free
// while the device is asked to confirm.
func (b *CommandBridge) HandleMessage(topic string, payload []byte) error {
	deviceID, ok := mqtt.DeviceIDFromTopic(topic)
	if !ok || !device.ValidID(deviceID) {
		return fmt.Errorf("unexpected set topic %q", topic)
	}
	if !json.Valid(payload) || len(payload) == 0 || payload[0] != '{' {
		return fmt.Errorf("set payload for %s is not a JSON object", deviceID)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	b.inflight.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.inflight.Done()
		b.apply(deviceID, payload)
	}()
	return nil
}

func (b *CommandBridge) apply(deviceID string, params []byte) {
	var res protocol.Response

	dev, err := b.owners.FindDeviceByID(b.ctx, deviceID)
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		res = protocol.Failure(protocol.CodeNotFound)
		res.DeviceID = deviceID
	case err != nil:
		b.logger.Error("looking up device owner", "deviceid", deviceID, "error", err)
		res = protocol.Failure(protocol.CodeInternal)
		res.DeviceID = deviceID
	default:
		res = b.handler.Handle(b.ctx, &protocol.Request{
			Action:   "update",
			APIKey:   dev.APIKey,
			DeviceID: deviceID,
			Params:   json.RawMessage(params),
			Origin:   protocol.OriginApp,
		})
	}

	// Never echo the owner's apikey onto the broker.
	res.APIKey = ""

	data, err := protocol.Encode(res)
	if err != nil {
		b.logger.Error("encoding set result", "deviceid", deviceID, "error", err)
		return
	}
	if err := b.pub.Publish(b.topics.DeviceResult(deviceID), data, b.pub.QoS(), false); err != nil {
		b.logger.Warn("publishing set result", "deviceid", deviceID, "error", err)
	}
}
