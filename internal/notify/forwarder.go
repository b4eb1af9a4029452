package notify

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/iotgo-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

// Publisher publishes MQTT messages. *mqtt.Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	QoS() byte
}

// changePayload is published on the device change topic. It never carries
// the owner's apikey.
type changePayload struct {
	DeviceID string `json:"deviceid"`
	Removed  bool   `json:"removed"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Group    string `json:"group,omitempty"`
}

func newChangePayload(e protocol.Event) changePayload {
	p := changePayload{DeviceID: e.DeviceID, Removed: e.Removed}
	if d := e.Device; d != nil {
		p.Name, p.Type, p.Group = d.Name, d.Type, d.Group
	}
	return p
}

// Forwarder mirrors protocol events onto MQTT:
//
//	device.update  -> iotgo/device/{id}/update  (wire form of the update)
//	device.online  -> iotgo/device/{id}/online  (retained sysmsg)
//	device.offline -> iotgo/device/{id}/online  (retained sysmsg)
//	device.change  -> iotgo/device/{id}/change
//
// Publish failures are logged and dropped; the broker is never on the
// protocol's critical path.
type Forwarder struct {
	pub         Publisher
	topics      mqtt.Topics
	logger      Logger
	unsubscribe func()
}

// NewForwarder creates a forwarder publishing through pub.
func NewForwarder(pub Publisher) *Forwarder {
	return &Forwarder{pub: pub, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (f *Forwarder) SetLogger(logger Logger) {
	f.logger = logger
}

// Start subscribes to every event type.
func (f *Forwarder) Start(bus *protocol.Bus) {
	f.unsubscribe = bus.Subscribe("mqtt-forwarder", f.handle)
}

// Stop unsubscribes and waits for queued events to be published.
func (f *Forwarder) Stop() {
	if f.unsubscribe != nil {
		f.unsubscribe()
	}
}

func (f *Forwarder) handle(e protocol.Event) {
	topic, payload, retained, err := f.encode(e)
	if err != nil {
		f.logger.Error("encoding event for mqtt", "event", string(e.Type), "deviceid", e.DeviceID, "error", err)
		return
	}
	if err := f.pub.Publish(topic, payload, f.pub.QoS(), retained); err != nil {
		f.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (f *Forwarder) encode(e protocol.Event) (topic string, payload []byte, retained bool, err error) {
	switch e.Type {
	case protocol.EventDeviceUpdate:
		payload, err = e.Message()
		return f.topics.DeviceUpdate(e.DeviceID), payload, false, err
	case protocol.EventDeviceOnline, protocol.EventDeviceOffline:
		payload, err = e.Message()
		return f.topics.DeviceOnline(e.DeviceID), payload, true, err
	case protocol.EventDeviceChange:
		payload, err = json.Marshal(newChangePayload(e))
		return f.topics.DeviceChange(e.DeviceID), payload, false, err
	default:
		return "", nil, false, fmt.Errorf("unsupported event %q", e.Type)
	}
}
