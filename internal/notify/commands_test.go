package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

type mockSubscriber struct {
	topic   string
	handler mqtt.MessageHandler
	err     error
}

func (m *mockSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if m.err != nil {
		return m.err
	}
	m.topic = topic
	m.handler = handler
	return nil
}

type mockHandler struct {
	mu    sync.Mutex
	reqs  []*protocol.Request
	reply protocol.Response
	block chan struct{}
}

func (m *mockHandler) Handle(ctx context.Context, req *protocol.Request) protocol.Response {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return protocol.Failure(protocol.CodeRequestTimeout)
		}
	}
	return m.reply
}

type mockOwners struct {
	devices map[string]*device.Device
	err     error
}

func (m *mockOwners) FindDeviceByID(_ context.Context, deviceID string) (*device.Device, error) {
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return d, nil
}

func newTestBridge(handler *mockHandler, owners *mockOwners) (*CommandBridge, *mockSubscriber, *mockPublisher) {
	sub := &mockSubscriber{}
	pub := &mockPublisher{}
	return NewCommandBridge(sub, pub, handler, owners), sub, pub
}

func TestCommandBridge_AppliesAsOwner(t *testing.T) {
	handler := &mockHandler{reply: protocol.Response{
		Error:    0,
		DeviceID: testDeviceID,
		APIKey:   testAPIKey,
		Params:   json.RawMessage(`{"on":true}`),
	}}
	owners := &mockOwners{devices: map[string]*device.Device{
		testDeviceID: {DeviceID: testDeviceID, APIKey: testAPIKey},
	}}
	bridge, sub, pub := newTestBridge(handler, owners)

	if err := bridge.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sub.topic != "iotgo/device/+/set" {
		t.Errorf("subscribed to %q", sub.topic)
	}

	if err := sub.handler(mqtt.Topics{}.DeviceSet(testDeviceID), []byte(`{"on":true}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	bridge.Close()

	if len(handler.reqs) != 1 {
		t.Fatalf("dispatched %d requests, want 1", len(handler.reqs))
	}
	req := handler.reqs[0]
	if req.APIKey != testAPIKey || req.Origin != protocol.OriginApp || req.Action != "update" || string(req.Params) != `{"on":true}` {
		t.Errorf("dispatched request = %+v", req)
	}

	resultTopic := mqtt.Topics{}.DeviceResult(testDeviceID)
	msgs := pub.sent()
	if len(msgs) != 1 || msgs[0].topic != resultTopic {
		t.Fatalf("published = %v", msgs)
	}
	var res map[string]any
	if err := json.Unmarshal(msgs[0].payload, &res); err != nil {
		t.Fatalf("result payload: %v", err)
	}
	if res["error"] != 0.0 {
		t.Errorf("result = %s", msgs[0].payload)
	}
	if _, leaked := res["apikey"]; leaked {
		t.Error("result carries the owner's apikey")
	}
}

func TestCommandBridge_UnknownDevice(t *testing.T) {
	handler := &mockHandler{}
	bridge, _, pub := newTestBridge(handler, &mockOwners{})

	if err := bridge.HandleMessage(mqtt.Topics{}.DeviceSet(testDeviceID), []byte(`{}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	bridge.Close()

	if len(handler.reqs) != 0 {
		t.Error("unknown device was dispatched")
	}
	msgs := pub.sent()
	if len(msgs) != 1 {
		t.Fatalf("published %d results, want 1", len(msgs))
	}
	var res protocol.Response
	if err := json.Unmarshal(msgs[0].payload, &res); err != nil {
		t.Fatalf("result payload: %v", err)
	}
	if res.Error != protocol.CodeNotFound {
		t.Errorf("result error = %d, want 404", res.Error)
	}
}

func TestCommandBridge_RejectsBadMessages(t *testing.T) {
	bridge, _, pub := newTestBridge(&mockHandler{}, &mockOwners{})
	defer bridge.Close()

	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"foreign topic", "iotgo/system/status", `{}`},
		{"bad deviceid", "iotgo/device/lamp/set", `{}`},
		{"array payload", mqtt.Topics{}.DeviceSet(testDeviceID), `[1]`},
		{"invalid json", mqtt.Topics{}.DeviceSet(testDeviceID), `{"on":`},
		{"empty payload", mqtt.Topics{}.DeviceSet(testDeviceID), ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := bridge.HandleMessage(tt.topic, []byte(tt.payload)); err == nil {
				t.Error("HandleMessage() = nil, want error")
			}
		})
	}
	if len(pub.sent()) != 0 {
		t.Error("rejected messages produced results")
	}
}

func TestCommandBridge_CloseCancelsInflight(t *testing.T) {
	handler := &mockHandler{block: make(chan struct{})}
	owners := &mockOwners{devices: map[string]*device.Device{
		testDeviceID: {DeviceID: testDeviceID, APIKey: testAPIKey},
	}}
	bridge, _, pub := newTestBridge(handler, owners)

	if err := bridge.HandleMessage(mqtt.Topics{}.DeviceSet(testDeviceID), []byte(`{"on":true}`)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	bridge.Close()

	msgs := pub.sent()
	if len(msgs) != 1 {
		t.Fatalf("published %d results, want 1", len(msgs))
	}
	var res protocol.Response
	if err := json.Unmarshal(msgs[0].payload, &res); err != nil {
		t.Fatalf("result payload: %v", err)
	}
	if res.Error != protocol.CodeRequestTimeout {
		t.Errorf("result error = %d, want 504", res.Error)
	}

	if err := bridge.HandleMessage(mqtt.Topics{}.DeviceSet(testDeviceID), []byte(`{}`)); !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("HandleMessage() after Close = %v, want ErrBridgeClosed", err)
	}
	if err := bridge.Start(); !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("Start() after Close = %v, want ErrBridgeClosed", err)
	}
}

func TestCommandBridge_SubscribeFailure(t *testing.T) {
	bridge, sub, _ := newTestBridge(&mockHandler{}, &mockOwners{})
	defer bridge.Close()
	sub.err = mqtt.ErrNotConnected

	if err := bridge.Start(); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Start() = %v, want wrapped ErrNotConnected", err)
	}
}
