package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/iotgo-core/internal/device"
)

type harness struct {
	store   *mockStore
	bus     *Bus
	reg     *Registry
	pending *PendingTable
	disp    *Dispatcher
	events  *recorder
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	bus := newTestBus(t)
	events := &recorder{}
	bus.Subscribe("test", events.handle)

	reg := NewRegistry(bus)
	t.Cleanup(reg.Close)
	pending := NewPendingTable(reg)
	store := newMockStore()

	return &harness{
		store:   store,
		bus:     bus,
		reg:     reg,
		pending: pending,
		disp:    NewDispatcher(store, reg, pending, bus, timeout),
		events:  events,
	}
}

// answeringDevice registers a device connection that confirms every
// request it receives with the request's own params.
func (h *harness) answeringDevice(t *testing.T) *fakeConn {
	t.Helper()
	conn := newDeviceConn(testDeviceID, testAPIKey)
	conn.onSend = func(data []byte) {
		kind, req, _ := Classify(data)
		if kind != KindRequest {
			return
		}
		h.pending.PostResponse(&Response{
			Error:    0,
			Sequence: req.Sequence,
			DeviceID: req.DeviceID,
			Params:   req.Params,
		})
	}
	h.reg.RegisterDevice(testDeviceID, conn)
	return conn
}

func appUpdate(app Conn, seq Sequence, params string) *Request {
	return &Request{
		Action:   "update",
		APIKey:   testAPIKey,
		DeviceID: testDeviceID,
		Sequence: seq,
		Params:   json.RawMessage(params),
		Origin:   OriginApp,
		Conn:     app,
	}
}

func decodeObject(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("params %q: %v", raw, err)
	}
	return m
}

func TestDispatcher_AppUpdateConfirmedByDevice(t *testing.T) {
	h := newHarness(t, time.Second)
	h.store.addDevice(testDeviceID, testAPIKey, nil)
	dev := h.answeringDevice(t)
	app := newAppConn(testAPIKey)

	res := h.disp.Handle(context.Background(), appUpdate(app, "s1", `{"on":true}`))

	if !res.OK() {
		t.Fatalf("Handle() = %+v, want success", res)
	}
	if got := decodeObject(t, res.Params); got["on"] != true || len(got) != 1 {
		t.Errorf("response params = %v, want {on:true}", got)
	}

	frames := dev.decoded(t)
	if len(frames) != 1 {
		t.Fatalf("device received %d frames, want 1", len(frames))
	}
	if frames[0]["sequence"] != "s1" || frames[0]["action"] != "update" {
		t.Errorf("forwarded request = %v", frames[0])
	}

	waitFor(t, "update event", func() bool { return len(h.events.ofType(EventDeviceUpdate)) >= 1 })
	h.bus.Close()
	updates := h.events.ofType(EventDeviceUpdate)
	if len(updates) != 1 {
		t.Fatalf("published %d update events, want 1", len(updates))
	}
	if updates[0].Params["on"] != true || updates[0].Source != app {
		t.Errorf("update event = %+v", updates[0])
	}
	if h.pending.Len() != 0 {
		t.Error("pending entry left after success")
	}
}

func TestDispatcher_AppUpdateDeviceOffline(t *testing.T) {
	h := newHarness(t, time.Second)
	h.store.addDevice(testDeviceID, testAPIKey, nil)

	start := time.Now()
	res := h.disp.Handle(context.Background(), appUpdate(newAppConn(testAPIKey), "s1", `{"on":true}`))

	if res.Error != CodeDeviceOffline || res.Reason != "Device Offline" {
		t.Fatalf("Handle() = %+v, want 503 Device Offline", res)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("offline reply should be immediate")
	}
	if h.pending.Len() != 0 {
		t.Error("offline request created a pending entry")
	}
	if h.store.applyCalls != 0 {
		t.Error("offline request touched stored params")
	}
}

func TestDispatcher_AppUpdateDeviceSilent(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.store.addDevice(testDeviceID, testAPIKey, device.Params{"on": false})
	h.reg.RegisterDevice(testDeviceID, newDeviceConn(testDeviceID, testAPIKey))

	res := h.disp.Handle(context.Background(), appUpdate(newAppConn(testAPIKey), "s1", `{"on":true}`))

	if res.Error != CodeRequestTimeout || res.Reason != "Request Timeout" {
		t.Fatalf("Handle() = %+v, want 504 Request Timeout", res)
	}
	if res.Sequence != "s1" || res.DeviceID != testDeviceID {
		t.Errorf("timeout not addressed to the request: %+v", res)
	}
	if h.store.params(testDeviceID)["on"] != false {
		t.Error("timed-out update changed stored params")
	}
	if h.pending.Len() != 0 {
		t.Error("pending entry left after timeout")
	}
}

func TestDispatcher_AppUpdateGeneratesSequence(t *testing.T) {
	h := newHarness(t, time.Second)
	h.store.addDevice(testDeviceID, testAPIKey, nil)
	dev := h.answeringDevice(t)

	res := h.disp.Handle(context.Background(), appUpdate(newAppConn(testAPIKey), "", `{"on":true}`))
	if !res.OK() {
		t.Fatalf("Handle() = %+v, want success", res)
	}
	if res.Sequence == "" {
		t.Error("response carries no sequence")
	}
	if frames := dev.decoded(t); frames[0]["sequence"] != string(res.Sequence) {
		t.Errorf("forwarded sequence = %v, want %s", frames[0]["sequence"], res.Sequence)
	}
}

func TestDispatcher_DeviceUpdateMerges(t *testing.T) {
	h := newHarness(t, time.Second)
	h.store.addDevice(testDeviceID, testAPIKey, device.Params{"on": false, "level": float64(3)})
	dev := newDeviceConn(testDeviceID, testAPIKey)

	res := h.disp.Handle(context.Background(), &Request{
		Action:   "update",
		APIKey:   testAPIKey,
		DeviceID: testDeviceID,
		Sequence: "7",
		Params:   json.RawMessage(`{"on":true}`),
		Origin:   OriginDevice,
		Conn:     dev,
	})

	if !res.OK() {
		t.Fatalf("Handle() = %+v, want success", res)
	}
	got := decodeObject(t, res.Params)
	if got["on"] != true || got["level"] != float64(3) {
		t.Errorf("merged params = %v", got)
	}
	if dev.count() != 0 {
		t.Error("device update was echoed to the device")
	}

	waitFor(t, "update event", func() bool { return len(h.events.ofType(EventDeviceUpdate)) >= 1 })
	h.bus.Close()
	if n := len(h.events.ofType(EventDeviceUpdate)); n != 1 {
		t.Errorf("published %d update events, want 1", n)
	}
}

func TestDispatcher_DeviceUpdatesPublishInStoreOrder(t *testing.T) {
	h := newHarness(t, time.Second)
	h.store.addDevice(testDeviceID, testAPIKey, nil)
	h.store.applyDelay = func(call int) {
		if call == 1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	dev := newDeviceConn(testDeviceID, testAPIKey)

	update := func(v string) *Request {
		return &Request{
			Action:   "update",
			APIKey:   testAPIKey,
			DeviceID: testDeviceID,
			Params:   json.RawMessage(`{"v":"` + v + `"}`),
			Origin:   OriginDevice,
			Conn:     dev,
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.disp.Handle(context.Background(), update("a"))
	}()
	waitFor(t, "first merge", func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.applyCalls == 1
	})
	go func() {
		defer wg.Done()
		h.disp.Handle(context.Background(), update("b"))
	}()
	wg.Wait()

	waitFor(t, "two update events", func() bool { return len(h.events.ofType(EventDeviceUpdate)) == 2 })
	events := h.events.ofType(EventDeviceUpdate)
	if events[0].Params["v"] != "a" || events[1].Params["v"] != "b" {
		t.Errorf("published v=%v then v=%v, want a then b", events[0].Params["v"], events[1].Params["v"])
	}
	if got := h.store.params(testDeviceID)["v"]; got != "b" {
		t.Errorf("stored v = %v, want b", got)
	}
}

func TestDispatcher_Validation(t *testing.T) {
	h := newHarness(t, time.Second)
	h.store.addDevice(testDeviceID, testAPIKey, nil)

	tests := []struct {
		name string
		req  *Request
		want int
	}{
		{"missing action", &Request{APIKey: testAPIKey, DeviceID: testDeviceID}, CodeBadRequest},
		{"missing apikey", &Request{Action: "date", DeviceID: testDeviceID}, CodeBadRequest},
		{"missing deviceid", &Request{Action: "date", APIKey: testAPIKey}, CodeBadRequest},
		{"malformed apikey", &Request{Action: "date", APIKey: "not-a-uuid", DeviceID: testDeviceID}, CodeBadRequest},
		{"uppercase deviceid", &Request{Action: "date", APIKey: testAPIKey, DeviceID: "22222222-2222-2222-2222-22222222222A"}, CodeBadRequest},
		{"unknown action", &Request{Action: "reboot", APIKey: testAPIKey, DeviceID: testDeviceID}, CodeBadRequest},
		{"update params not object", &Request{Action: "update", APIKey: testAPIKey, DeviceID: testDeviceID, Params: json.RawMessage(`[1]`)}, CodeBadRequest},
		{"update params absent", &Request{Action: "update", APIKey: testAPIKey, DeviceID: testDeviceID}, CodeBadRequest},
		{"update by non-owner", &Request{Action: "update", APIKey: otherAPIKey, DeviceID: testDeviceID, Params: json.RawMessage(`{}`)}, CodeForbidden},
		{"app update by non-owner", &Request{Action: "update", APIKey: otherAPIKey, DeviceID: testDeviceID, Params: json.RawMessage(`{}`), Origin: OriginApp}, CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.disp.Handle(context.Background(), tt.req)
			if res.Error != tt.want {
				t.Errorf("Handle() error = %d, want %d", res.Error, tt.want)
			}
			if res.Reason != Reason(tt.want) {
				t.Errorf("Handle() reason = %q, want %q", res.Reason, Reason(tt.want))
			}
		})
	}
}

func TestDispatcher_Query(t *testing.T) {
	h := newHarness(t, time.Second)
	h.store.addDevice(testDeviceID, testAPIKey, device.Params{"on": true, "level": float64(5)})

	query := func(apiKey, deviceID, params string) Response {
		req := &Request{Action: "query", APIKey: apiKey, DeviceID: deviceID}
		if params != "" {
			req.Params = json.RawMessage(params)
		}
		return h.disp.Handle(context.Background(), req)
	}

	t.Run("all params", func(t *testing.T) {
		res := query(testAPIKey, testDeviceID, "")
		if got := decodeObject(t, res.Params); len(got) != 2 {
			t.Errorf("params = %v, want both keys", got)
		}
	})

	t.Run("selected keys", func(t *testing.T) {
		res := query(testAPIKey, testDeviceID, `["level","missing"]`)
		got := decodeObject(t, res.Params)
		if len(got) != 1 || got["level"] != float64(5) {
			t.Errorf("params = %v, want only level", got)
		}
	})

	t.Run("non-list selects all", func(t *testing.T) {
		res := query(testAPIKey, testDeviceID, `{"level":true}`)
		if got := decodeObject(t, res.Params); len(got) != 2 {
			t.Errorf("params = %v, want both keys", got)
		}
	})

	t.Run("wrong owner", func(t *testing.T) {
		if res := query(otherAPIKey, testDeviceID, ""); res.Error != CodeForbidden {
			t.Errorf("error = %d, want 403", res.Error)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		if res := query(testAPIKey, "44444444-4444-4444-4444-444444444444", ""); res.Error != CodeForbidden {
			t.Errorf("error = %d, want 403", res.Error)
		}
	})
}

func TestDispatcher_Register(t *testing.T) {
	const factoryKey = "55555555-5555-5555-5555-555555555555"
	h := newHarness(t, time.Second)
	h.store.factory[testDeviceID] = factoryKey
	h.store.factory["66666666-6666-6666-6666-666666666666"] = factoryKey
	h.store.addDevice(testDeviceID, testAPIKey, nil)

	register := func(apiKey, deviceID string) Response {
		return h.disp.Handle(context.Background(), &Request{Action: "register", APIKey: apiKey, DeviceID: deviceID, Sequence: "1"})
	}

	res := register(factoryKey, testDeviceID)
	if !res.OK() || res.APIKey != testAPIKey {
		t.Errorf("register claimed device = %+v, want owner apikey", res)
	}

	if res := register(otherAPIKey, testDeviceID); res.Error != CodeForbidden {
		t.Errorf("register with wrong factory key = %d, want 403", res.Error)
	}

	if res := register(factoryKey, "66666666-6666-6666-6666-666666666666"); res.Error != CodeNotFound {
		t.Errorf("register unclaimed device = %d, want 404", res.Error)
	}
}

func TestDispatcher_Date(t *testing.T) {
	h := newHarness(t, time.Second)
	h.disp.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 30, 45, 123_000_000, time.FixedZone("CET", 3600))
	}

	res := h.disp.Handle(context.Background(), &Request{Action: "date", APIKey: testAPIKey, DeviceID: testDeviceID, Sequence: "9"})
	if !res.OK() {
		t.Fatalf("Handle() = %+v", res)
	}
	if res.Date != "2026-03-01T11:30:45.123Z" {
		t.Errorf("date = %s", res.Date)
	}
	if res.Sequence != "9" || res.DeviceID != testDeviceID {
		t.Errorf("date reply not addressed to the request: %+v", res)
	}
}

func TestDispatcher_StoreFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	h.store.addDevice(testDeviceID, testAPIKey, nil)
	h.store.err = errors.New("disk I/O error")
	logger := &captureLogger{}
	h.disp.SetLogger(logger)

	for _, action := range []string{"update", "query", "register"} {
		res := h.disp.Handle(context.Background(), &Request{
			Action:   action,
			APIKey:   testAPIKey,
			DeviceID: testDeviceID,
			Params:   json.RawMessage(`{}`),
		})
		if res.Error != CodeInternal || res.Reason != "Internal Error" {
			t.Errorf("%s with failing store = %+v, want 500", action, res)
		}
	}
	if _, errs := logger.counts(); errs != 3 {
		t.Errorf("logged %d errors, want 3", errs)
	}
}

func TestDispatcher_DefaultTimeout(t *testing.T) {
	d := NewDispatcher(newMockStore(), nil, nil, nil, 0)
	if d.timeout != DefaultPendingTimeout || DefaultPendingTimeout != 3*time.Second {
		t.Errorf("default timeout = %v, want 3s", d.timeout)
	}
}

func TestSequenceSource_StrictlyIncreasing(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	s := &sequenceSource{now: func() time.Time { return fixed }}

	first := s.Next()
	second := s.Next()
	if first != "1700000000000" {
		t.Errorf("first = %s", first)
	}
	if second != "1700000000001" {
		t.Errorf("second = %s, want the next millisecond", second)
	}
}
