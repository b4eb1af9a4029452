package api

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

func TestHTTPRequest_DeviceUpdate(t *testing.T) {
	env := newTestEnv(t, time.Second)

	resp := env.do(t, http.MethodPost, "/api/http", "", map[string]any{
		"action":   "update",
		"apikey":   testOwner,
		"deviceid": testDeviceID,
		"sequence": 42,
		"params":   map[string]any{"switch": "on"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	res := decodeBody[protocol.Response](t, resp)
	if !res.OK() || res.Sequence != "42" {
		t.Fatalf("response = %+v, want success for sequence 42", res)
	}

	stored, err := env.repo.FindDeviceByID(context.Background(), testDeviceID)
	if err != nil {
		t.Fatalf("FindDeviceByID() error = %v", err)
	}
	if stored.Params["switch"] != "on" {
		t.Errorf("stored params = %v", stored.Params)
	}
	waitFor(t, "device.update", func() bool { return len(env.events.ofType(protocol.EventDeviceUpdate)) == 1 })
}

func TestHTTPRequest_Errors(t *testing.T) {
	env := newTestEnv(t, time.Second)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"not a request", map[string]any{"hello": "world"}, protocol.CodeBadRequest},
		{"unknown action", map[string]any{"action": "reboot", "apikey": testOwner, "deviceid": testDeviceID}, protocol.CodeBadRequest},
		{"foreign device", map[string]any{"action": "update", "apikey": testOtherOwner, "deviceid": testDeviceID, "params": map[string]any{}}, protocol.CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/http", "", tt.body)
			res := decodeBody[protocol.Response](t, resp)
			if res.Error != tt.want {
				t.Errorf("error = %d, want %d", res.Error, tt.want)
			}
		})
	}
}

func TestHTTPRequest_RequiresJSONContentType(t *testing.T) {
	env := newTestEnv(t, time.Second)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/http", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestHTTPRequest_RegisterReturnsOwnerKey(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()

	// The shipped record and the claimed device share the deviceid.
	if err := env.repo.CreateFactoryDevice(ctx, &device.FactoryDevice{
		DeviceID: testDeviceID,
		APIKey:   testFactoryKey,
		Name:     "Switch",
		Type:     "SWITCH",
	}); err != nil {
		t.Fatalf("CreateFactoryDevice() error = %v", err)
	}

	resp := env.do(t, http.MethodPost, "/api/http", "", map[string]any{
		"action":   "register",
		"apikey":   testFactoryKey,
		"deviceid": testDeviceID,
	})
	res := decodeBody[protocol.Response](t, resp)
	if !res.OK() || res.APIKey != testOwner {
		t.Errorf("response = %+v, want owner apikey", res)
	}

	resp = env.do(t, http.MethodPost, "/api/http", "", map[string]any{
		"action":   "register",
		"apikey":   testOwner,
		"deviceid": testDeviceID,
	})
	if res := decodeBody[protocol.Response](t, resp); res.Error != protocol.CodeForbidden {
		t.Errorf("register with owner key error = %d, want 403", res.Error)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, time.Second)

	dev := env.dialDevice(t, testOwner, testDeviceID)
	dev.register(testDeviceID)

	resp := env.do(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["status"] != "ok" || body["version"] != "test" || body["devices_online"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() with no dependencies succeeded")
	}
}
