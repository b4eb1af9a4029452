package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

func createFactoryDevice(t *testing.T, env *testEnv) {
	t.Helper()
	err := env.repo.CreateFactoryDevice(context.Background(), &device.FactoryDevice{
		DeviceID: testFactoryID,
		APIKey:   testFactoryKey,
		Name:     "Plug",
		Type:     "PLUG",
	})
	if err != nil {
		t.Fatalf("CreateFactoryDevice() error = %v", err)
	}
}

func TestDevices_RequireToken(t *testing.T) {
	env := newTestEnv(t, time.Second)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "abc.def.ghi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/api/user/device", tt.token, nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestDevices_ListOnlyOwned(t *testing.T) {
	env := newTestEnv(t, time.Second)

	resp := env.do(t, http.MethodGet, "/api/user/device", env.token(t, testOwner), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}](t, resp)
	if body.Count != 1 || body.Devices[0].DeviceID != testDeviceID {
		t.Errorf("body = %+v, want the one owned device", body)
	}

	resp = env.do(t, http.MethodGet, "/api/user/device", env.token(t, testOtherOwner), nil)
	other := decodeBody[struct {
		Count int `json:"count"`
	}](t, resp)
	if other.Count != 0 {
		t.Errorf("other owner sees %d devices, want 0", other.Count)
	}
}

func TestDevices_AddClaimsFactoryDevice(t *testing.T) {
	env := newTestEnv(t, time.Second)
	createFactoryDevice(t, env)
	token := env.token(t, testOwner)

	add := map[string]string{
		"deviceid": testFactoryID,
		"apikey":   testFactoryKey,
		"name":     "Desk plug",
		"group":    "office",
	}
	resp := env.do(t, http.MethodPost, "/api/user/device/add", token, add)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	dev := decodeBody[device.Device](t, resp)
	if dev.APIKey != testOwner || dev.Type != "PLUG" || dev.Group != "office" {
		t.Errorf("device = %+v", dev)
	}

	waitFor(t, "device.change", func() bool { return len(env.events.ofType(protocol.EventDeviceChange)) == 1 })

	resp = env.do(t, http.MethodPost, "/api/user/device/add", token, add)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second add status = %d, want 409", resp.StatusCode)
	}
}

func TestDevices_AddRejections(t *testing.T) {
	env := newTestEnv(t, time.Second)
	createFactoryDevice(t, env)
	token := env.token(t, testOwner)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"wrong factory key", map[string]string{"deviceid": testFactoryID, "apikey": testOtherOwner, "name": "x"}, http.StatusNotFound},
		{"malformed id", map[string]string{"deviceid": "plug", "apikey": testFactoryKey, "name": "x"}, http.StatusBadRequest},
		{"empty name", map[string]string{"deviceid": testFactoryID, "apikey": testFactoryKey, "name": " "}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/user/device/add", token, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestDevices_GetUpdateDelete(t *testing.T) {
	env := newTestEnv(t, time.Second)
	token := env.token(t, testOwner)
	path := "/api/user/device/" + testDeviceID

	resp := env.do(t, http.MethodGet, path, env.token(t, testOtherOwner), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, path, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if dev := decodeBody[device.Device](t, resp); dev.Name != "Hall switch" {
		t.Errorf("name = %q", dev.Name)
	}

	resp = env.do(t, http.MethodPost, path, token, map[string]string{"name": "Porch switch", "group": "outside"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}
	if dev := decodeBody[device.Device](t, resp); dev.Name != "Porch switch" || dev.Group != "outside" {
		t.Errorf("updated = %+v", dev)
	}

	resp = env.do(t, http.MethodDelete, path, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	waitFor(t, "two device.change events", func() bool { return len(env.events.ofType(protocol.EventDeviceChange)) == 2 })
	changes := env.events.ofType(protocol.EventDeviceChange)
	if changes[0].Removed || !changes[1].Removed {
		t.Errorf("removed flags = %v, %v; want false, true", changes[0].Removed, changes[1].Removed)
	}

	resp = env.do(t, http.MethodGet, path, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestDevices_History(t *testing.T) {
	env := newTestEnv(t, time.Second)
	ctx := context.Background()
	token := env.token(t, testOwner)

	for _, state := range []string{"on", "off", "on"} {
		if _, err := env.repo.ApplyParams(ctx, testDeviceID, device.Params{"switch": state}); err != nil {
			t.Fatalf("ApplyParams() error = %v", err)
		}
	}

	resp := env.do(t, http.MethodGet, "/api/devices/"+testDeviceID+"/history?limit=2", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[struct {
		History []device.Update `json:"history"`
		Count   int             `json:"count"`
	}](t, resp)
	if body.Count != 2 {
		t.Fatalf("count = %d, want 2", body.Count)
	}
	if body.History[0].Params["switch"] != "on" || body.History[1].Params["switch"] != "off" {
		t.Errorf("history not newest first: %+v", body.History)
	}

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"bad limit", "/api/devices/" + testDeviceID + "/history?limit=zero", token, http.StatusBadRequest},
		{"foreign device", "/api/devices/" + testDeviceID + "/history", env.token(t, testOtherOwner), http.StatusNotFound},
		{"no token", "/api/devices/" + testDeviceID + "/history", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, tt.path, tt.token, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
