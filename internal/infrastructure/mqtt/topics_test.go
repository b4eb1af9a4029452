package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	const id = "22222222-2222-2222-2222-222222222222"

	tests := []struct {
		got  string
		want string
	}{
		{topics.DeviceUpdate(id), "iotgo/device/" + id + "/update"},
		{topics.DeviceOnline(id), "iotgo/device/" + id + "/online"},
		{topics.DeviceChange(id), "iotgo/device/" + id + "/change"},
		{topics.DeviceSet(id), "iotgo/device/" + id + "/set"},
		{topics.DeviceResult(id), "iotgo/device/" + id + "/result"},
		{topics.SystemStatus(), "iotgo/system/status"},
		{topics.AllDeviceSets(), "iotgo/device/+/set"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %s, want %s", tt.got, tt.want)
		}
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"iotgo/device/abc/set", "abc", true},
		{"iotgo/device/abc/update", "abc", true},
		{"iotgo/device//set", "", false},
		{"iotgo/system/status", "", false},
		{"other/device/abc/set", "", false},
		{"iotgo/device/abc/set/extra", "", false},
	}
	for _, tt := range tests {
		got, ok := DeviceIDFromTopic(tt.topic)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("DeviceIDFromTopic(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
		}
	}
}
