package notify

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

// MetricWriter records time series points. *influxdb.Client implements it.
type MetricWriter interface {
	WriteDeviceParams(deviceID string, fields map[string]any, ts time.Time)
	WriteDevicePresence(deviceID string, online bool, ts time.Time)
}

// Telemetry writes the numeric and boolean params of every update, and
// every presence transition, to a MetricWriter.
type Telemetry struct {
	writer      MetricWriter
	unsubscribe func()
}

// NewTelemetry creates a telemetry consumer.
func NewTelemetry(writer MetricWriter) *Telemetry {
	return &Telemetry{writer: writer}
}

// Start subscribes to update and presence events.
func (t *Telemetry) Start(bus *protocol.Bus) {
	t.unsubscribe = bus.Subscribe("telemetry", t.handle,
		protocol.EventDeviceUpdate, protocol.EventDeviceOnline, protocol.EventDeviceOffline)
}

// Stop unsubscribes.
func (t *Telemetry) Stop() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

func (t *Telemetry) handle(e protocol.Event) {
	switch e.Type {
	case protocol.EventDeviceUpdate:
		t.writer.WriteDeviceParams(e.DeviceID, metricFields(e.Params), e.Time)
	case protocol.EventDeviceOnline, protocol.EventDeviceOffline:
		t.writer.WriteDevicePresence(e.DeviceID, e.Online, e.Time)
	}
}

// metricFields keeps the params a time series can hold. Strings, objects
// and arrays are skipped.
func metricFields(params device.Params) map[string]any {
	fields := make(map[string]any, len(params))
	for k, v := range params {
		switch n := v.(type) {
		case float64, bool, int, int64:
			fields[k] = n
		case json.Number:
			if f, err := n.Float64(); err == nil {
				fields[k] = f
			}
		}
	}
	return fields
}
