package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements are tagged with the deviceid.
const (
	MeasurementDeviceParams   = "device_params"
	MeasurementDevicePresence = "device_presence"
)

// WriteDeviceParams records the numeric and boolean params of one applied
// update. An empty field set is skipped; InfluxDB rejects it.
func (c *Client) WriteDeviceParams(deviceID string, fields map[string]any, ts time.Time) {
	if len(fields) == 0 {
		return
	}
	c.writeDevicePoint(MeasurementDeviceParams, deviceID, fields, ts)
}

// WriteDevicePresence records an online or offline transition.
func (c *Client) WriteDevicePresence(deviceID string, online bool, ts time.Time) {
	c.writeDevicePoint(MeasurementDevicePresence, deviceID, map[string]any{"online": online}, ts)
}

func (c *Client) writeDevicePoint(measurement, deviceID string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	tags := map[string]string{"deviceid": deviceID}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
