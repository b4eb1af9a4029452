// Package influxdb records device telemetry in InfluxDB v2.
//
// It wraps influxdb-client-go with connection checks and batched,
// non-blocking writes. The telemetry consumer in internal/notify writes the
// numeric and boolean params of every applied update and every presence
// transition.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDeviceParams(deviceID, map[string]any{"power": 12.5}, time.Now())
//
// Write failures surface asynchronously through SetOnError.
package influxdb
