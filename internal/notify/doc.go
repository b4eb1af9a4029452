// Package notify hosts the consumers of protocol events.
//
// Every consumer subscribes to the protocol.Bus and therefore runs on its
// own goroutine with its own bounded queue; a slow broker or database never
// holds up a connection.
//
//   - Presence persists the online flag of every device.
//   - Forwarder mirrors events onto MQTT device topics.
//   - CommandBridge applies params published on MQTT set topics.
//   - Telemetry writes numeric and boolean params to InfluxDB.
package notify
