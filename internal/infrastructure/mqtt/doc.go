// Package mqtt connects the iotgo core to an MQTT broker.
//
// The broker is optional. When configured, protocol events are mirrored
// onto device topics for external consumers, and params published on
// iotgo/device/{deviceid}/set are applied to the device through the same
// dispatcher that serves app connections.
//
// The client reconnects with backoff, restores its subscriptions after a
// reconnect and keeps a retained status on iotgo/system/status, with a last
// will that flips it to offline if the process dies.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Publish(mqtt.Topics{}.DeviceUpdate(id), payload, client.QoS(), false)
package mqtt
