package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the core publishes or subscribes to.
const TopicPrefix = "iotgo"

// Topics builds iotgo MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceUpdate("2f0c...")
//	// Returns: "iotgo/device/2f0c.../update"
type Topics struct{}

// DeviceUpdate carries the merged params after every applied update.
//
// Example: iotgo/device/{deviceid}/update
func (Topics) DeviceUpdate(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/update", TopicPrefix, deviceID)
}

// DeviceOnline carries the retained online state of a device.
//
// Example: iotgo/device/{deviceid}/online
func (Topics) DeviceOnline(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/online", TopicPrefix, deviceID)
}

// DeviceChange carries device record changes (claim, rename, delete).
//
// Example: iotgo/device/{deviceid}/change
func (Topics) DeviceChange(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/change", TopicPrefix, deviceID)
}

// DeviceSet is where external consumers publish params to apply to a device.
//
// Example: iotgo/device/{deviceid}/set
func (Topics) DeviceSet(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/set", TopicPrefix, deviceID)
}

// DeviceResult carries the protocol response to a message on DeviceSet.
//
// Example: iotgo/device/{deviceid}/result
func (Topics) DeviceResult(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/result", TopicPrefix, deviceID)
}

// SystemStatus is the retained core status topic, also used for the LWT.
//
// Example: iotgo/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllDeviceSets matches DeviceSet for every device.
//
// Pattern: iotgo/device/+/set
func (Topics) AllDeviceSets() string {
	return TopicPrefix + "/device/+/set"
}

// DeviceIDFromTopic extracts the deviceid from any iotgo/device/{deviceid}/...
// topic. It returns false for other topics.
func DeviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[1] != "device" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
