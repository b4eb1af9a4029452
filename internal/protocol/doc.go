// Package protocol implements the iotgo device command protocol.
//
// Devices and apps exchange JSON frames over long-lived connections. The
// package classifies frames (Classify), runs requests (Dispatcher),
// correlates app requests forwarded to a device with the device's answer
// (PendingTable), tracks which connection speaks for each device and which
// apps watch it (Registry), and publishes state changes (Bus).
//
// Data flow for an app update:
//
//	app frame -> Classify -> Dispatcher.Handle -> PendingTable.Await
//	    -> Registry.DeliverToDevice -> device frame -> Classify
//	    -> PendingTable.PostResponse -> Dispatcher applies params
//	    -> Bus (device.update) -> Registry.FanOutToApps
//
// The transport lives in internal/api; this package only sees the Conn
// interface.
package protocol
