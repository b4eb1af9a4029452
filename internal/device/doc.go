// Package device is the persistent device store for iotgo core.
//
// It keeps three tables in SQLite:
//
//   - factory_devices: devices as shipped, keyed by deviceid with the
//     apikey flashed into the hardware
//   - devices: devices claimed by an account, with their merged params
//     and last known online flag
//   - device_updates: an append-only history of params merges and
//     online transitions
//
// SQLiteRepository satisfies the store interface the protocol dispatcher
// depends on, so the dispatcher never touches SQL directly.
package device
