// Package auth verifies the identity of websocket and HTTP callers.
//
// Devices authenticate with their deviceid and the owner's apikey, checked
// against the device store. Apps authenticate with an HS256 JWT whose
// apikey claim names the account; tokens are issued by the account
// service, which shares the signing secret with the core.
package auth
