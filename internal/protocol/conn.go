package protocol

// Identity is the verified identity of a connection, fixed at authentication.
// Device connections carry DeviceID and the owner's APIKey; app connections
// carry only APIKey.
type Identity struct {
	Origin   Origin
	DeviceID string
	APIKey   string
}

// Conn is a live transport endpoint as seen by the protocol.
//
// Implementations must be comparable (normally a pointer) because the
// registry uses them as map keys.
type Conn interface {
	// Send queues an encoded frame. It never blocks and reports false when
	// the connection is closed or its outbound buffer is full.
	Send(data []byte) bool

	// Identity returns the connection's verified identity.
	Identity() Identity
}
