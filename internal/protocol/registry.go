package protocol

import (
	"slices"
	"sync"
)

// Registry tracks the canonical connection of every online device and the
// app connections watching each device.
//
// A device has at most one canonical connection: the most recent one to
// complete a successful exchange. A newer connection displaces the older
// entry without closing the older socket. Closing a displaced socket later
// does not take the device offline.
//
// Mutations for one deviceid, together with the event they publish, are
// serialised by a per-device lock. Different deviceids never block each
// other beyond the short map critical section.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Registry struct {
	bus    *Bus
	keys   *keyLock
	logger Logger

	mu      sync.Mutex
	devices map[string]Conn
	apps    map[string][]Conn
	// watching is the reverse index of apps, used by Cleanup.
	watching map[Conn]map[string]struct{}

	unsubscribe func()
}

// NewRegistry creates a Registry that publishes online transitions on bus and
// fans update and online events from bus out to watching apps.
func NewRegistry(bus *Bus) *Registry {
	r := &Registry{
		bus:      bus,
		keys:     newKeyLock(),
		logger:   noopLogger{},
		devices:  make(map[string]Conn),
		apps:     make(map[string][]Conn),
		watching: make(map[Conn]map[string]struct{}),
	}
	// FanOutToApps only enqueues on connections, so blocking delivery never
	// stalls publishers for long and watching apps miss nothing.
	r.unsubscribe = bus.SubscribeBlocking("registry", r.FanOutToApps,
		EventDeviceUpdate, EventDeviceOnline, EventDeviceOffline)
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Close stops fan-out. Registered connections are left untouched.
func (r *Registry) Close() {
	r.unsubscribe()
}

// RegisterDevice makes conn the canonical connection for deviceID and
// publishes device.online. It returns false, publishing nothing, when conn
// already is the canonical connection.
func (r *Registry) RegisterDevice(deviceID string, conn Conn) bool {
	unlock := r.keys.Lock(deviceID)
	defer unlock()

	r.mu.Lock()
	prev, had := r.devices[deviceID]
	if had && prev == conn {
		r.mu.Unlock()
		return false
	}
	r.devices[deviceID] = conn
	r.mu.Unlock()

	if had {
		r.logger.Info("device connection displaced", "deviceid", deviceID)
	} else {
		r.logger.Info("device online", "deviceid", deviceID)
	}

	r.bus.Publish(Event{
		Type:     EventDeviceOnline,
		DeviceID: deviceID,
		APIKey:   conn.Identity().APIKey,
		Online:   true,
		Source:   conn,
	})
	return true
}

// RegisterApp adds conn to the observers of deviceID if it is not already one.
func (r *Registry) RegisterApp(deviceID string, conn Conn) {
	unlock := r.keys.Lock(deviceID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.apps[deviceID], conn) {
		return
	}
	r.apps[deviceID] = append(r.apps[deviceID], conn)

	set, ok := r.watching[conn]
	if !ok {
		set = make(map[string]struct{})
		r.watching[conn] = set
	}
	set[deviceID] = struct{}{}
}

// DeliverToDevice sends req to the canonical connection of req.DeviceID.
// It never sends a request back to the connection that produced it.
func (r *Registry) DeliverToDevice(req *Request) bool {
	r.mu.Lock()
	conn, ok := r.devices[req.DeviceID]
	r.mu.Unlock()

	if !ok || conn == req.Conn {
		return false
	}

	data, err := Encode(req)
	if err != nil {
		r.logger.Error("encoding request for device", "deviceid", req.DeviceID, "error", err)
		return false
	}
	return conn.Send(data)
}

// FanOutToApps sends the wire form of e to every app watching e.DeviceID,
// except e.Source.
func (r *Registry) FanOutToApps(e Event) {
	r.mu.Lock()
	targets := slices.Clone(r.apps[e.DeviceID])
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	data, err := e.Message()
	if err != nil {
		r.logger.Error("encoding event for apps", "event", string(e.Type), "deviceid", e.DeviceID, "error", err)
		return
	}

	for _, c := range targets {
		if c == e.Source {
			continue
		}
		if !c.Send(data) {
			r.logger.Debug("app send failed", "deviceid", e.DeviceID, "event", string(e.Type))
		}
	}
}

// Cleanup forgets conn. If it was a canonical device connection the device
// goes offline and device.offline is published. Calling it again is a no-op.
func (r *Registry) Cleanup(conn Conn) {
	id := conn.Identity()
	if id.DeviceID != "" {
		r.removeDevice(id.DeviceID, conn)
	}

	r.mu.Lock()
	watched := make([]string, 0, len(r.watching[conn]))
	for deviceID := range r.watching[conn] {
		watched = append(watched, deviceID)
	}
	r.mu.Unlock()

	for _, deviceID := range watched {
		r.removeApp(deviceID, conn)
	}
}

func (r *Registry) removeDevice(deviceID string, conn Conn) {
	unlock := r.keys.Lock(deviceID)
	defer unlock()

	r.mu.Lock()
	if r.devices[deviceID] != conn {
		r.mu.Unlock()
		return
	}
	delete(r.devices, deviceID)
	r.mu.Unlock()

	r.logger.Info("device offline", "deviceid", deviceID)
	r.bus.Publish(Event{
		Type:     EventDeviceOffline,
		DeviceID: deviceID,
		APIKey:   conn.Identity().APIKey,
		Online:   false,
		Source:   conn,
	})
}

func (r *Registry) removeApp(deviceID string, conn Conn) {
	unlock := r.keys.Lock(deviceID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	observers := slices.DeleteFunc(r.apps[deviceID], func(c Conn) bool { return c == conn })
	if len(observers) == 0 {
		delete(r.apps, deviceID)
	} else {
		r.apps[deviceID] = observers
	}

	if set, ok := r.watching[conn]; ok {
		delete(set, deviceID)
		if len(set) == 0 {
			delete(r.watching, conn)
		}
	}
}

// IsOnline reports whether deviceID has a canonical connection.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[deviceID]
	return ok
}

// DeviceConn returns the canonical connection of deviceID, if any.
func (r *Registry) DeviceConn(deviceID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.devices[deviceID]
	return c, ok
}

// Observers returns the app connections watching deviceID in registration order.
func (r *Registry) Observers(deviceID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.apps[deviceID])
}

// OnlineCount returns the number of devices with a canonical connection.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
