package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nerrad567/iotgo-core/internal/device"
)

// Dispatcher validates requests and runs the matching action.
//
// Handle always returns a Response; failures are expressed as error codes
// and never escape as Go errors.
type Dispatcher struct {
	store    DeviceStore
	presence Presence
	pending  *PendingTable
	bus      *Bus
	timeout  time.Duration
	seq      *sequenceSource
	now      func() time.Time
	logger   Logger

	// updates serialises merge and publication per deviceid, so events
	// leave in the order the store applied them.
	updates *keyLock
}

// NewDispatcher wires a dispatcher. timeout bounds how long an app update
// waits for the device to confirm it.
func NewDispatcher(store DeviceStore, presence Presence, pending *PendingTable, bus *Bus, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	return &Dispatcher{
		store:    store,
		presence: presence,
		pending:  pending,
		bus:      bus,
		timeout:  timeout,
		seq:      &sequenceSource{now: time.Now},
		now:      time.Now,
		logger:   noopLogger{},
		updates:  newKeyLock(),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Handle runs req and returns its single terminal response.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) Response {
	if req.Action == "" || req.APIKey == "" || req.DeviceID == "" {
		return reply(req, CodeBadRequest)
	}
	if !device.ValidID(req.APIKey) || !device.ValidID(req.DeviceID) {
		return reply(req, CodeBadRequest)
	}
	action, ok := ParseAction(req.Action)
	if !ok {
		return reply(req, CodeBadRequest)
	}

	switch action {
	case ActionRegister:
		return d.register(ctx, req)
	case ActionUpdate:
		if req.Origin == OriginApp {
			return d.forwardUpdate(ctx, req)
		}
		return d.applyUpdate(ctx, req)
	case ActionQuery:
		return d.query(ctx, req)
	case ActionDate:
		return d.date(req)
	default:
		return reply(req, CodeBadRequest)
	}
}

// register answers a factory-fresh device with its owner's apikey.
func (d *Dispatcher) register(ctx context.Context, req *Request) Response {
	ok, err := d.store.FactoryDeviceExists(ctx, req.APIKey, req.DeviceID)
	if err != nil {
		return d.internal(req, "checking factory device", err)
	}
	if !ok {
		return reply(req, CodeForbidden)
	}

	dev, err := d.store.FindDeviceByID(ctx, req.DeviceID)
	if errors.Is(err, device.ErrDeviceNotFound) {
		return reply(req, CodeNotFound)
	}
	if err != nil {
		return d.internal(req, "finding device", err)
	}

	res := reply(req, CodeOK)
	res.APIKey = dev.APIKey
	return res
}

// forwardUpdate sends an app's update to the device and applies it once the
// device confirms.
func (d *Dispatcher) forwardUpdate(ctx context.Context, req *Request) Response {
	if _, ok := decodeParams(req.Params); !ok {
		return reply(req, CodeBadRequest)
	}

	ok, err := d.store.DeviceExists(ctx, req.APIKey, req.DeviceID)
	if err != nil {
		return d.internal(req, "checking device", err)
	}
	if !ok {
		return reply(req, CodeForbidden)
	}

	if !d.presence.IsOnline(req.DeviceID) {
		return reply(req, CodeDeviceOffline)
	}

	if req.Sequence == "" {
		req.Sequence = d.seq.Next()
	}

	res := d.pending.Await(ctx, req, d.timeout)
	if !res.OK() {
		res.Sequence = req.Sequence
		res.DeviceID = req.DeviceID
		if res.Reason == "" {
			res.Reason = Reason(res.Error)
		}
		return res
	}

	return d.applyUpdate(ctx, req)
}

// applyUpdate merges params into the stored state and publishes exactly one
// device.update carrying the merged params.
func (d *Dispatcher) applyUpdate(ctx context.Context, req *Request) Response {
	partial, ok := decodeParams(req.Params)
	if !ok {
		return reply(req, CodeBadRequest)
	}

	exists, err := d.store.DeviceExists(ctx, req.APIKey, req.DeviceID)
	if err != nil {
		return d.internal(req, "checking device", err)
	}
	if !exists {
		return reply(req, CodeForbidden)
	}

	unlock := d.updates.Lock(req.DeviceID)
	defer unlock()

	merged, err := d.store.ApplyParams(ctx, req.DeviceID, partial)
	if errors.Is(err, device.ErrDeviceNotFound) {
		return reply(req, CodeForbidden)
	}
	if err != nil {
		return d.internal(req, "applying params", err)
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return d.internal(req, "encoding params", err)
	}

	d.bus.Publish(Event{
		Type:     EventDeviceUpdate,
		DeviceID: req.DeviceID,
		APIKey:   req.APIKey,
		Sequence: req.Sequence,
		Params:   merged,
		Source:   req.Conn,
	})

	res := reply(req, CodeOK)
	res.Params = encoded
	return res
}

// query returns all stored params, or only the requested keys.
func (d *Dispatcher) query(ctx context.Context, req *Request) Response {
	dev, err := d.store.FindDeviceByID(ctx, req.DeviceID)
	if errors.Is(err, device.ErrDeviceNotFound) {
		return reply(req, CodeForbidden)
	}
	if err != nil {
		return d.internal(req, "finding device", err)
	}
	if dev.APIKey != req.APIKey {
		return reply(req, CodeForbidden)
	}

	// A list of keys selects; anything else (absent, null, an object) means all.
	var keys []string
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &keys); err != nil {
			keys = nil
		}
	}

	encoded, err := json.Marshal(dev.Params.Select(keys))
	if err != nil {
		return d.internal(req, "encoding params", err)
	}

	res := reply(req, CodeOK)
	res.Params = encoded
	return res
}

func (d *Dispatcher) date(req *Request) Response {
	res := reply(req, CodeOK)
	res.Date = formatDate(d.now())
	return res
}

func (d *Dispatcher) internal(req *Request, op string, err error) Response {
	d.logger.Error("store failure",
		"op", op,
		"action", req.Action,
		"deviceid", req.DeviceID,
		"error", err,
	)
	return reply(req, CodeInternal)
}

// decodeParams accepts only a JSON object.
func decodeParams(raw json.RawMessage) (device.Params, bool) {
	if !isObject(raw) {
		return nil, false
	}
	var p device.Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	return p, true
}
