package protocol

import (
	"context"
	"sync"
	"time"
)

// DefaultPendingTimeout is how long a forwarded update waits for the device.
const DefaultPendingTimeout = 3000 * time.Millisecond

// Deliverer sends a request to its target device's canonical connection.
type Deliverer interface {
	DeliverToDevice(req *Request) bool
}

// CorrelationKey joins a deviceid and sequence into the key that pairs a
// device's response with the request that caused it.
func CorrelationKey(deviceID string, seq Sequence) string {
	return deviceID + "-" + string(seq)
}

// pendingOp is one request waiting for a device response.
type pendingOp struct {
	req    *Request
	result chan Response // buffered, receives exactly one value
	timer  *time.Timer
}

// PendingTable correlates app requests forwarded to a device with the
// device's eventual response.
//
// Each entry is settled exactly once, by whichever of the device response,
// the timer, or the caller's context gets to remove it from the table
// first. The loser finds the entry gone and does nothing.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type PendingTable struct {
	deliver Deliverer
	logger  Logger

	mu      sync.Mutex
	entries map[string]*pendingOp
}

// NewPendingTable creates a table that forwards requests through deliver.
func NewPendingTable(deliver Deliverer) *PendingTable {
	return &PendingTable{
		deliver: deliver,
		logger:  noopLogger{},
		entries: make(map[string]*pendingOp),
	}
}

// SetLogger sets the logger for the table.
func (p *PendingTable) SetLogger(logger Logger) {
	p.logger = logger
}

// Await registers req, forwards it to the device and blocks until the
// device answers, timeout elapses, or ctx ends.
//
// A second Await under a live correlation key is rejected with 409. If the
// device has no canonical connection at delivery time the wait ends at once
// with 503. Timeout and cancellation both yield 504.
func (p *PendingTable) Await(ctx context.Context, req *Request, timeout time.Duration) Response {
	if timeout <= 0 {
		timeout = DefaultPendingTimeout
	}
	key := CorrelationKey(req.DeviceID, req.Sequence)

	p.mu.Lock()
	if _, exists := p.entries[key]; exists {
		p.mu.Unlock()
		p.logger.Warn("duplicate pending request", "deviceid", req.DeviceID, "sequence", string(req.Sequence))
		return reply(req, CodeConflict)
	}
	op := &pendingOp{
		req:    req,
		result: make(chan Response, 1),
	}
	p.entries[key] = op
	// The callback needs p.mu, so it cannot settle op before op.timer is set.
	op.timer = time.AfterFunc(timeout, func() {
		if p.settle(key, op, reply(req, CodeRequestTimeout)) {
			p.logger.Debug("pending request timed out", "deviceid", req.DeviceID, "sequence", string(req.Sequence))
		}
	})
	p.mu.Unlock()

	if !p.deliver.DeliverToDevice(req) {
		p.settle(key, op, reply(req, CodeDeviceOffline))
	}

	select {
	case res := <-op.result:
		return res
	case <-ctx.Done():
		p.settle(key, op, reply(req, CodeRequestTimeout))
		return <-op.result
	}
}

// Resolve settles the entry under key with res. It reports false when no
// entry exists, for example because the timer already fired.
func (p *PendingTable) Resolve(key string, res Response) bool {
	p.mu.Lock()
	op, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return p.settle(key, op, res)
}

// PostResponse routes a device response to its pending request. Responses
// without sequence or deviceid, and stray or duplicate responses, are ignored.
func (p *PendingTable) PostResponse(res *Response) bool {
	if res == nil || res.Sequence == "" || res.DeviceID == "" {
		return false
	}
	if !p.Resolve(CorrelationKey(res.DeviceID, res.Sequence), *res) {
		p.logger.Debug("stray response", "deviceid", res.DeviceID, "sequence", string(res.Sequence))
		return false
	}
	return true
}

// Len returns the number of requests still waiting.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Has reports whether key is still waiting.
func (p *PendingTable) Has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// settle removes op and delivers res, but only if op is still the entry
// under key. Only the caller that removes the entry delivers a result.
func (p *PendingTable) settle(key string, op *pendingOp, res Response) bool {
	p.mu.Lock()
	if p.entries[key] != op {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, key)
	p.mu.Unlock()

	op.timer.Stop()
	op.result <- res
	return true
}
