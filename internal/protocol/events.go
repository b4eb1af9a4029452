package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/iotgo-core/internal/device"
)

// EventType names a protocol event.
type EventType string

const (
	// EventDeviceUpdate fires once per applied params merge with the full merged params.
	EventDeviceUpdate EventType = "device.update"
	// EventDeviceOnline fires when a connection becomes a device's canonical connection.
	EventDeviceOnline EventType = "device.online"
	// EventDeviceOffline fires when the canonical connection is cleaned up.
	EventDeviceOffline EventType = "device.offline"
	// EventDeviceChange fires when a device record is created, renamed or removed.
	EventDeviceChange EventType = "device.change"
)

// DefaultQueueSize is the per-subscriber buffer used when none is configured.
const DefaultQueueSize = 256

// ErrNoWireForm is returned by Event.Message for events apps never receive.
var ErrNoWireForm = errors.New("protocol: event has no wire form")

// Event is published on the Bus.
type Event struct {
	Type     EventType
	DeviceID string
	APIKey   string
	Sequence Sequence

	// Params is the merged state for device.update.
	Params device.Params

	// Online is the new state for device.online and device.offline.
	Online bool

	// Device is the record snapshot for device.change. Removed marks a deletion.
	Device  *device.Device
	Removed bool

	// Source is the connection that caused the event. Fan-out skips it.
	Source Conn

	Time time.Time
}

// sysmsg is the wire form of an online transition.
type sysmsg struct {
	Action   string       `json:"action"`
	DeviceID string       `json:"deviceid"`
	APIKey   string       `json:"apikey"`
	Params   onlineParams `json:"params"`
}

type onlineParams struct {
	Online bool `json:"online"`
}

// Message returns the frame sent to watching apps.
func (e Event) Message() ([]byte, error) {
	switch e.Type {
	case EventDeviceUpdate:
		params, err := json.Marshal(e.Params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		return Encode(Request{
			Action:   "update",
			APIKey:   e.APIKey,
			DeviceID: e.DeviceID,
			Sequence: e.Sequence,
			Params:   params,
		})
	case EventDeviceOnline, EventDeviceOffline:
		return Encode(sysmsg{
			Action:   "sysmsg",
			DeviceID: e.DeviceID,
			APIKey:   e.APIKey,
			Params:   onlineParams{Online: e.Online},
		})
	default:
		return nil, ErrNoWireForm
	}
}

// Handler consumes events. It runs on the subscriber's own goroutine.
type Handler func(Event)

type subscriber struct {
	name   string
	types  map[EventType]struct{}
	queue  chan Event
	handle Handler
	// blocking subscribers make Publish wait for queue space instead of
	// dropping the event.
	blocking bool
}

// Bus is an asynchronous publish/subscribe hub for protocol events.
//
// Every subscriber owns a bounded queue drained by one goroutine, so
// delivery to a subscriber is in publish order. A panicking subscriber is
// recovered. When a Subscribe queue is full the event is dropped for that
// subscriber and a warning is logged; a SubscribeBlocking queue makes the
// publisher wait instead.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	subs      map[*subscriber]struct{}
	queueSize int
	closed    bool
	wg        sync.WaitGroup

	// logMu is separate from mu: a recovering subscriber must be able to
	// log while a blocked Publish holds mu.
	logMu  sync.Mutex
	logger Logger
}

// NewBus creates a Bus with the given per-subscriber queue size.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[*subscriber]struct{}),
		queueSize: queueSize,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the bus.
func (b *Bus) SetLogger(logger Logger) {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	b.logger = logger
}

func (b *Bus) log() Logger {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	return b.logger
}

// Subscribe registers h for the given event types (all types when none are
// given). The returned function unsubscribes and waits for h to finish the
// events already queued.
func (b *Bus) Subscribe(name string, h Handler, types ...EventType) (unsubscribe func()) {
	return b.subscribe(name, h, false, types)
}

// SubscribeBlocking is Subscribe for a consumer that must see every event.
// When its queue is full Publish waits, so h must never block.
func (b *Bus) SubscribeBlocking(name string, h Handler, types ...EventType) (unsubscribe func()) {
	return b.subscribe(name, h, true, types)
}

func (b *Bus) subscribe(name string, h Handler, blocking bool, types []EventType) func() {
	s := &subscriber{
		name:     name,
		queue:    make(chan Event, b.queueSize),
		handle:   h,
		blocking: blocking,
	}
	if len(types) > 0 {
		s.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[s] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer b.wg.Done()
		defer close(done)
		b.run(s)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.queue)
			}
			b.mu.Unlock()
			<-done
		})
	}
}

// Publish queues e for every interested subscriber. It only waits on
// subscribers registered with SubscribeBlocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for s := range b.subs {
		if s.types != nil {
			if _, ok := s.types[e.Type]; !ok {
				continue
			}
		}
		if s.blocking {
			s.queue <- e
			continue
		}
		select {
		case s.queue <- e:
		default:
			b.log().Warn("event dropped, subscriber queue full",
				"subscriber", s.name,
				"event", string(e.Type),
				"deviceid", e.DeviceID,
			)
		}
	}
}

// Close stops accepting events, lets every subscriber drain its queue and
// waits for them to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.queue)
		delete(b.subs, s)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) run(s *subscriber) {
	for e := range s.queue {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log().Error("event subscriber panicked",
				"subscriber", s.name,
				"event", string(e.Type),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.handle(e)
}
