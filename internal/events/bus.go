// Package events carries operational events from the sampling loop and
// the broker link to observers such as the status stream. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so the loop does
// not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMonitor identifies events from the sampling loop.
	SourceMonitor = "monitor"
	// SourceMQTT identifies events from the broker link.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindCycle is published once per sampling cycle.
	// Data: distance_cm, noise_level, status, changed, emitted, published.
	KindCycle = "cycle"
	// KindStateChange signals the classified state differs from the
	// previous cycle's.
	// Data: from, to, distance_cm, noise_level.
	KindStateChange = "state_change"
	// KindRecordEmitted signals the telemetry gate released a record.
	// Data: record (the JSON payload as a string), published.
	KindRecordEmitted = "record_emitted"

	// KindLinkUp signals the broker connection came up.
	// Data: broker.
	KindLinkUp = "link_up"
	// KindLinkDown signals the broker connection was lost.
	// Data: broker, error (when known).
	KindLinkDown = "link_down"
)

// Event is a single operational event.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking the sampling loop.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full the event is dropped for that subscriber and counted. Safe to
// call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives published events and a
// cancel function that removes the subscription and closes the channel.
// Calling cancel more than once is a no-op. bufSize controls the
// channel buffer; 64 suits a WebSocket consumer at the default cadence.
func (b *Bus) Subscribe(bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, ch)
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
