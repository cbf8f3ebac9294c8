package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBuffer is the per-subscription channel depth when none is given.
const defaultBuffer = 64

// Event is one published signal. Payload is one of the payload structs in
// pkg/types matching Name.
type Event struct {
	Name    string    `json:"event"`
	Payload any       `json:"data"`
	At      time.Time `json:"at"`
}

// Publisher is the narrow interface components emit through.
type Publisher interface {
	Publish(name string, payload any)
}

// Bus is a typed fan-out of Events. The zero value is not usable; call New.
//
// Bus is safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Uint64
	now     func() time.Time
}

type subscription struct {
	names map[string]struct{} // empty = all events
	ch    chan Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[*subscription]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a subscription for the given event names (all events
// when names is empty) and returns its channel plus a cancel func. The channel
// is closed by cancel.
func (b *Bus) Subscribe(buffer int, names ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscription{
		names: make(map[string]struct{}, len(names)),
		ch:    make(chan Event, buffer),
	}
	for _, n := range names {
		s.names[n] = struct{}{}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, cancel
}

// Publish delivers an event to every matching subscription without blocking.
func (b *Bus) Publish(name string, payload any) {
	evt := Event{Name: name, Payload: payload, At: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if len(s.names) > 0 {
			if _, ok := s.names[name]; !ok {
				continue
			}
		}
		select {
		case s.ch <- evt:
		default:
			b.dropped.Add(1)
			slog.Warn("events: subscriber buffer full, event dropped",
				"event", name, "buffer_cap", cap(s.ch))
		}
	}
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Discard is a Publisher that drops everything. Useful when a component is
// constructed without a bus.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(string, any) {}
