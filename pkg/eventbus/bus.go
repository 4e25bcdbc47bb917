package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/meridiandns/dnsctld/internal/telemetry"
)

// subBufferSize bounds each subscriber's inbound channel; publication never
// blocks on a slow subscriber, matching the non-blocking/lossy contract.
const subBufferSize = 256

// Subscription is a single subscriber's view of the bus.
type Subscription struct {
	C       <-chan Event
	bus     *Bus
	id      uint64
	dropped atomic.Uint64
}

// Dropped returns the number of events dropped for this subscription because
// its buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close removes the subscription from the bus.
func (s *Subscription) Close() { s.bus.unsubscribe(s.id) }

type subscriber struct {
	id   uint64
	ch   chan Event
	subn *Subscription
}

// Bus is the in-process publish/subscribe hub described in spec §4.7. It
// keeps no per-topic index: every subscriber receives every event.
// Publication is always non-blocking: a subscriber whose buffer is full
// simply misses the event, and the miss is counted.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	published atomic.Uint64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber that receives every published event.
// Topic filtering is the broadcaster's responsibility (per-session
// authorization filter, spec §4.7), not the bus's.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subBufferSize)
	sub := &Subscription{C: ch, bus: b, id: id}
	b.subs[id] = &subscriber{id: id, ch: ch, subn: sub}
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Publish fans an event out to every subscriber without blocking. A
// subscriber whose channel is full drops the event and increments its own
// counter and the topic-wide dropped metric.
func (b *Bus) Publish(e Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.subn.dropped.Add(1)
			telemetry.EventBusDroppedTotal.WithLabelValues(string(e.Type)).Inc()
		}
	}
}

// PublishedTotal returns the number of events ever passed to Publish,
// exposed for tests verifying ordering/delivery counts.
func (b *Bus) PublishedTotal() uint64 { return b.published.Load() }
