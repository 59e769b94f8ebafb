// Package events fans build lifecycle events out to live subscribers and
// persists them to the durable per-build log. Delivery to live
// subscribers is best-effort: a slow consumer loses events rather than
// stalling the runner, and catches up from the log afterwards.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chengis/chengis/pkg/models"
)

// DefaultBufferSize is the per-subscriber channel depth.
const DefaultBufferSize = 4096

// Subscription is one live consumer of a build's event stream.
type Subscription struct {
	C       <-chan *models.BuildEvent
	ch      chan *models.BuildEvent
	bus     *Bus
	buildID string
	id      int
	dropped atomic.Int64
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

// Bus is the in-process event fan-out. Publish never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber
// and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[int]*Subscription // build_id -> sub id -> sub
	nextID  int
	bufSize int

	totalDropped atomic.Int64
}

// NewBus creates a Bus with the given per-subscriber buffer size.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		subs:    make(map[string]map[int]*Subscription),
		bufSize: bufSize,
	}
}

// Subscribe attaches a consumer to a build's stream.
func (b *Bus) Subscribe(buildID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan *models.BuildEvent, b.bufSize)
	sub := &Subscription{C: ch, ch: ch, bus: b, buildID: buildID, id: b.nextID}
	if b.subs[buildID] == nil {
		b.subs[buildID] = make(map[int]*Subscription)
	}
	b.subs[buildID][sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sub.buildID]; ok {
		if _, ok := m[sub.id]; ok {
			delete(m, sub.id)
			close(sub.ch)
		}
		if len(m) == 0 {
			delete(b.subs, sub.buildID)
		}
	}
}

// Publish delivers an event to every live subscriber of its build.
func (b *Bus) Publish(ev *models.BuildEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[ev.BuildID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			if b.totalDropped.Add(1)%1000 == 1 {
				slog.Warn("Event subscriber overflow, dropping events",
					"build_id", ev.BuildID, "subscriber_dropped", sub.dropped.Load())
			}
		}
	}
}

// TotalDropped returns the process-wide overflow count, exported as a
// metric.
func (b *Bus) TotalDropped() int64 { return b.totalDropped.Load() }

// SubscriberCount returns the live subscriber count for a build.
func (b *Bus) SubscriberCount(buildID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[buildID])
}
