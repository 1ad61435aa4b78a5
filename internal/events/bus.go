// Package events provides the typed in-process event bus used for
// cross-component notification: network transitions, queue activity, and
// drain-cycle completion. Listener lifecycle is explicit so ordering and
// cleanup stay auditable.
package events

import (
	"sync"
	"time"

	"github.com/tillware/possync/internal/types"
)

// Event is implemented by every message published on the bus.
type Event interface {
	EventName() string
}

// NetworkChanged announces a coalesced connectivity transition.
type NetworkChanged struct {
	Online bool
	At     time.Time
}

func (NetworkChanged) EventName() string { return "network_changed" }

// SaleQueued announces a sale durably appended to the pending queue.
type SaleQueued struct {
	TempReceipt string
	At          time.Time
}

func (SaleQueued) EventName() string { return "sale_queued" }

// SyncCompleted announces the aggregate outcome of one drain cycle.
type SyncCompleted struct {
	Report types.DrainReport
}

func (SyncCompleted) EventName() string { return "sync_completed" }

// subscriberBuffer bounds each subscriber channel. A subscriber that stops
// reading loses events rather than blocking publishers.
const subscriberBuffer = 16

// Bus is a fan-out event bus. Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel function removes the
// subscription and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every current subscriber. Full subscriber
// buffers drop the event for that subscriber only.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
