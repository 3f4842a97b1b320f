// Package notifybus implements the Notify Bus (component C of spec.md
// §4.3): a lossy, non-blocking wake signal that tells idle subscription
// sessions "a topic moved, go re-check the store." It never carries
// the message itself — readers always re-poll ReadRange — so a missed
// or coalesced wake is harmless as long as at least one more arrives.
//
// Grounded on the teacher's per-client buffered-channel-plus-drop idiom
// (connection.go's Client.send, server.go's broadcast loop): here each
// subscriber gets a depth-1 channel per topic, and a full channel means
// a wake is already pending, so the new one is dropped rather than
// blocking the writer's commit path.
package notifybus

import (
	"sync"

	"github.com/heisenbergs-uncertainty/sluice/internal/metrics"
)

// Signal is the wake payload. Subscribers must not trust LatestSequence
// as authoritative — it is a hint to avoid an unnecessary read, not a
// guarantee of what is newly available (spec §4.3).
type Signal struct {
	TopicID        int64
	LatestSequence uint64
}

// Bus fans out per-topic wake signals to any number of registered
// listeners.
type Bus struct {
	mu        sync.Mutex
	listeners map[int64]map[int]chan Signal
	nextID    int
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[int64]map[int]chan Signal)}
}

// Subscription is a handle returned by Subscribe; the caller reads from
// Signals and must call Close when done listening.
type Subscription struct {
	bus     *Bus
	topicID int64
	id      int
	ch      chan Signal
}

// Signals returns the channel this subscription receives wakes on.
func (s *Subscription) Signals() <-chan Signal { return s.ch }

// Close unregisters the subscription. Safe to call once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.listeners[s.topicID]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.listeners, s.topicID)
		}
	}
}

// Subscribe registers a new listener for topicID. The returned channel
// is buffered to depth 1: at most one pending wake is ever queued per
// listener, since readers re-poll the full available range on wake
// regardless of how many commits happened since the last one.
func (b *Bus) Subscribe(topicID int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Signal, 1)
	id := b.nextID
	b.nextID++

	if b.listeners[topicID] == nil {
		b.listeners[topicID] = make(map[int]chan Signal)
	}
	b.listeners[topicID][id] = ch

	return &Subscription{bus: b, topicID: topicID, id: id, ch: ch}
}

// Notify wakes every listener on topicID. Non-blocking: a listener
// whose channel already holds a pending wake is skipped (coalesced),
// not blocked on, and the miss is counted but never treated as an
// error — the listener will still see the latest state on its next
// read (spec §4.3, "lagged is equivalent to normal wake").
func (b *Bus) Notify(topicID int64, latestSequence uint64) {
	b.mu.Lock()
	subs := b.listeners[topicID]
	chans := make([]chan Signal, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	sig := Signal{TopicID: topicID, LatestSequence: latestSequence}
	for _, ch := range chans {
		select {
		case ch <- sig:
		default:
			metrics.NotificationsDroppedTotal.Inc()
		}
	}
}
