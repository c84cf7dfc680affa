package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// alertBuffer holds a burst of sanctions (one spam wave across a group)
// without the alert mirror falling behind.
const alertBuffer = 256

// Event is one published moderation event.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives every event whose topic starts with its prefix.
type Subscription struct {
	id     uint64
	prefix string
	ch     chan Event
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans moderation events out to in-process subscribers. Publishing never
// blocks the moderation workflow: a subscriber whose buffer is full loses the
// event and the loss is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe matches topics by prefix; "" matches everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: topicPrefix, ch: make(chan Event, alertBuffer)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries lost to full subscriber buffers since
// the bus was created.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
