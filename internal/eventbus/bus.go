// Package eventbus fans monitor events out to in-process listeners.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the app.
const (
	TopicMonitorEvent = "monitor.event" // Data: monitor.Event
	TopicStateChanged = "monitor.state" // Data: monitor.Status
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks publishers: a subscriber whose buffer is full misses the
// event, and the miss is counted.
type Bus interface {
	Publish(e Event)
	// Subscribe delivers events of the given topics (all when none are
	// given). unsubscribe closes the channel and may be called repeatedly.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch     chan Event
	topics []string
}

func (s *subscriber) wants(topic string) bool {
	return len(s.topics) == 0 || slices.Contains(s.topics, topic)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock, so unsubscribe (write lock) can
	// close a channel without racing them.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), topics: slices.Clone(topics)}
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
