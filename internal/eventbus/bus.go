// Package eventbus is a small in-memory fanout for execution events.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels and lose events when they fall behind.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	JobExecuted     = "job.executed"
	JobVetoed       = "job.vetoed"
	CatalogReloaded = "catalog.reloaded"
)

// Event is one published signal. Data should be small and JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Job  string    `json:"job,omitempty"`
	Data any       `json:"data,omitempty"`
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. The channel is closed by unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Recent keeps the last N events of the given types.
type Recent struct {
	mu    sync.Mutex
	size  int
	items []Event
}

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 50
	}
	return &Recent{size: size}
}

func (r *Recent) Add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, e)
	if over := len(r.items) - r.size; over > 0 {
		r.items = append(r.items[:0:0], r.items[over:]...)
	}
}

// Items returns a copy, oldest first.
func (r *Recent) Items() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.items...)
}
