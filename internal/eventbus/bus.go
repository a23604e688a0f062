// Package eventbus is the in-process publish bus. Collectors publish
// readings on MQTT-style topics, the scheduler publishes engine signals, and
// hubs and the app subscribe.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one message on the bus.
//
// Type is a topic ("raspimon/<node>/ip/public") for readings and a dotted
// name ("scheduler.job_failed") for engine signals.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers every event to every subscriber without blocking the
// publisher. A subscriber whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	b := &memBus{}
	b.subs.Store(&[]*subscriber{})
	return b
}

type subscriber struct {
	id uint64
	ch chan Event

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// offer sends e unless the buffer is full or the subscriber left.
func (s *subscriber) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

type memBus struct {
	// subs is replaced on every (un)subscribe; Publish reads it lock free.
	subs  atomic.Pointer[[]*subscriber]
	subMu sync.Mutex
	seq   atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)
	for _, s := range *b.subs.Load() {
		if !s.offer(e) {
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{id: b.seq.Add(1), ch: make(chan Event, buffer)}

	b.subMu.Lock()
	cur := *b.subs.Load()
	next := make([]*subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	b.subs.Store(&next)
	b.subMu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.remove(s.id)
			s.close()
		})
	}
}

func (b *memBus) remove(id uint64) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	cur := *b.subs.Load()
	next := make([]*subscriber, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs.Store(&next)
}

// Stats reports delivery counters of a bus created by New.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	// Lagging counts current subscribers that missed at least one event.
	Lagging int `json:"lagging"`
}

// StatsOf returns counters for b when it is a bus created by New.
func StatsOf(b Bus) (Stats, bool) {
	mb, ok := b.(*memBus)
	if !ok {
		return Stats{}, false
	}
	subs := *mb.subs.Load()
	st := Stats{Subscribers: len(subs), Published: mb.published.Load(), Dropped: mb.dropped.Load()}
	for _, s := range subs {
		if s.dropped.Load() > 0 {
			st.Lagging++
		}
	}
	return st, true
}
