// Package eventbus is a small in-memory fanout used to decouple the task
// manager from its observers (run journal, logs, tests).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task lifecycle event types published by the manager.
const (
	TaskAdded     = "task.added"
	TaskStarted   = "task.started"
	TaskFinished  = "task.finished"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
	TaskSkipped   = "task.skipped"
	TaskPurged    = "task.purged"

	UpdateAvailable = "update.available"
)

// Event is a lightweight signal. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
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

// Subscribe registers a buffered listener. With no types it receives every
// event. unsubscribe closes the channel and is safe to call more than once.
func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Publish sends under the read lock, so closing under the write
			// lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
