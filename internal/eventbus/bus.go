// Package eventbus carries runner events (progress, errors, state
// changes, quota snapshots) to the in-process consumers: the store
// fold loop, metrics, and the notifier.
package eventbus

import (
	"sync"
	"time"
)

// Event is one bus message; Data holds the typed payload for Type.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus decouples the executor from its consumers. Publish never blocks:
// a subscriber that falls behind its buffer loses events rather than
// stalling a campaign runner, so consumers must treat the stream as
// lossy and re-read authoritative state from the store.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fanout used by the daemon. It owns no
// goroutines; Publish delivers inline.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
}

// Publish stamps the event and offers it to every subscriber. Sends
// happen under the read lock and channels close only under the write
// lock, so a send can never race a close.
func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
	return ch, unsubscribe
}
