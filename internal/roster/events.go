package roster

import (
	"sync"

	"github.com/karstfell/muster/internal/models"
)

// EventKind distinguishes the store notifications.
type EventKind uint8

// Notification kinds: one event per completed merge and one per age sweep.
const (
	EventMerge EventKind = iota
	EventSweep
)

// Event is the change notification published to subscribers so a
// presentation layer can re-render incrementally instead of polling.
type Event struct {
	Address    models.Address
	Generation uint64
	Kind       EventKind
}

// subscribers fans events out to registered channels. Publication never
// blocks: a subscriber that stops draining misses events instead of
// stalling the store's writer.
type subscribers struct {
	mu   sync.Mutex
	next int
	chs  map[int]chan Event
}

func newSubscribers() *subscribers {
	return &subscribers{chs: make(map[int]chan Event)}
}

func (s *subscribers) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.chs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a buffered event channel and returns it with an
// unsubscribe function. The channel is closed on unsubscribe.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.subs.mu.Lock()
	id := s.subs.next
	s.subs.next++
	s.subs.chs[id] = ch
	s.subs.mu.Unlock()

	return ch, func() {
		s.subs.mu.Lock()
		defer s.subs.mu.Unlock()
		if _, ok := s.subs.chs[id]; ok {
			delete(s.subs.chs, id)
			close(ch)
		}
	}
}
