package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]sink
	next int
}

// sink receives events for one subscription. Deliver must never block.
type sink interface {
	matches(kind string) bool
	deliver(Event)
	close()
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]sink),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.matches(evt.Kind) {
			sub.deliver(evt)
		}
	}
}

// Emit publishes an event of the given kind stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer; events are dropped when it is full.
// Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	s := &lossy{namespace: namespace, ch: make(chan Event, bufSize)}
	return s.ch, b.add(s)
}

// SubscribeReliable is like Subscribe but never drops: events queue without
// bound until the subscriber reads them. The channel is closed on unsubscribe.
// Events matching any of the namespaces share one queue, so they are read in
// publish order.
func (b *Bus) SubscribeReliable(namespace string, more ...string) (<-chan Event, func()) {
	s := newQueued(append([]string{namespace}, more...))
	return s.out, b.add(s)
}

func (b *Bus) add(s sink) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.close()
		})
	}
}

type lossy struct {
	namespace string
	ch        chan Event
}

func (s *lossy) matches(kind string) bool { return strings.HasPrefix(kind, s.namespace) }

func (s *lossy) deliver(evt Event) {
	select {
	case s.ch <- evt:
	default:
		// Drop event if subscriber is full (non-blocking).
	}
}

func (s *lossy) close() {}

// queued buffers events in a slice and pumps them into out from its own goroutine.
type queued struct {
	namespaces []string
	out        chan Event

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newQueued(namespaces []string) *queued {
	q := &queued{
		namespaces: namespaces,
		out:        make(chan Event),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *queued) matches(kind string) bool {
	for _, ns := range q.namespaces {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}

func (q *queued) deliver(evt Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, evt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queued) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
}

func (q *queued) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		evt := q.queue[0]
		q.queue[0] = Event{}
		q.queue = q.queue[1:]
		q.mu.Unlock()

		select {
		case q.out <- evt:
		case <-q.done:
			return
		}
	}
}
