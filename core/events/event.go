package events

import "sync"

// Event represents a structured state change emitted by a contract.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. the gateway stream
// or the indexer).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans a single Emit out to several emitters in order.
type Multi []Emitter

func (m Multi) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}

// Bus is an in-process publish/subscribe emitter. Subscribe channels drop
// events when their buffer is full; SubscribeLossless queues without bound.
// Emit never blocks the publisher either way.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event
	queues map[uint64]*queue
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event), queues: make(map[uint64]*queue)}
}

// Subscribe registers a buffered subscriber. The returned cancel function
// unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// SubscribeLossless registers a subscriber that receives every event in
// order. Events the subscriber has not read yet are held in memory. The
// returned cancel function unregisters it; the channel is closed once the
// forwarding goroutine exits.
func (b *Bus) SubscribeLossless(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan Event, buffer)
	q := &queue{notify: make(chan struct{}, 1), done: make(chan struct{})}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.queues[id] = q
	b.mu.Unlock()
	go q.pump(out)

	var once sync.Once
	return out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.queues, id)
			b.mu.Unlock()
			close(q.done)
		})
	}
}

// Emit implements Emitter.
func (b *Bus) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	for _, q := range b.queues {
		q.push(evt)
	}
}

// Subscribers reports the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) + len(b.queues)
}

type queue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
	done   chan struct{}
}

func (q *queue) push(evt Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pump(out chan<- Event) {
	defer close(out)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()
		for _, evt := range items {
			select {
			case out <- evt:
			case <-q.done:
				return
			}
		}
		if len(items) > 0 {
			continue
		}
		select {
		case <-q.notify:
		case <-q.done:
			return
		}
	}
}
