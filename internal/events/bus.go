// Package events is a small typed publish/subscribe bus. Every subscriber
// gets its own forwarding goroutine and an unbounded FIFO queue, so Publish
// never blocks on a slow consumer and each subscriber sees events in
// publication order.
package events

import (
	"fmt"
	"sync"

	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
)

var log = logging.New("events")

type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscribe registers handler. Handlers run on the subscription's own
// goroutine; a panicking handler is logged and the subscription keeps going.
func (b *Bus[T]) Subscribe(handler func(T)) *Subscription[T] {
	sub := &Subscription[T]{
		bus:     b,
		handler: handler,
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return sub
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	return sub
}

// Publish enqueues event for every current subscriber. Publishing on a
// closed bus is a no-op.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.enqueue(event)
	}
}

// Len returns the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting events and waits until every subscriber has handled
// what was already queued.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription[T], 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop(true)
		<-sub.done
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

type Subscription[T any] struct {
	bus     *Bus[T]
	id      uint64
	handler func(T)

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []T
	quitting bool
	drain    bool

	done     chan struct{}
	stopOnce sync.Once
}

// Unsubscribe detaches the subscription and drops anything still queued.
// It returns once the handler is no longer running.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.remove(s.id)
	s.stop(false)
	<-s.done
}

// Done is closed when the forwarding goroutine has exited.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription[T]) enqueue(event T) {
	s.mu.Lock()
	if !s.quitting {
		s.queue = append(s.queue, event)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription[T]) stop(drain bool) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.quitting = true
		s.drain = drain
		s.cond.Signal()
		s.mu.Unlock()
	})
}

func (s *Subscription[T]) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.quitting {
			s.cond.Wait()
		}
		if s.quitting && (!s.drain || len(s.queue) == 0) {
			s.queue = nil
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(event)
	}
}

func (s *Subscription[T]) deliver(event T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber panicked", "event", fmt.Sprintf("%T", event), "panic", r)
		}
	}()
	s.handler(event)
}
