package session

import "sync"

// Broadcaster fans a value out to subscribers. New subscribers receive the
// current value immediately, then every later change. Each subscriber has a
// one-slot mailbox: a slow reader only ever sees the most recent value and
// never blocks Publish.
type Broadcaster[T any] struct {
	mu      sync.Mutex
	current T
	subs    map[*subscriber[T]]struct{}
	closed  bool
}

type subscriber[T any] struct {
	ch chan T
}

// NewBroadcaster returns a Broadcaster whose current value is initial.
func NewBroadcaster[T any](initial T) *Broadcaster[T] {
	return &Broadcaster[T]{
		current: initial,
		subs:    make(map[*subscriber[T]]struct{}),
	}
}

// Value returns the last published value.
func (b *Broadcaster[T]) Value() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Publish records v as the current value and delivers it to every subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = v
	if b.closed {
		return
	}
	for s := range b.subs {
		s.offer(v)
	}
}

// Subscribe returns a channel primed with the current value and a cancel
// func that unregisters it and closes the channel. Cancel is idempotent.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{ch: make(chan T, 1)}

	b.mu.Lock()
	s.ch <- b.current
	if b.closed {
		close(s.ch)
		b.mu.Unlock()
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
		})
	}
}

// Close closes every subscriber channel. Later Publish calls only update Value.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

// offer replaces any undelivered value with v. Callers hold b.mu, which is
// the only place sends happen, so the drain-then-send cannot race another send.
func (s *subscriber[T]) offer(v T) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
}
