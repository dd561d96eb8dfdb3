// Package bus is an in-process subject-based message fabric with two
// delivery modes: request-reply for operation dispatch and fan-out
// publish for event observers. Requests tolerate duplicate delivery;
// idempotency is the responder's concern.
package bus

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoResponder means no handler serves the requested subject.
	ErrNoResponder = errors.New("bus: no responder for subject")
)

// Handler serves one request subject.
type Handler func(ctx context.Context, data []byte) []byte

// Event is one published message.
type Event struct {
	Subject string
	Data    []byte
}

// Bus routes requests to responders and fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	responders  map[string]Handler
	subscribers map[int]subscriber
	next        int
}

type subscriber struct {
	subject string
	ch      chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		responders:  make(map[string]Handler),
		subscribers: make(map[int]subscriber),
	}
}

// Serve registers the responder for a subject, replacing any previous
// one.
func (b *Bus) Serve(subject string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders[subject] = h
}

// Request delivers data to the subject's responder and waits for its
// reply or context cancellation.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	b.mu.RLock()
	h, ok := b.responders[subject]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNoResponder
	}

	replyCh := make(chan []byte, 1)
	go func() {
		replyCh <- h(ctx, data)
	}()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers an observer for a subject. The returned channel is
// closed when the context ends. Slow subscribers drop events rather than
// blocking publishers.
func (b *Bus) Subscribe(ctx context.Context, subject string) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subscribers[id] = subscriber{subject: subject, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to every subscriber of the subject.
func (b *Bus) Publish(subject string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.subject != subject {
			continue
		}
		select {
		case sub.ch <- Event{Subject: subject, Data: data}:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
