// Package bus implements the process-wide in-process publish/subscribe
// event bus that fans out job and terminal lifecycle notifications.
package bus

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Payload is the free-form data carried by an event.
type Payload map[string]any

// Handler receives a copy of the payload for one emission. A handler
// that panics is recovered and logged; remaining handlers still run.
type Handler func(topic string, payload Payload)

// Unsubscribe cancels a subscription. Calling it more than once is safe.
type Unsubscribe func()

// Stats reports the observed activity for one topic.
type Stats struct {
	Count       int64
	LastEmitted time.Time
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a single process-wide, reentrant-safe publish/subscribe hub.
// Emit synchronously invokes every handler currently subscribed to the
// topic; ordering of delivery to one subscriber is therefore total.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]subscription
	counts    map[string]int64
	lastEmit  map[string]time.Time
	nextID    uint64
	logger    *slog.Logger
}

// New creates an empty bus. logger may be nil, in which case a discard
// logger is used.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &Bus{
		listeners: make(map[string][]subscription),
		counts:    make(map[string]int64),
		lastEmit:  make(map[string]time.Time),
		logger:    logger,
	}
}

// Subscribe registers h for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, h Handler) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[topic] = append(b.listeners[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.listeners[topic]
			for i, s := range subs {
				if s.id == id {
					b.listeners[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Once subscribes h so that it fires at most once, self-unsubscribing
// immediately before invocation.
func (b *Bus) Once(topic string, h Handler) Unsubscribe {
	var unsub Unsubscribe
	var fired sync.Once
	wrapped := func(t string, p Payload) {
		fired.Do(func() {
			unsub()
			h(t, p)
		})
	}
	unsub = b.Subscribe(topic, wrapped)
	return unsub
}

// Emit delivers payload to every handler currently subscribed to topic,
// recording the per-topic counter and last-emit timestamp first. A
// handler panic is recovered and logged; it never prevents delivery to
// the remaining handlers.
func (b *Bus) Emit(topic string, payload Payload) {
	b.mu.Lock()
	b.counts[topic]++
	now := time.Now()
	b.lastEmit[topic] = now
	subs := make([]subscription, len(b.listeners[topic]))
	copy(subs, b.listeners[topic])
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(s.handler, topic, payload)
	}
}

func (b *Bus) invoke(h Handler, topic string, payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event bus handler panicked", "topic", topic, "recovered", r)
		}
	}()
	h(topic, payload)
}

// ErrWaitTimeout is returned by WaitFor when no emission arrives in time.
type ErrWaitTimeout struct{ Topic string }

func (e *ErrWaitTimeout) Error() string {
	return fmt.Sprintf("bus: timed out waiting for topic %q", e.Topic)
}

// WaitFor blocks the calling goroutine until the next emission on topic,
// or until timeout elapses (timeout<=0 means wait forever).
func (b *Bus) WaitFor(topic string, timeout time.Duration) (Payload, error) {
	result := make(chan Payload, 1)
	unsub := b.Once(topic, func(_ string, p Payload) {
		result <- p
	})
	defer unsub()

	if timeout <= 0 {
		return <-result, nil
	}
	select {
	case p := <-result:
		return p, nil
	case <-time.After(timeout):
		return nil, &ErrWaitTimeout{Topic: topic}
	}
}

// GetStats returns a snapshot of all topic counters and last-emit times.
func (b *Bus) GetStats() map[string]Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Stats, len(b.counts))
	for topic, count := range b.counts {
		out[topic] = Stats{Count: count, LastEmitted: b.lastEmit[topic]}
	}
	return out
}

// Reset clears all listeners and counters. Intended for tests.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]subscription)
	b.counts = make(map[string]int64)
	b.lastEmit = make(map[string]time.Time)
}
