// Package pubsub provides a generic publish/subscribe event broker.
package pubsub

import (
	"context"
	"sync"
	"time"
)

// Kind labels what happened to the payload.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// Event is a single published item with a typed payload.
type Event[T any] struct {
	Kind    Kind
	Payload T
	Seq     uint64
	At      time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher sends events to all current subscribers.
type Publisher[T any] interface {
	Publish(kind Kind, payload T)
}

const defaultBuffer = 64

// Broker fans events out to subscribers. Publishing never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber.
// Seq is monotonically increasing per broker, so consumers can detect drops.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[chan Event[T]]struct{}
	done   chan struct{}
	buffer int
	seq    uint64
}

// NewBroker creates a broker with the default subscriber buffer (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBuffer)
}

// NewBrokerWithBuffer creates a broker with a custom subscriber buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subs:   make(map[chan Event[T]]struct{}),
		done:   make(chan struct{}),
		buffer: size,
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// ctx is cancelled or the broker is closed. Subscribing to a closed broker
// returns an already-closed channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], b.buffer)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // Close already tore everything down
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers an event to every subscriber whose buffer has room.
func (b *Broker[T]) Publish(kind Kind, payload T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	b.seq++
	event := Event[T]{
		Kind:    kind,
		Payload: payload,
		Seq:     b.seq,
		At:      time.Now(),
	}

	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Buffer full - drop rather than block the publisher
		}
	}
}

// Close shuts down the broker and closes all subscriber channels.
// Safe to call more than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
