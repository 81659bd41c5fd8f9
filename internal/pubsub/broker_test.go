package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroker_Subscribe(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)

	broker.Publish(KindUpdated, "iteration 3 complete")

	select {
	case event := <-ch:
		require.Equal(t, "iteration 3 complete", event.Payload)
		require.Equal(t, KindUpdated, event.Kind)
		require.False(t, event.At.IsZero())
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for event")
	}
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx := context.Background()

	ch1 := broker.Subscribe(ctx)
	ch2 := broker.Subscribe(ctx)
	ch3 := broker.Subscribe(ctx)

	require.Equal(t, 3, broker.SubscriberCount())

	broker.Publish(KindCreated, 42)

	for i, ch := range []<-chan Event[int]{ch1, ch2, ch3} {
		select {
		case event := <-ch:
			require.Equal(t, 42, event.Payload, "subscriber %d", i)
			require.Equal(t, KindCreated, event.Kind, "subscriber %d", i)
		case <-time.After(100 * time.Millisecond):
			require.Fail(t, "timeout waiting for event", "subscriber %d", i)
		}
	}
}

func TestBroker_SeqMonotonic(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ch := broker.Subscribe(context.Background())

	broker.Publish(KindCreated, "a")
	broker.Publish(KindUpdated, "b")
	broker.Publish(KindDeleted, "c")

	var last uint64
	for i := 0; i < 3; i++ {
		event := <-ch
		require.Greater(t, event.Seq, last)
		last = event.Seq
	}
}

func TestBroker_ContextCancellation(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())

	ch := broker.Subscribe(ctx)
	require.Equal(t, 1, broker.SubscriberCount())

	cancel()
	time.Sleep(20 * time.Millisecond) // Wait for cleanup goroutine

	require.Equal(t, 0, broker.SubscriberCount())

	_, ok := <-ch
	require.False(t, ok, "channel should be closed")
}

func TestBroker_NonBlocking(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	ch := broker.Subscribe(context.Background())

	// Fill the buffer
	broker.Publish(KindUpdated, 1)

	done := make(chan bool)
	go func() {
		broker.Publish(KindUpdated, 2)
		broker.Publish(KindUpdated, 3)
		done <- true
	}()

	select {
	case <-done:
		// Did not block
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "Publish blocked")
	}

	// Only the first event fit
	event := <-ch
	require.Equal(t, 1, event.Payload)
}

func TestBroker_Close(t *testing.T) {
	broker := NewBroker[string]()

	ctx := context.Background()

	ch1 := broker.Subscribe(ctx)
	ch2 := broker.Subscribe(ctx)

	require.Equal(t, 2, broker.SubscriberCount())

	broker.Close()

	_, ok1 := <-ch1
	_, ok2 := <-ch2

	require.False(t, ok1, "ch1 should be closed")
	require.False(t, ok2, "ch2 should be closed")

	require.Equal(t, 0, broker.SubscriberCount())

	// Subscribe after close returns a closed channel
	ch3 := broker.Subscribe(ctx)
	_, ok3 := <-ch3
	require.False(t, ok3, "ch3 should be closed immediately")

	// Publish after close must not panic
	broker.Publish(KindUpdated, "test")
}

func TestBroker_CloseIdempotent(t *testing.T) {
	broker := NewBroker[string]()

	ch := broker.Subscribe(context.Background())

	broker.Close()
	broker.Close()
	broker.Close()

	_, ok := <-ch
	require.False(t, ok, "channel should be closed")
}
