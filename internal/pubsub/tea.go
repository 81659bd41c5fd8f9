package pubsub

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// ListenCmd returns a Bubble Tea command that waits for the next event on ch.
// The event arrives as a tea.Msg; nil is returned when the context is
// cancelled or the channel closes.
func ListenCmd[T any](ctx context.Context, ch <-chan Event[T]) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			return event
		}
	}
}

// ContinuousListener carries a broker subscription through the Bubble Tea
// update loop. After handling an event, call Listen again to re-arm.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener subscribes to the broker. The subscription is cleaned
// up when ctx is cancelled.
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Listen returns a tea.Cmd that waits for the next event.
func (l *ContinuousListener[T]) Listen() tea.Cmd {
	return ListenCmd(l.ctx, l.ch)
}
