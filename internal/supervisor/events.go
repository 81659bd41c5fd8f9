package supervisor

import "time"

// EventType labels a supervisor lifecycle notification.
type EventType string

const (
	EventIterationStart EventType = "iteration_start"
	EventIterationEnd   EventType = "iteration_end"
	EventBackoff        EventType = "backoff"
	EventCompleted      EventType = "completed"
)

// Event is published on the supervisor's broker so a foreground start can
// narrate progress without polling the store.
type Event struct {
	SessionID string
	Type      EventType
	Iteration int
	Planned   int
	Delay     time.Duration // backoff events only
	Err       error
}
