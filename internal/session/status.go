package session

// Status represents the lifecycle state of a session.
// Valid transitions:
//
//	created  -> starting, running, stopped
//	queued   -> starting, running, stopped
//	starting -> running, queued, error, failed, stopped
//	running  -> retrying, completed, error, failed, stopped
//	retrying -> running, starting, error, failed, stopped
//	completed -> (terminal)
//	error     -> (terminal)
//	stopped   -> (terminal)
//	failed    -> (terminal)
//
// Terminal states are absorbing: supervisors never write a terminal session
// except to stamp terminal metadata. The reconciler's restore pass is the one
// sanctioned exception (see store.Revive).
type Status string

const (
	// StatusCreated indicates the session row exists but no worker has started.
	StatusCreated Status = "created"
	// StatusQueued indicates the session is waiting for a worker slot.
	StatusQueued Status = "queued"
	// StatusStarting indicates a worker is being spawned.
	StatusStarting Status = "starting"
	// StatusRunning indicates the supervisor loop is executing iterations.
	StatusRunning Status = "running"
	// StatusRetrying indicates the supervisor is backing off before re-attempting.
	StatusRetrying Status = "retrying"
	// StatusCompleted indicates all planned iterations finished.
	StatusCompleted Status = "completed"
	// StatusError indicates an unrecoverable fault or reconciler verdict.
	StatusError Status = "error"
	// StatusStopped indicates the user stopped the session.
	StatusStopped Status = "stopped"
	// StatusFailed indicates retries were exhausted or the spawn failed.
	StatusFailed Status = "failed"
)

// validTransitions defines the allowed status transitions.
// The key is the current status, the value is a set of valid target statuses.
var validTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusStarting: true,
		StatusRunning:  true,
		StatusStopped:  true,
	},
	StatusQueued: {
		StatusStarting: true,
		StatusRunning:  true,
		StatusStopped:  true,
	},
	StatusStarting: {
		StatusRunning: true,
		StatusQueued:  true,
		StatusError:   true,
		StatusFailed:  true,
		StatusStopped: true,
	},
	StatusRunning: {
		StatusRetrying:  true,
		StatusCompleted: true,
		StatusError:     true,
		StatusFailed:    true,
		StatusStopped:   true,
	},
	StatusRetrying: {
		StatusRunning:  true,
		StatusStarting: true,
		StatusError:    true,
		StatusFailed:   true,
		StatusStopped:  true,
	},
	// Terminal states have no valid transitions
	StatusCompleted: {},
	StatusError:     {},
	StatusStopped:   {},
	StatusFailed:    {},
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for completed, error, stopped, and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusStopped || s == StatusFailed
}

// IsActive returns true for the statuses that mean a worker may be live.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusQueued || s == StatusRetrying || s == StatusStarting
}

// CanTransitionTo returns true if moving from the current status to the
// target is valid according to the session state machine.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns all statuses reachable from the current status.
func (s Status) ValidTargets() []Status {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]Status, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}

// ActiveStatuses lists the statuses counted by Store.Active.
func ActiveStatuses() []Status {
	return []Status{StatusRunning, StatusQueued, StatusRetrying, StatusStarting}
}

// TerminalStatuses lists the absorbing statuses.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusError, StatusStopped, StatusFailed}
}
