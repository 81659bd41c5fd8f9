package runner

import "sync"

// Entry records a live assistant process for one session.
type Entry struct {
	PID       int
	Iteration int
}

// ProcessTable is the in-memory registry of live assistant processes, keyed
// by session id. The runner registers each spawn; the supervisor's stop path
// consults it before falling back to the store or an OS scan.
type ProcessTable struct {
	mu sync.Mutex
	m  map[string]Entry
}

// NewProcessTable returns an empty table.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{m: make(map[string]Entry)}
}

// Register records the live process for a session, replacing any prior entry.
func (t *ProcessTable) Register(id string, pid, iteration int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[id] = Entry{PID: pid, Iteration: iteration}
}

// Remove drops the session's entry. Removing an absent id is a no-op.
func (t *ProcessTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}

// Lookup returns the session's entry, if registered.
func (t *ProcessTable) Lookup(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[id]
	return e, ok
}

// Len returns the number of registered sessions.
func (t *ProcessTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
