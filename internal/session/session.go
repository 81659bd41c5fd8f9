// Package session defines the core domain entity for afk jobs: the Session,
// its lifecycle state machine, and the creation spec. A session is one
// long-running task driven through many assistant iterations by a supervisor.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TypeAFK is the only session type today. The column exists so future
// job kinds can share the store.
const TypeAFK = "afk"

// Metadata keys used by the supervisor.
const (
	MetaCaffeinatePID      = "caffeinatePid"
	MetaBackground         = "background"
	MetaCheckpointInterval = "checkpointInterval"
)

// EnvSessionID tags every process belonging to a session: the worker exports
// it at bootstrap, the runner sets it on assistant children, and the
// reconciler's process scan matches on it.
const EnvSessionID = "AFK_SESSION_ID"

// NewID generates a fresh session id of the form afk-<ts>-<random>.
// The timestamp suffix keeps ids roughly sortable; the uuid fragment
// makes them unique. Everyone else treats the id as opaque.
func NewID() string {
	ms := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if len(ms) > 6 {
		ms = ms[len(ms)-6:]
	}
	return fmt.Sprintf("afk-%s-%s", ms, uuid.NewString()[:8])
}

// Spec defines parameters for creating a new session.
type Spec struct {
	// Task is the user's task description. Required.
	Task string

	// IterationsPlanned is how many assistant iterations to run. Required, > 0.
	IterationsPlanned int

	// WorkingDirectory is the cwd the assistant is invoked with.
	// Defaults to the current directory.
	WorkingDirectory string

	// Model is passed through to the assistant. Optional.
	Model string

	// Status is the initial status. The store defaults it to running; only
	// created, starting, and running are accepted at insert time.
	Status Status

	// ID overrides the generated id. Optional.
	ID string

	// Metadata is an opaque bag persisted with the session.
	Metadata map[string]any
}

// Validate checks that the Spec has all required fields.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Task) == "" {
		return &ValidationError{Field: "task", Reason: "must not be empty"}
	}
	if s.IterationsPlanned <= 0 {
		return &ValidationError{Field: "iterations_planned", Reason: "must be positive"}
	}
	if s.Status != "" && s.Status != StatusCreated && s.Status != StatusStarting && s.Status != StatusRunning {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("invalid initial status %q", s.Status)}
	}
	return nil
}

// Session is one afk job. Mutable fields are written only by the supervisor
// owning it, or by the reconciler when that supervisor is proven dead.
type Session struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Task string `json:"task"`

	Status Status `json:"status"`
	// PID is the OS pid of the live worker; nil when not running.
	PID *int `json:"pid,omitempty"`

	IterationsPlanned   int `json:"iterationsPlanned"`
	IterationsCompleted int `json:"iterationsCompleted"`
	CurrentIteration    int `json:"currentIteration"`

	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Terminal fields, set once when leaving running states.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Error       string     `json:"error,omitempty"`

	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Model            string `json:"model,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// New builds a Session from a Spec, filling defaults.
func New(spec Spec) (*Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	id := spec.ID
	if id == "" {
		id = NewID()
	}
	status := spec.Status
	if status == "" {
		status = StatusCreated
	}

	meta := make(map[string]any, len(spec.Metadata))
	for k, v := range spec.Metadata {
		meta[k] = v
	}

	now := time.Now()
	return &Session{
		ID:                id,
		Type:              TypeAFK,
		Task:              spec.Task,
		Status:            status,
		IterationsPlanned: spec.IterationsPlanned,
		StartedAt:         now,
		UpdatedAt:         now,
		WorkingDirectory:  spec.WorkingDirectory,
		Model:             spec.Model,
		Metadata:          meta,
	}, nil
}

// Validate checks the session's counter invariants.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.Task) == "" {
		return &ValidationError{Field: "task", Reason: "must not be empty"}
	}
	if s.IterationsPlanned <= 0 {
		return &ValidationError{Field: "iterations_planned", Reason: "must be positive"}
	}
	if s.IterationsCompleted < 0 || s.IterationsCompleted > s.IterationsPlanned {
		return &ValidationError{Field: "iterations_completed", Reason: "out of range"}
	}
	if s.CurrentIteration < s.IterationsCompleted || s.CurrentIteration > s.IterationsPlanned {
		return &ValidationError{Field: "current_iteration", Reason: "out of range"}
	}
	if !s.Status.IsValid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s.Status)}
	}
	return nil
}

// IsTerminal returns true if the session is in an absorbing status.
func (s *Session) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// IsActive returns true if a worker may be live for this session.
func (s *Session) IsActive() bool {
	return s.Status.IsActive()
}

// TransitionTo moves the session to the target status.
// Returns an error if the transition is not valid from the current status.
func (s *Session) TransitionTo(target Status) error {
	if !s.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid status transition from %s to %s", s.Status, target)
	}
	s.Status = target
	s.UpdatedAt = time.Now()
	return nil
}

// CaffeinatePID returns the sleep-inhibitor pid from metadata, if recorded.
// Metadata survives a JSON round trip, so numbers may arrive as float64.
func (s *Session) CaffeinatePID() (int, bool) {
	return metaInt(s.Metadata, MetaCaffeinatePID)
}

// SetCaffeinatePID records the sleep-inhibitor pid in metadata.
func (s *Session) SetCaffeinatePID(pid int) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[MetaCaffeinatePID] = pid
}

// Background reports whether the session was started detached.
func (s *Session) Background() bool {
	if s.Metadata == nil {
		return false
	}
	b, ok := s.Metadata[MetaBackground].(bool)
	return ok && b
}

// CheckpointInterval returns the configured checkpoint interval, if any.
func (s *Session) CheckpointInterval() (time.Duration, bool) {
	secs, ok := metaInt(s.Metadata, MetaCheckpointInterval)
	if !ok {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func metaInt(meta map[string]any, key string) (int, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
