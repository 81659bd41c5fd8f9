package store

import (
	"encoding/json"
	"time"

	"github.com/zbell/afk/internal/session"
)

// sessionColumns is the list of columns selected by session queries.
const sessionColumns = `id, type, task, status, pid, iterations_planned, iterations_completed,
	current_iteration, started_at, updated_at, completed_at, ended_at, exit_code, error,
	working_directory, model, metadata`

// sessionModel is the database row for the sessions table.
// Time values are stored as epoch milliseconds.
type sessionModel struct {
	ID     string
	Type   string
	Task   string
	Status string
	PID    *int64

	IterationsPlanned   int
	IterationsCompleted int
	CurrentIteration    int

	StartedAt int64
	UpdatedAt int64

	CompletedAt *int64
	EndedAt     *int64
	ExitCode    *int64
	Error       *string

	WorkingDirectory *string
	Model            *string
	Metadata         *string // JSON encoded
}

// scanSession scans a row into a sessionModel.
func scanSession(scanner interface{ Scan(...any) error }) (*sessionModel, error) {
	var m sessionModel
	err := scanner.Scan(
		&m.ID, &m.Type, &m.Task, &m.Status, &m.PID,
		&m.IterationsPlanned, &m.IterationsCompleted, &m.CurrentIteration,
		&m.StartedAt, &m.UpdatedAt,
		&m.CompletedAt, &m.EndedAt, &m.ExitCode, &m.Error,
		&m.WorkingDirectory, &m.Model, &m.Metadata,
	)
	return &m, err
}

// toModel converts a domain session to a database row.
func toModel(s *session.Session) *sessionModel {
	m := &sessionModel{
		ID:                  s.ID,
		Type:                s.Type,
		Task:                s.Task,
		Status:              string(s.Status),
		IterationsPlanned:   s.IterationsPlanned,
		IterationsCompleted: s.IterationsCompleted,
		CurrentIteration:    s.CurrentIteration,
		StartedAt:           s.StartedAt.UnixMilli(),
		UpdatedAt:           s.UpdatedAt.UnixMilli(),
	}
	if s.PID != nil {
		pid := int64(*s.PID)
		m.PID = &pid
	}
	if s.CompletedAt != nil {
		ms := s.CompletedAt.UnixMilli()
		m.CompletedAt = &ms
	}
	if s.EndedAt != nil {
		ms := s.EndedAt.UnixMilli()
		m.EndedAt = &ms
	}
	if s.ExitCode != nil {
		code := int64(*s.ExitCode)
		m.ExitCode = &code
	}
	if s.Error != "" {
		errMsg := s.Error
		m.Error = &errMsg
	}
	if s.WorkingDirectory != "" {
		wd := s.WorkingDirectory
		m.WorkingDirectory = &wd
	}
	if s.Model != "" {
		model := s.Model
		m.Model = &model
	}
	if len(s.Metadata) > 0 {
		metaJSON, err := json.Marshal(s.Metadata)
		if err == nil {
			meta := string(metaJSON)
			m.Metadata = &meta
		}
	}
	return m
}

// toDomain converts a database row to a domain session.
func (m *sessionModel) toDomain() *session.Session {
	s := &session.Session{
		ID:                  m.ID,
		Type:                m.Type,
		Task:                m.Task,
		Status:              session.Status(m.Status),
		IterationsPlanned:   m.IterationsPlanned,
		IterationsCompleted: m.IterationsCompleted,
		CurrentIteration:    m.CurrentIteration,
		StartedAt:           time.UnixMilli(m.StartedAt),
		UpdatedAt:           time.UnixMilli(m.UpdatedAt),
	}
	if m.PID != nil {
		pid := int(*m.PID)
		s.PID = &pid
	}
	if m.CompletedAt != nil {
		t := time.UnixMilli(*m.CompletedAt)
		s.CompletedAt = &t
	}
	if m.EndedAt != nil {
		t := time.UnixMilli(*m.EndedAt)
		s.EndedAt = &t
	}
	if m.ExitCode != nil {
		code := int(*m.ExitCode)
		s.ExitCode = &code
	}
	if m.Error != nil {
		s.Error = *m.Error
	}
	if m.WorkingDirectory != nil {
		s.WorkingDirectory = *m.WorkingDirectory
	}
	if m.Model != nil {
		s.Model = *m.Model
	}
	if m.Metadata != nil {
		var meta map[string]any
		if err := json.Unmarshal([]byte(*m.Metadata), &meta); err == nil {
			s.Metadata = meta
		}
	}
	return s
}
