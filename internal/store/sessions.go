package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/session"
)

// DefaultRecentLimit is used by Recent when the caller passes a non-positive
// limit.
const DefaultRecentLimit = 10

// Patch is a partial session update. Keys are column names; unknown keys are
// rejected with a validation error. A nil value clears a nullable column.
type Patch map[string]any

// patchColumns is the set of columns Update accepts. Identity, type, and the
// planned iteration count are immutable after creation; updated_at is managed
// by the store.
var patchColumns = map[string]bool{
	"status":               true,
	"pid":                  true,
	"iterations_completed": true,
	"current_iteration":    true,
	"completed_at":         true,
	"ended_at":             true,
	"exit_code":            true,
	"error":                true,
	"task":                 true,
	"working_directory":    true,
	"model":                true,
	"metadata":             true,
}

// Create inserts a new session. Status defaults to running when the spec
// leaves it empty; callers may pass created or starting instead.
func (s *Store) Create(spec session.Spec) (*session.Session, error) {
	if spec.Status == "" {
		spec.Status = session.StatusRunning
	}
	sess, err := session.New(spec)
	if err != nil {
		return nil, err
	}

	m := toModel(sess)
	err = withRetry(func() error {
		_, err := s.conn.Exec(
			`INSERT INTO sessions (`+sessionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Type, m.Task, m.Status, m.PID,
			m.IterationsPlanned, m.IterationsCompleted, m.CurrentIteration,
			m.StartedAt, m.UpdatedAt,
			m.CompletedAt, m.EndedAt, m.ExitCode, m.Error,
			m.WorkingDirectory, m.Model, m.Metadata,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	log.Debug(log.CatStore, "session created", "id", sess.ID, "status", sess.Status, "iterations", sess.IterationsPlanned)
	return sess, nil
}

// Update applies a partial update and refreshes updated_at. A missing row is
// not an error: the reconciler legitimately races supervisors, so Update
// reports false instead. Writes that would take a terminal session back to a
// non-terminal status are dropped; the remaining fields still apply so
// terminal metadata can be stamped.
func (s *Store) Update(id string, patch Patch) (bool, error) {
	assignments, err := normalizePatch(patch)
	if err != nil {
		return false, err
	}

	var touched bool
	err = withRetry(func() error {
		touched = false
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("beginning update: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		err = tx.QueryRow(`SELECT status FROM sessions WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading current status: %w", err)
		}

		if next, ok := assignments["status"]; ok && session.Status(current).IsTerminal() {
			if target, _ := next.(string); !session.Status(target).IsTerminal() {
				log.Warn(log.CatStore, "dropping un-terminalizing status write", "id", id, "current", current, "attempted", target)
				delete(assignments, "status")
			}
		}

		cols := make([]string, 0, len(assignments))
		for col := range assignments {
			cols = append(cols, col)
		}
		sort.Strings(cols)

		var sb strings.Builder
		args := make([]any, 0, len(cols)+2)
		for _, col := range cols {
			sb.WriteString(col)
			sb.WriteString(" = ?, ")
			args = append(args, assignments[col])
		}
		// updated_at strictly advances even when writes land in the same
		// millisecond.
		sb.WriteString("updated_at = MAX(updated_at + 1, ?)")
		args = append(args, time.Now().UnixMilli(), id)

		res, err := tx.Exec(`UPDATE sessions SET `+sb.String()+` WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}
		touched = n > 0
		return tx.Commit()
	})
	return touched, err
}

// Get returns the session with the given id.
func (s *Store) Get(id string) (*session.Session, error) {
	row := s.conn.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	m, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &session.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("finding session by id: %w", err)
	}
	return m.toDomain(), nil
}

// FindByPartialID resolves a user-typed id fragment. An exact match wins;
// otherwise the most recently started session whose id begins with the
// fragment is returned.
func (s *Store) FindByPartialID(prefix string) (*session.Session, error) {
	sess, err := s.Get(prefix)
	if err == nil {
		return sess, nil
	}
	var nferr *session.NotFoundError
	if !errors.As(err, &nferr) {
		return nil, err
	}

	row := s.conn.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE id LIKE ? ORDER BY started_at DESC LIMIT 1`,
		prefix+"%",
	)
	m, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &session.NotFoundError{ID: prefix}
	}
	if err != nil {
		return nil, fmt.Errorf("finding session by partial id: %w", err)
	}
	return m.toDomain(), nil
}

// All returns every session, newest first.
func (s *Store) All() ([]*session.Session, error) {
	return s.querySessions(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC`)
}

// ByStatus returns sessions in the given status, newest first.
func (s *Store) ByStatus(status session.Status) ([]*session.Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY started_at DESC`,
		string(status),
	)
}

// Active returns sessions whose status means a worker may be live.
func (s *Store) Active() ([]*session.Session, error) {
	statuses := session.ActiveStatuses()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (`+placeholders+`) ORDER BY started_at DESC`,
		args...,
	)
}

// Recent returns the most recently started sessions.
func (s *Store) Recent(limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
}

// Search returns sessions whose task contains the given substring.
func (s *Store) Search(taskSubstring string) ([]*session.Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE task LIKE ? ORDER BY started_at DESC`,
		"%"+taskSubstring+"%",
	)
}

// Since returns sessions started at or after ts.
func (s *Store) Since(ts time.Time) ([]*session.Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE started_at >= ? ORDER BY started_at DESC`,
		ts.UnixMilli(),
	)
}

// AllWithChecksum returns every session plus a cheap aggregate checksum
// ("<count>,<max updated_at>"). Consumers skip redraws while the checksum is
// unchanged.
func (s *Store) AllWithChecksum() ([]*session.Session, string, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, "", fmt.Errorf("beginning checksum read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int64
	var maxUpdated int64
	if err := tx.QueryRow(`SELECT COUNT(*), COALESCE(MAX(updated_at), 0) FROM sessions`).Scan(&count, &maxUpdated); err != nil {
		return nil, "", fmt.Errorf("computing checksum: %w", err)
	}

	rows, err := tx.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, "", fmt.Errorf("listing sessions: %w", err)
	}
	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, "", err
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("committing checksum read: %w", err)
	}
	return sessions, fmt.Sprintf("%d,%d", count, maxUpdated), nil
}

// Delete removes a session row. Reports whether a row was removed.
func (s *Store) Delete(id string) (bool, error) {
	var touched bool
	err := withRetry(func() error {
		res, err := s.conn.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}
		touched = n > 0
		return nil
	})
	return touched, err
}

// terminalClause builds the status IN (...) clause for terminal states.
func terminalClause() (string, []any) {
	statuses := session.TerminalStatuses()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return placeholders, args
}

// TerminatedBefore lists terminal sessions whose terminal timestamp is older
// than the cutoff. The cleanup command uses this to reap log files before the
// rows go away.
func (s *Store) TerminatedBefore(cutoff time.Time) ([]*session.Session, error) {
	placeholders, args := terminalClause()
	args = append(args, cutoff.UnixMilli())
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status IN (`+placeholders+`)
		   AND COALESCE(completed_at, ended_at, updated_at) < ?
		 ORDER BY started_at DESC`,
		args...,
	)
}

// CleanupTerminated deletes terminal sessions older than the cutoff and
// returns how many rows were removed.
func (s *Store) CleanupTerminated(olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	placeholders, args := terminalClause()
	args = append(args, cutoff.UnixMilli())

	var removed int
	err := withRetry(func() error {
		res, err := s.conn.Exec(
			`DELETE FROM sessions
			 WHERE status IN (`+placeholders+`)
			   AND COALESCE(completed_at, ended_at, updated_at) < ?`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("cleaning up terminated sessions: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}
		removed = int(n)
		return nil
	})
	if err == nil && removed > 0 {
		log.Info(log.CatStore, "cleaned up terminated sessions", "removed", removed, "older_than_days", olderThanDays)
	}
	return removed, err
}

// Stats summarizes session counts by status.
type Stats struct {
	Total     int
	Running   int
	Completed int
	Error     int
	Stopped   int
	Failed    int
	// Pending counts created, queued, starting, and retrying sessions.
	Pending int
}

// Stats returns aggregate session counts.
func (s *Store) Stats() (Stats, error) {
	rows, err := s.conn.Query(`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("computing stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scanning stats row: %w", err)
		}
		stats.Total += count
		switch session.Status(status) {
		case session.StatusRunning:
			stats.Running += count
		case session.StatusCompleted:
			stats.Completed += count
		case session.StatusError:
			stats.Error += count
		case session.StatusStopped:
			stats.Stopped += count
		case session.StatusFailed:
			stats.Failed += count
		default:
			stats.Pending += count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterating stats rows: %w", err)
	}
	return stats, nil
}

// Revive moves an error session back to running with the given pid. This is
// the reconciler's restore pass and the one sanctioned exception to terminal
// absorption; nothing else may call it.
func (s *Store) Revive(id string, pid int) (bool, error) {
	var touched bool
	err := withRetry(func() error {
		res, err := s.conn.Exec(
			`UPDATE sessions
			 SET status = ?, pid = ?, error = NULL, completed_at = NULL, ended_at = NULL,
			     exit_code = NULL, updated_at = MAX(updated_at + 1, ?)
			 WHERE id = ? AND status = ?`,
			string(session.StatusRunning), pid, time.Now().UnixMilli(), id, string(session.StatusError),
		)
		if err != nil {
			return fmt.Errorf("reviving session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}
		touched = n > 0
		return nil
	})
	if err == nil && touched {
		log.Info(log.CatStore, "session revived", "id", id, "pid", pid)
	}
	return touched, err
}

func (s *Store) querySessions(query string, args ...any) ([]*session.Session, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*session.Session, error) {
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		m, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// normalizePatch validates keys and coerces values into driver-ready types.
func normalizePatch(patch Patch) (map[string]any, error) {
	assignments := make(map[string]any, len(patch))
	for key, value := range patch {
		if !patchColumns[key] {
			return nil, &session.ValidationError{Field: key, Reason: "unknown update field"}
		}
		coerced, err := coercePatchValue(key, value)
		if err != nil {
			return nil, err
		}
		assignments[key] = coerced
	}
	return assignments, nil
}

func coercePatchValue(key string, value any) (any, error) {
	switch key {
	case "status":
		var status session.Status
		switch v := value.(type) {
		case session.Status:
			status = v
		case string:
			status = session.Status(v)
		default:
			return nil, &session.ValidationError{Field: key, Reason: fmt.Sprintf("unsupported type %T", value)}
		}
		if !status.IsValid() {
			return nil, &session.ValidationError{Field: key, Reason: fmt.Sprintf("invalid status %q", status)}
		}
		return string(status), nil

	case "pid", "exit_code":
		if value == nil {
			return nil, nil
		}
		n, ok := toInt64(value)
		if !ok {
			return nil, &session.ValidationError{Field: key, Reason: fmt.Sprintf("unsupported type %T", value)}
		}
		return n, nil

	case "iterations_completed", "current_iteration":
		n, ok := toInt64(value)
		if !ok {
			return nil, &session.ValidationError{Field: key, Reason: fmt.Sprintf("unsupported type %T", value)}
		}
		if n < 0 {
			return nil, &session.ValidationError{Field: key, Reason: "must not be negative"}
		}
		return n, nil

	case "completed_at", "ended_at":
		switch v := value.(type) {
		case nil:
			return nil, nil
		case time.Time:
			return v.UnixMilli(), nil
		case *time.Time:
			if v == nil {
				return nil, nil
			}
			return v.UnixMilli(), nil
		case int64:
			return v, nil
		default:
			return nil, &session.ValidationError{Field: key, Reason: fmt.Sprintf("unsupported type %T", value)}
		}

	case "task":
		str, ok := value.(string)
		if !ok || strings.TrimSpace(str) == "" {
			return nil, &session.ValidationError{Field: key, Reason: "must be a non-empty string"}
		}
		return str, nil

	case "error", "working_directory", "model":
		if value == nil {
			return nil, nil
		}
		str, ok := value.(string)
		if !ok {
			return nil, &session.ValidationError{Field: key, Reason: fmt.Sprintf("unsupported type %T", value)}
		}
		return str, nil

	case "metadata":
		switch v := value.(type) {
		case nil:
			return nil, nil
		case map[string]any:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, &session.ValidationError{Field: key, Reason: "not JSON-encodable"}
			}
			return string(data), nil
		case string:
			return v, nil
		default:
			return nil, &session.ValidationError{Field: key, Reason: fmt.Sprintf("unsupported type %T", value)}
		}
	}
	return nil, &session.ValidationError{Field: key, Reason: "unknown update field"}
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case *int:
		if v == nil {
			return 0, false
		}
		return int64(*v), true
	default:
		return 0, false
	}
}
