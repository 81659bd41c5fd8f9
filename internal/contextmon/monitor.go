// Package contextmon records per-session context events: context-limit hits,
// compact suggestions and attempts, iteration boundaries. Events append to an
// in-memory ring and to a JSON-lines file whose mtime doubles as the
// session's liveness heartbeat.
package contextmon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zbell/afk/internal/classify"
	"github.com/zbell/afk/internal/log"
)

// EventType labels a context event.
type EventType string

const (
	EventIterationStart    EventType = "iteration_start"
	EventIterationEnd      EventType = "iteration_end"
	EventContextLimit      EventType = "context_limit"
	EventCompactSuggestion EventType = "compact_suggestion"
	EventCompactAttempt    EventType = "compact_attempt"
	EventCompactFailure    EventType = "compact_failure"
)

// Event is one entry in the per-session context log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ringCap bounds the in-memory event window.
const ringCap = 256

// Monitor is the per-session context event recorder. One supervisor owns it;
// methods are safe for the runner's concurrent stream readers.
type Monitor struct {
	sessionID  string
	logPath    string
	reportPath string

	mu   sync.Mutex
	file *os.File
	ring []Event
}

// New opens (appending) the context log for a session. The parent directory
// must already exist; callers go through paths.Layout.EnsureWorkerDir.
func New(sessionID, logPath, reportPath string) (*Monitor, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // G304: per-session path under our data root
	if err != nil {
		return nil, fmt.Errorf("opening context log: %w", err)
	}
	return &Monitor{
		sessionID:  sessionID,
		logPath:    logPath,
		reportPath: reportPath,
		file:       f,
	}, nil
}

// Close releases the log file handle.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// LogEvent appends an event to the ring and the persistent log.
// Each event is written immediately so the file's mtime stays an honest
// heartbeat.
func (m *Monitor) LogEvent(eventType EventType, payload map[string]any) {
	event := Event{Timestamp: time.Now(), Type: eventType, Payload: payload}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring = append(m.ring, event)
	if len(m.ring) > ringCap {
		m.ring = m.ring[len(m.ring)-ringCap:]
	}

	if m.file == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		log.ErrorErr(log.CatMonitor, "marshaling context event", err, "session", m.sessionID, "type", eventType)
		return
	}
	line = append(line, '\n')
	if _, err := m.file.Write(line); err != nil {
		log.ErrorErr(log.CatMonitor, "writing context event", err, "session", m.sessionID, "type", eventType)
	}
}

// MonitorOutput scans an output chunk for context-limit and compact
// signatures and logs one event per hit. Returns the matches so the caller
// can act on them.
func (m *Monitor) MonitorOutput(chunk string) []classify.Match {
	matches := classify.ScanContext(chunk)
	for _, match := range matches {
		eventType := EventContextLimit
		if match.Kind == classify.KindCompactSuggestion {
			eventType = EventCompactSuggestion
		}
		m.LogEvent(eventType, map[string]any{
			"pattern":  match.Pattern,
			"fragment": match.Fragment,
		})
	}
	return matches
}

// LogCompactAttempt records one /compact delivery attempt.
func (m *Monitor) LogCompactAttempt(method string, success bool, attemptErr error) {
	payload := map[string]any{
		"method":  method,
		"success": success,
	}
	if attemptErr != nil {
		payload["error"] = attemptErr.Error()
	}
	m.LogEvent(EventCompactAttempt, payload)
}

// RecentEvents returns a copy of the in-memory event window.
func (m *Monitor) RecentEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.ring))
	copy(out, m.ring)
	return out
}

// LastActivity returns the context log's mtime: the liveness heartbeat
// consulted by the reconciler.
func (m *Monitor) LastActivity() (time.Time, error) {
	return LastActivity(m.logPath)
}

// LastActivity returns the mtime of a context log file.
func LastActivity(logPath string) (time.Time, error) {
	info, err := os.Stat(logPath)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// readEvents parses the persisted JSONL log. Malformed lines are skipped so a
// torn write never poisons the report.
func readEvents(logPath string) ([]Event, error) {
	f, err := os.Open(logPath) //nolint:gosec // G304: per-session path under our data root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening context log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading context log: %w", err)
	}
	return events, nil
}
