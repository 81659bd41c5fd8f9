// Package progress persists a per-session record of what each iteration set
// out to do and what came of it. The record is a JSON sidecar under the
// user-scoped progress directory; every mutation is written through
// atomically, so the file's mtime doubles as a secondary liveness signal.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zbell/afk/internal/log"
)

// Iteration statuses. Running entries are open; the rest are terminal.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
	StatusError     = "error"
)

// Iteration is one supervised pass of the assistant.
type Iteration struct {
	Number       int        `json:"number"`
	Goal         string     `json:"goal"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	Status       string     `json:"status"`
	Actions      []string   `json:"actions,omitempty"`
	Achievements []string   `json:"achievements,omitempty"`
	Challenges   []string   `json:"challenges,omitempty"`
	NextSteps    []string   `json:"nextSteps,omitempty"`
	DurationSec  float64    `json:"durationSec,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	Summary      string     `json:"summary,omitempty"`
}

// Milestone marks a notable cross-iteration achievement.
type Milestone struct {
	Title     string    `json:"title"`
	Note      string    `json:"note,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Document is the whole sidecar for one session.
type Document struct {
	SessionID  string      `json:"sessionId"`
	Task       string      `json:"task"`
	Iterations []Iteration `json:"iterations"`
	Milestones []Milestone `json:"milestones,omitempty"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Result summarizes one finished iteration.
type Result struct {
	Success  bool
	ExitCode int
	Summary  string
}

// tailCap bounds the rolling output tail kept as a fallback summary.
const tailCap = 2048

// summaryLen is how much of the tail a fallback summary keeps.
const summaryLen = 500

// Tracker owns a session's progress sidecar. One supervisor writes it;
// methods are safe for the runner's concurrent stream readers.
type Tracker struct {
	path string

	mu   sync.Mutex
	doc  Document
	tail []byte
}

// NewTracker loads the sidecar at path, or initializes a fresh document when
// none exists or the file cannot be parsed. The initial state is persisted
// immediately so the sidecar exists from session start.
func NewTracker(sessionID, task, path string) (*Tracker, error) {
	t := &Tracker{path: path}

	if doc, err := Load(path); err == nil && doc.SessionID == sessionID {
		t.doc = *doc
	} else {
		t.doc = Document{SessionID: sessionID, Task: task}
	}
	if t.doc.Task == "" {
		t.doc.Task = task
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.saveLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the sidecar location.
func (t *Tracker) Path() string { return t.path }

// StartIteration appends an open iteration entry. Retries of the same
// iteration number append a fresh entry; the document is a journal of
// attempts, not a dense array.
func (t *Tracker) StartIteration(n int, goal string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.doc.Iterations = append(t.doc.Iterations, Iteration{
		Number:    n,
		Goal:      goal,
		StartTime: time.Now(),
		Status:    StatusRunning,
	})
	t.tail = nil
	t.persist("start iteration")
}

// RecordAction notes a step taken during the open iteration.
func (t *Tracker) RecordAction(text string) { t.appendTo("action", text) }

// RecordAchievement notes something the open iteration accomplished.
func (t *Tracker) RecordAchievement(text string) { t.appendTo("achievement", text) }

// RecordChallenge notes a difficulty hit during the open iteration.
func (t *Tracker) RecordChallenge(text string) { t.appendTo("challenge", text) }

// RecordNextStep notes follow-up work identified during the open iteration.
func (t *Tracker) RecordNextStep(text string) { t.appendTo("next step", text) }

func (t *Tracker) appendTo(kind, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	it := t.openLocked()
	if it == nil {
		return
	}
	switch kind {
	case "action":
		it.Actions = append(it.Actions, text)
	case "achievement":
		it.Achievements = append(it.Achievements, text)
	case "challenge":
		it.Challenges = append(it.Challenges, text)
	case "next step":
		it.NextSteps = append(it.NextSteps, text)
	}
	t.persist("record " + kind)
}

// AddMilestone records a cross-iteration milestone, stamped with the open
// iteration's number when one is running.
func (t *Tracker) AddMilestone(title, note string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m := Milestone{Title: title, Note: note, Timestamp: time.Now()}
	if it := t.openLocked(); it != nil {
		m.Iteration = it.Number
	}
	t.doc.Milestones = append(t.doc.Milestones, m)
	t.persist("add milestone")
}

// ObserveOutput accumulates a rolling tail of assistant output. The tail
// backs the fallback summary when an iteration completes without one.
func (t *Tracker) ObserveOutput(chunk string) {
	if chunk == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.tail = append(t.tail, chunk...)
	if len(t.tail) > tailCap {
		t.tail = t.tail[len(t.tail)-tailCap:]
	}
}

// CompleteIteration closes the open iteration with the result: end time,
// duration, exit code, and summary (falling back to the output tail).
func (t *Tracker) CompleteIteration(res Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it := t.openLocked()
	if it == nil {
		return
	}

	now := time.Now()
	it.EndTime = &now
	it.DurationSec = now.Sub(it.StartTime).Seconds()
	code := res.ExitCode
	it.ExitCode = &code
	if res.Success {
		it.Status = StatusCompleted
	} else {
		it.Status = StatusFailed
	}

	summary := strings.TrimSpace(res.Summary)
	if summary == "" && len(t.tail) > 0 {
		tail := t.tail
		if len(tail) > summaryLen {
			tail = tail[len(tail)-summaryLen:]
		}
		summary = strings.TrimSpace(string(tail))
	}
	it.Summary = summary

	t.persist("complete iteration")
}

// CloseOpen marks a still-running iteration with a terminal status. Called on
// supervisor shutdown so the sidecar never ends on a dangling running entry.
func (t *Tracker) CloseOpen(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it := t.openLocked()
	if it == nil {
		return
	}
	now := time.Now()
	it.EndTime = &now
	it.DurationSec = now.Sub(it.StartTime).Seconds()
	it.Status = status
	t.persist("close open iteration")
}

// Snapshot returns a copy of the current document.
func (t *Tracker) Snapshot() Document {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.doc
	doc.Iterations = append([]Iteration(nil), t.doc.Iterations...)
	doc.Milestones = append([]Milestone(nil), t.doc.Milestones...)
	return doc
}

// Save persists the document. Mutating methods already save; this exists for
// explicit flushes on shutdown paths.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

// openLocked returns the trailing iteration when it is still running.
func (t *Tracker) openLocked() *Iteration {
	if len(t.doc.Iterations) == 0 {
		return nil
	}
	it := &t.doc.Iterations[len(t.doc.Iterations)-1]
	if it.Status != StatusRunning {
		return nil
	}
	return it
}

// persist saves and logs failures without surfacing them; a missed sidecar
// write must never abort an iteration.
func (t *Tracker) persist(op string) {
	if err := t.saveLocked(); err != nil {
		log.ErrorErr(log.CatProgress, "saving progress sidecar", err, "session", t.doc.SessionID, "op", op)
	}
}

// saveLocked writes the document temp-then-rename so readers never see a
// torn file. Callers hold t.mu.
func (t *Tracker) saveLocked() error {
	t.doc.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(t.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling progress document: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp progress file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp progress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp progress file: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing progress file: %w", err)
	}
	return nil
}

// Load reads a progress document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: per-session path under our data root
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing progress document: %w", err)
	}
	return &doc, nil
}

// LastActivity returns the sidecar's mtime, a secondary heartbeat consulted
// when the context log is absent.
func LastActivity(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Cleanup removes progress sidecars not modified within olderThanDays.
// Returns how many files were removed.
func Cleanup(dir string, olderThanDays int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading progress directory: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "-progress.json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.ErrorErr(log.CatProgress, "removing stale progress sidecar", err, "path", path)
			continue
		}
		removed++
	}
	log.Debug(log.CatProgress, "progress cleanup", "dir", dir, "removed", removed)
	return removed, nil
}
