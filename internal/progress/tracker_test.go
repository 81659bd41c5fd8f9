package progress

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "afk-123-progress.json")
	tr, err := NewTracker("afk-123", "refactor the parser", path)
	require.NoError(t, err)
	return tr, path
}

func TestNewTrackerCreatesSidecar(t *testing.T) {
	_, path := newTestTracker(t)

	doc, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "afk-123", doc.SessionID)
	require.Equal(t, "refactor the parser", doc.Task)
	require.Empty(t, doc.Iterations)
	require.False(t, doc.UpdatedAt.IsZero())
}

func TestStartAndCompleteIteration(t *testing.T) {
	tr, path := newTestTracker(t)

	tr.StartIteration(1, "iteration 1 of 10")
	tr.RecordAction("ran the test suite")
	tr.RecordAchievement("all tests pass")
	tr.RecordChallenge("flaky network test")
	tr.RecordNextStep("split the parser package")
	tr.CompleteIteration(Result{Success: true, ExitCode: 0, Summary: "done"})

	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Iterations, 1)

	it := doc.Iterations[0]
	require.Equal(t, 1, it.Number)
	require.Equal(t, "iteration 1 of 10", it.Goal)
	require.Equal(t, StatusCompleted, it.Status)
	require.Equal(t, []string{"ran the test suite"}, it.Actions)
	require.Equal(t, []string{"all tests pass"}, it.Achievements)
	require.Equal(t, []string{"flaky network test"}, it.Challenges)
	require.Equal(t, []string{"split the parser package"}, it.NextSteps)
	require.Equal(t, "done", it.Summary)
	require.NotNil(t, it.EndTime)
	require.NotNil(t, it.ExitCode)
	require.Equal(t, 0, *it.ExitCode)
	require.GreaterOrEqual(t, it.DurationSec, 0.0)
}

func TestCompleteIterationFailure(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.StartIteration(1, "iteration 1 of 3")
	tr.CompleteIteration(Result{Success: false, ExitCode: 1, Summary: "usage limit"})

	doc := tr.Snapshot()
	require.Len(t, doc.Iterations, 1)
	require.Equal(t, StatusFailed, doc.Iterations[0].Status)
	require.Equal(t, 1, *doc.Iterations[0].ExitCode)
	require.Equal(t, "usage limit", doc.Iterations[0].Summary)
}

func TestFallbackSummaryFromOutputTail(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.StartIteration(1, "iteration 1 of 1")
	tr.ObserveOutput(strings.Repeat("x", 600))
	tr.ObserveOutput("  the actual ending  ")
	tr.CompleteIteration(Result{Success: true, ExitCode: 0})

	doc := tr.Snapshot()
	summary := doc.Iterations[0].Summary
	require.NotEmpty(t, summary)
	require.LessOrEqual(t, len(summary), 500)
	require.True(t, strings.HasSuffix(summary, "the actual ending"))
}

func TestOutputTailResetsPerIteration(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.StartIteration(1, "iteration 1 of 2")
	tr.ObserveOutput("first iteration output")
	tr.CompleteIteration(Result{Success: true, ExitCode: 0})

	tr.StartIteration(2, "iteration 2 of 2")
	tr.CompleteIteration(Result{Success: true, ExitCode: 0})

	doc := tr.Snapshot()
	require.Len(t, doc.Iterations, 2)
	require.Empty(t, doc.Iterations[1].Summary)
}

func TestRetrySameIterationAppendsEntry(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.StartIteration(2, "iteration 2 of 5")
	tr.CompleteIteration(Result{Success: false, ExitCode: 1})
	tr.StartIteration(2, "iteration 2 of 5")
	tr.CompleteIteration(Result{Success: true, ExitCode: 0})

	doc := tr.Snapshot()
	require.Len(t, doc.Iterations, 2)
	require.Equal(t, 2, doc.Iterations[0].Number)
	require.Equal(t, 2, doc.Iterations[1].Number)
	require.Equal(t, StatusFailed, doc.Iterations[0].Status)
	require.Equal(t, StatusCompleted, doc.Iterations[1].Status)
}

func TestRecordsIgnoredWithoutOpenIteration(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.RecordAction("before any iteration")
	tr.StartIteration(1, "iteration 1 of 1")
	tr.CompleteIteration(Result{Success: true, ExitCode: 0})
	tr.RecordAchievement("after completion")

	doc := tr.Snapshot()
	require.Len(t, doc.Iterations, 1)
	require.Empty(t, doc.Iterations[0].Actions)
	require.Empty(t, doc.Iterations[0].Achievements)
}

func TestCompleteWithoutOpenIterationIsNoop(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.CompleteIteration(Result{Success: true, ExitCode: 0})
	require.Empty(t, tr.Snapshot().Iterations)
}

func TestAddMilestone(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.AddMilestone("project scaffolded", "")
	tr.StartIteration(3, "iteration 3 of 5")
	tr.AddMilestone("tests green", "after parser split")

	doc := tr.Snapshot()
	require.Len(t, doc.Milestones, 2)
	require.Equal(t, "project scaffolded", doc.Milestones[0].Title)
	require.Zero(t, doc.Milestones[0].Iteration)
	require.Equal(t, "tests green", doc.Milestones[1].Title)
	require.Equal(t, "after parser split", doc.Milestones[1].Note)
	require.Equal(t, 3, doc.Milestones[1].Iteration)
}

func TestCloseOpenMarksTerminalStatus(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.StartIteration(1, "iteration 1 of 4")
	tr.CloseOpen(StatusStopped)

	doc := tr.Snapshot()
	require.Equal(t, StatusStopped, doc.Iterations[0].Status)
	require.NotNil(t, doc.Iterations[0].EndTime)

	// Idempotent once the entry is terminal.
	tr.CloseOpen(StatusError)
	require.Equal(t, StatusStopped, tr.Snapshot().Iterations[0].Status)
}

func TestNewTrackerResumesExistingDocument(t *testing.T) {
	tr, path := newTestTracker(t)
	tr.StartIteration(1, "iteration 1 of 2")
	tr.CompleteIteration(Result{Success: true, ExitCode: 0})

	resumed, err := NewTracker("afk-123", "refactor the parser", path)
	require.NoError(t, err)
	require.Len(t, resumed.Snapshot().Iterations, 1)
}

func TestNewTrackerDiscardsMismatchedSession(t *testing.T) {
	tr, path := newTestTracker(t)
	tr.StartIteration(1, "iteration 1 of 2")

	fresh, err := NewTracker("afk-456", "a different task", path)
	require.NoError(t, err)
	doc := fresh.Snapshot()
	require.Equal(t, "afk-456", doc.SessionID)
	require.Equal(t, "a different task", doc.Task)
	require.Empty(t, doc.Iterations)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestLoadRejectsMalformedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sessionId": "afk-1", "iter`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLastActivity(t *testing.T) {
	tr, path := newTestTracker(t)

	before := time.Now().Add(-time.Minute)
	tr.StartIteration(1, "iteration 1 of 1")

	mtime, err := LastActivity(path)
	require.NoError(t, err)
	require.True(t, mtime.After(before))

	_, err = LastActivity(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "afk-old-progress.json")
	fresh := filepath.Join(dir, "afk-new-progress.json")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{stale, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o600))
	}
	old := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	removed, err := Cleanup(dir, 7)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
	_, err = os.Stat(other)
	require.NoError(t, err)
}

func TestCleanupMissingDir(t *testing.T) {
	removed, err := Cleanup(filepath.Join(t.TempDir(), "absent"), 7)
	require.NoError(t, err)
	require.Zero(t, removed)
}
