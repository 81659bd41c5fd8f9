package reconcile

import (
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zbell/afk/internal/paths"
	"github.com/zbell/afk/internal/session"
	"github.com/zbell/afk/internal/store"
)

func testReconciler(t *testing.T) (*Reconciler, *store.Store, paths.Layout) {
	t.Helper()

	layout := paths.At(t.TempDir())
	require.NoError(t, layout.EnsureBase())

	st, err := store.Open(layout.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	r := New(Config{Store: st, Paths: layout})
	r.alive = func(int) bool { return false }
	r.find = func(context.Context, string) (int, bool) { return 0, false }
	return r, st, layout
}

func createSession(t *testing.T, st *store.Store, status session.Status) *session.Session {
	t.Helper()
	sess, err := st.Create(session.Spec{
		Task:              "refactor the parser",
		IterationsPlanned: 3,
		Status:            status,
	})
	require.NoError(t, err)
	return sess
}

// backdate rewrites updated_at so staleness paths can be exercised without
// waiting. Times are stored as epoch milliseconds.
func backdate(t *testing.T, st *store.Store, id string, age time.Duration) {
	t.Helper()
	_, err := st.Conn().Exec(
		"UPDATE sessions SET updated_at = ? WHERE id = ?",
		time.Now().Add(-age).UnixMilli(), id,
	)
	require.NoError(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(Config{})
	require.Equal(t, DefaultGrace, r.grace)
	require.Equal(t, DefaultStale, r.stale)
}

func TestPassCountsLivePid(t *testing.T) {
	r, st, _ := testReconciler(t)
	sess := createSession(t, st, session.StatusRunning)
	_, err := st.Update(sess.ID, store.Patch{"pid": 4242})
	require.NoError(t, err)

	r.alive = func(pid int) bool { return pid == 4242 }

	report, err := r.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Equal(t, 1, report.Healthy)
	require.Empty(t, report.Errored)

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, got.Status)
}

func TestPassFreshMonitorLogKeepsSession(t *testing.T) {
	r, st, layout := testReconciler(t)
	sess := createSession(t, st, session.StatusRunning)

	require.NoError(t, layout.EnsureWorkerDir(sess.ID))
	require.NoError(t, os.WriteFile(layout.MonitorLog(sess.ID), []byte("{}\n"), 0o644))

	report, err := r.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.HeartbeatAlive)
	require.Empty(t, report.Errored)

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, got.Status)
}

func TestPassProgressSidecarCountsAsHeartbeat(t *testing.T) {
	r, st, layout := testReconciler(t)
	sess := createSession(t, st, session.StatusRunning)

	require.NoError(t, os.WriteFile(layout.ProgressFile(sess.ID), []byte("{}\n"), 0o644))

	report, err := r.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.HeartbeatAlive)
}

func TestPassIgnoresStaleHeartbeat(t *testing.T) {
	r, st, layout := testReconciler(t)
	sess := createSession(t, st, session.StatusRunning)

	require.NoError(t, layout.EnsureWorkerDir(sess.ID))
	monitorLog := layout.MonitorLog(sess.ID)
	require.NoError(t, os.WriteFile(monitorLog, []byte("{}\n"), 0o644))
	old := time.Now().Add(-DefaultGrace - time.Hour)
	require.NoError(t, os.Chtimes(monitorLog, old, old))

	report, err := r.Pass(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.HeartbeatAlive)
	require.Len(t, report.Errored, 1)
}

// A stalled session ends up with the same terminal row shape as one whose
// process vanished: the dead pid must not linger and the end gets stamped.
func TestPassMarksStalledSession(t *testing.T) {
	r, st, _ := testReconciler(t)
	sess := createSession(t, st, session.StatusRunning)
	_, err := st.Update(sess.ID, store.Patch{"pid": 424242})
	require.NoError(t, err)
	backdate(t, st, sess.ID, DefaultStale+15*time.Minute)

	report, err := r.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{sess.ID}, report.Errored)

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusError, got.Status)
	require.Equal(t, ReasonTerminated, got.Error)
	require.Nil(t, got.PID)
	require.NotNil(t, got.CompletedAt)
}

func TestPassAdoptsScannedProcess(t *testing.T) {
	r, st, _ := testReconciler(t)
	sess := createSession(t, st, session.StatusRunning)

	r.find = func(_ context.Context, id string) (int, bool) {
		require.Equal(t, sess.ID, id)
		return 777, true
	}

	report, err := r.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{sess.ID}, report.Adopted)
	require.Empty(t, report.Errored)

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, got.Status)
	require.NotNil(t, got.PID)
	require.Equal(t, 777, *got.PID)
}

func TestPassMarksTerminatedSession(t *testing.T) {
	r, st, _ := testReconciler(t)
	sess := createSession(t, st, session.StatusRunning)
	_, err := st.Update(sess.ID, store.Patch{"pid": 991})
	require.NoError(t, err)

	report, err := r.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{sess.ID}, report.Errored)

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusError, got.Status)
	require.Equal(t, ReasonTerminated, got.Error)
	require.Nil(t, got.PID)
	require.NotNil(t, got.CompletedAt)
}

func TestPassCoversStartingAndRetrying(t *testing.T) {
	r, st, _ := testReconciler(t)
	starting := createSession(t, st, session.StatusStarting)
	running := createSession(t, st, session.StatusRunning)
	_, err := st.Update(running.ID, store.Patch{"status": session.StatusRetrying})
	require.NoError(t, err)

	report, err := r.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.ElementsMatch(t, []string{starting.ID, running.ID}, report.Errored)
}

func TestPassSkipsTerminalSessions(t *testing.T) {
	r, st, _ := testReconciler(t)
	sess := createSession(t, st, session.StatusRunning)
	_, err := st.Update(sess.ID, store.Patch{"status": session.StatusStopped})
	require.NoError(t, err)

	report, err := r.Pass(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Checked)
}

func TestPassStopsOnCanceledContext(t *testing.T) {
	r, st, _ := testReconciler(t)
	createSession(t, st, session.StatusRunning)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Pass(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRestoreRevivesErrorSessionWithLiveProcess(t *testing.T) {
	r, st, _ := testReconciler(t)
	sess := createSession(t, st, session.StatusRunning)
	_, err := st.Update(sess.ID, store.Patch{"status": session.StatusError, "error": ReasonTerminated})
	require.NoError(t, err)

	r.find = func(_ context.Context, id string) (int, bool) { return 888, true }

	restored, err := r.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{sess.ID}, restored)

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusRunning, got.Status)
	require.NotNil(t, got.PID)
	require.Equal(t, 888, *got.PID)
	require.Empty(t, got.Error)
}

func TestRestoreLeavesErrorSessionWithoutProcess(t *testing.T) {
	r, st, _ := testReconciler(t)
	sess := createSession(t, st, session.StatusRunning)
	_, err := st.Update(sess.ID, store.Patch{"status": session.StatusError})
	require.NoError(t, err)

	restored, err := r.Restore(context.Background())
	require.NoError(t, err)
	require.Empty(t, restored)

	got, err := st.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusError, got.Status)
}

func taggedProc(pid int, id string) procInfo {
	return procInfo{
		pid:     pid,
		args:    []string{"afk", "worker"},
		environ: []string{session.EnvSessionID + "=" + id},
	}
}

func TestOrphanHuntFlagsInactiveSessions(t *testing.T) {
	r, st, _ := testReconciler(t)
	stopped := createSession(t, st, session.StatusRunning)
	_, err := st.Update(stopped.ID, store.Patch{"status": session.StatusStopped})
	require.NoError(t, err)
	running := createSession(t, st, session.StatusRunning)

	r.list = func(context.Context) ([]procInfo, error) {
		return []procInfo{
			taggedProc(100, stopped.ID),
			taggedProc(101, running.ID),
			{pid: 102, args: []string{"vim", "main.go"}},
			taggedProc(103, "afk-deleted-long-ago"),
		}, nil
	}

	orphans, err := r.OrphanHunt(context.Background())
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	require.Equal(t, 100, orphans[0].PID)
	require.Equal(t, stopped.ID, orphans[0].SessionID)
	require.Equal(t, "afk worker", orphans[0].Cmdline)
	require.Equal(t, 103, orphans[1].PID)
	require.Equal(t, "afk-deleted-long-ago", orphans[1].SessionID)
}

func TestOrphanHuntSkipsOwnProcess(t *testing.T) {
	r, st, _ := testReconciler(t)
	stopped := createSession(t, st, session.StatusRunning)
	_, err := st.Update(stopped.ID, store.Patch{"status": session.StatusStopped})
	require.NoError(t, err)

	r.list = func(context.Context) ([]procInfo, error) {
		return []procInfo{taggedProc(os.Getpid(), stopped.ID)}, nil
	}

	orphans, err := r.OrphanHunt(context.Background())
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestSessionFromEnv(t *testing.T) {
	environ := []string{"HOME=/home/u", session.EnvSessionID + "=afk-9f2c", "TERM=xterm"}
	require.Equal(t, "afk-9f2c", sessionFromEnv(environ))
	require.Empty(t, sessionFromEnv([]string{"HOME=/home/u"}))
}

func TestSessionFromArgs(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"sessionId":"afk-9f2c","task":"t"}`))
	require.Equal(t, "afk-9f2c", sessionFromArgs([]string{"afk", "worker", encoded}))

	require.Empty(t, sessionFromArgs([]string{"afk", "worker", "not-base64!!"}))
	require.Empty(t, sessionFromArgs([]string{"afk", "status"}))
	require.Empty(t, sessionFromArgs([]string{"afk", "worker"}))
	require.Empty(t, sessionFromArgs(nil))
}

func TestMatchSessionSkipsSelf(t *testing.T) {
	infos := []procInfo{
		taggedProc(500, "afk-9f2c"),
		taggedProc(501, "afk-9f2c"),
	}
	pid, ok := matchSession(infos, "afk-9f2c", 500)
	require.True(t, ok)
	require.Equal(t, 501, pid)

	_, ok = matchSession(infos, "afk-other", 0)
	require.False(t, ok)
}

func TestFindSessionProcessSeesTaggedChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process environment scan is unix only")
	}

	cmd := exec.Command("sleep", "30")
	cmd.Env = append(os.Environ(), session.EnvSessionID+"=afk-scan-test")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	require.Eventually(t, func() bool {
		pid, ok := FindSessionProcess(context.Background(), "afk-scan-test")
		return ok && pid == cmd.Process.Pid
	}, 5*time.Second, 100*time.Millisecond)
}

func TestAliveAndTerminate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on sleep binary")
	}

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	require.True(t, Alive(pid))
	require.NoError(t, Terminate(pid))
	_ = cmd.Wait()

	require.Eventually(t, func() bool { return !Alive(pid) }, 5*time.Second, 50*time.Millisecond)
}
