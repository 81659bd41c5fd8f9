// Package reconcile repairs drift between the session store and the live
// process table. Sessions the store believes are active are checked for a
// running process, then for fresh on-disk activity, then for a scan match,
// and downgraded to error when everything comes up empty. The hunt also
// runs the other way: live processes tagged with sessions the store no
// longer considers active are reported as orphans.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zbell/afk/internal/contextmon"
	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/paths"
	"github.com/zbell/afk/internal/progress"
	"github.com/zbell/afk/internal/session"
	"github.com/zbell/afk/internal/store"
)

const (
	// DefaultGrace is how recent on-disk activity must be for a session
	// with no live pid to still count as alive.
	DefaultGrace = 15 * time.Minute

	// DefaultStale is how long a session row may go without an update
	// before the session is declared stalled outright.
	DefaultStale = 30 * time.Minute
)

// ReasonTerminated marks sessions whose process vanished without writing a
// terminal status.
const ReasonTerminated = "terminated unexpectedly"

// Config wires a Reconciler.
type Config struct {
	Store *store.Store
	Paths paths.Layout
	Grace time.Duration // zero means DefaultGrace
	Stale time.Duration // zero means DefaultStale
}

// Reconciler audits active sessions against the processes actually running.
type Reconciler struct {
	store *store.Store
	paths paths.Layout
	grace time.Duration
	stale time.Duration

	// Probes are fields so tests can exercise each decision path without
	// real processes.
	alive func(pid int) bool
	find  func(ctx context.Context, id string) (int, bool)
	list  func(ctx context.Context) ([]procInfo, error)
}

// New builds a Reconciler with the real process probes.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		store: cfg.Store,
		paths: cfg.Paths,
		grace: cfg.Grace,
		stale: cfg.Stale,
		alive: Alive,
		find:  FindSessionProcess,
		list:  listProcesses,
	}
	if r.grace <= 0 {
		r.grace = DefaultGrace
	}
	if r.stale <= 0 {
		r.stale = DefaultStale
	}
	return r
}

// Report summarizes one reconciliation pass.
type Report struct {
	Checked        int      // active sessions examined
	Healthy        int      // pid probe succeeded
	HeartbeatAlive int      // pid gone but on-disk activity is fresh
	Adopted        []string // sessions re-attached to a scanned process
	Errored        []string // sessions downgraded to error
}

// Orphan is a live process tagged with a session the store no longer
// considers active.
type Orphan struct {
	PID       int
	SessionID string
	Cmdline   string
}

// Pass audits every session the store considers live. Starting and retrying
// sessions are included alongside running ones: a worker can die during its
// startup window or mid-backoff just as easily as mid-iteration.
func (r *Reconciler) Pass(ctx context.Context) (Report, error) {
	var report Report

	var active []*session.Session
	for _, status := range []session.Status{session.StatusStarting, session.StatusRunning, session.StatusRetrying} {
		batch, err := r.store.ByStatus(status)
		if err != nil {
			return report, fmt.Errorf("listing %s sessions: %w", status, err)
		}
		active = append(active, batch...)
	}

	for _, sess := range active {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		c := sessionCase{r: r, sess: sess, now: time.Now()}
		switch {
		case c.pidAlive():
			report.Healthy++
		case c.heartbeatFresh():
			report.HeartbeatAlive++
			log.Debug(log.CatReconcile, "process gone but heartbeat fresh", "session", sess.ID)
		case c.updatedStale():
			r.markStalled(sess, &report)
		default:
			if pid, ok := r.find(ctx, sess.ID); ok {
				r.adopt(sess, pid, &report)
			} else {
				r.markTerminated(sess, &report)
			}
		}
	}
	return report, nil
}

// sessionCase walks one session through the decision ladder. Each probe is
// a method so tests can pin them down in isolation.
type sessionCase struct {
	r    *Reconciler
	sess *session.Session
	now  time.Time
}

func (c sessionCase) pidAlive() bool {
	return c.sess.PID != nil && *c.sess.PID > 0 && c.r.alive(*c.sess.PID)
}

// heartbeatFresh reports recent on-disk activity. The context monitor log
// is the primary heartbeat; the progress sidecar covers sessions running
// without a monitor.
func (c sessionCase) heartbeatFresh() bool {
	last, ok := c.lastActivity()
	return ok && c.now.Sub(last) <= c.r.grace
}

func (c sessionCase) lastActivity() (time.Time, bool) {
	var last time.Time
	if ts, err := contextmon.LastActivity(c.r.paths.MonitorLog(c.sess.ID)); err == nil && ts.After(last) {
		last = ts
	}
	if ts, err := progress.LastActivity(c.r.paths.ProgressFile(c.sess.ID)); err == nil && ts.After(last) {
		last = ts
	}
	return last, !last.IsZero()
}

func (c sessionCase) updatedStale() bool {
	return c.now.Sub(c.sess.UpdatedAt) > c.r.stale
}

// markStalled downgrades a session that has gone quiet for longer than the
// stale window. The pid probe and heartbeat checks already came up empty by
// the time this runs, so the row gets the same terminal shape as a vanished
// process: error set, pid cleared, end stamped.
func (r *Reconciler) markStalled(sess *session.Session, report *Report) {
	log.Warn(log.CatReconcile, "session stalled",
		"session", sess.ID, "idle", time.Since(sess.UpdatedAt).Round(time.Minute))
	r.markTerminated(sess, report)
}

// markTerminated downgrades a session with no process, no heartbeat, and no
// scan match. The pid is cleared and the end stamped so the row reads as a
// finished run.
func (r *Reconciler) markTerminated(sess *session.Session, report *Report) {
	if _, err := r.store.Update(sess.ID, store.Patch{
		"status":       session.StatusError,
		"error":        ReasonTerminated,
		"pid":          nil,
		"completed_at": time.Now(),
	}); err != nil {
		log.ErrorErr(log.CatReconcile, "marking terminated session", err, "session", sess.ID)
		return
	}
	report.Errored = append(report.Errored, sess.ID)
	log.Warn(log.CatReconcile, "session terminated without cleanup", "session", sess.ID)
}

// adopt re-attaches a session to a process the scan found under its tag.
// Happens when a worker respawned the assistant and the stored pid went
// stale before the new one landed.
func (r *Reconciler) adopt(sess *session.Session, pid int, report *Report) {
	if _, err := r.store.Update(sess.ID, store.Patch{"pid": pid}); err != nil {
		log.ErrorErr(log.CatReconcile, "adopting scanned process", err, "session", sess.ID, "pid", pid)
		return
	}
	report.Adopted = append(report.Adopted, sess.ID)
	log.Info(log.CatReconcile, "adopted live process", "session", sess.ID, "pid", pid)
}

// Restore revives error sessions whose process turns out to still be
// running. This is the one sanctioned path back out of a terminal status.
func (r *Reconciler) Restore(ctx context.Context) ([]string, error) {
	errored, err := r.store.ByStatus(session.StatusError)
	if err != nil {
		return nil, fmt.Errorf("listing error sessions: %w", err)
	}

	var restored []string
	for _, sess := range errored {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		pid, ok := r.find(ctx, sess.ID)
		if !ok {
			continue
		}
		revived, err := r.store.Revive(sess.ID, pid)
		if err != nil {
			log.ErrorErr(log.CatReconcile, "reviving session", err, "session", sess.ID)
			continue
		}
		if revived {
			restored = append(restored, sess.ID)
			log.Info(log.CatReconcile, "restored session with live process", "session", sess.ID, "pid", pid)
		}
	}
	return restored, nil
}

// OrphanHunt scans the process table for processes tagged with sessions
// that are gone or no longer active. The caller decides whether to kill
// them.
func (r *Reconciler) OrphanHunt(ctx context.Context) ([]Orphan, error) {
	infos, err := r.list(ctx)
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	var orphans []Orphan
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return orphans, err
		}
		if info.pid == self {
			continue
		}
		id := sessionOf(info)
		if id == "" {
			continue
		}
		if r.sessionActive(id) {
			continue
		}
		orphans = append(orphans, Orphan{
			PID:       info.pid,
			SessionID: id,
			Cmdline:   strings.Join(info.args, " "),
		})
	}
	return orphans, nil
}

func (r *Reconciler) sessionActive(id string) bool {
	sess, err := r.store.Get(id)
	if err != nil {
		return false
	}
	return sess.Status.IsActive()
}
