// Package supervisor drives a session end to end: create the row, keep the
// machine awake, run the iteration loop with backoff, and leave the row in a
// terminal state no matter how the loop exits. One supervisor process owns
// one session; everything shared with other processes goes through the store.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/zbell/afk/internal/contextmon"
	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/paths"
	"github.com/zbell/afk/internal/progress"
	"github.com/zbell/afk/internal/pubsub"
	"github.com/zbell/afk/internal/reconcile"
	"github.com/zbell/afk/internal/retry"
	"github.com/zbell/afk/internal/runner"
	"github.com/zbell/afk/internal/session"
	"github.com/zbell/afk/internal/store"
)

// Defaults for start options.
const (
	DefaultIterations         = 10
	DefaultCheckpointInterval = 1800 // seconds
)

// defaultPace is the slice length for interruptible sleeps and the minimum
// inter-iteration gap. Sleeps longer than one pace are segmented so a stop
// request is observed within one slice.
const defaultPace = 5 * time.Second

// maxSpawnFailures is how many consecutive spawn failures the loop tolerates
// before declaring the session failed. Spawn failures mean the assistant
// binary is missing or broken, which backoff will not fix quickly.
const maxSpawnFailures = 3

// inhibitorThreshold is the planned-iteration count above which a sleep
// inhibitor is worth starting.
const inhibitorThreshold = 5

// Options shape a start request.
type Options struct {
	Iterations         int    `json:"iterations"`
	Model              string `json:"model,omitempty"`
	WorkingDir         string `json:"workingDir,omitempty"`
	Background         bool   `json:"background,omitempty"`
	PreventSleep       bool   `json:"preventSleep"`
	CheckpointInterval int    `json:"checkpointInterval,omitempty"` // seconds
}

// DefaultOptions returns the options `afk start` uses when no flags are set.
func DefaultOptions() Options {
	return Options{
		Iterations:         DefaultIterations,
		PreventSleep:       true,
		CheckpointInterval: DefaultCheckpointInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.Iterations <= 0 {
		o.Iterations = DefaultIterations
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	return o
}

// Config wires a Supervisor.
type Config struct {
	Store  *store.Store
	Runner *runner.Runner
	Paths  paths.Layout

	// Caffeinate overrides the platform sleep-inhibitor lookup. Nil means
	// the platform default.
	Caffeinate func() *exec.Cmd

	// SelfPath is the binary launched as the detached worker. Defaults to
	// os.Executable().
	SelfPath string

	// Pace overrides defaultPace. Only tests shrink it.
	Pace time.Duration

	// BackoffBase, BackoffMax, and BackoffMultiplier shape the retry
	// policy between failed iterations. Zero values keep the policy
	// defaults.
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

// Supervisor owns the session lifecycle.
type Supervisor struct {
	store       *store.Store
	runner      *runner.Runner
	paths       paths.Layout
	caffeinate  func() *exec.Cmd
	selfPath    string
	pace        time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	backoffMult float64
	events      *pubsub.Broker[Event]

	// Probes are fields so Stop paths can be tested without real processes.
	alive func(pid int) bool
	find  func(ctx context.Context, id string) (int, bool)
}

// New builds a Supervisor.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		store:       cfg.Store,
		runner:      cfg.Runner,
		paths:       cfg.Paths,
		caffeinate:  cfg.Caffeinate,
		selfPath:    cfg.SelfPath,
		pace:        cfg.Pace,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		backoffMult: cfg.BackoffMultiplier,
		events:      pubsub.NewBroker[Event](),
		alive:       reconcile.Alive,
		find:        reconcile.FindSessionProcess,
	}
	if s.caffeinate == nil {
		s.caffeinate = inhibitorCommand
	}
	if s.pace <= 0 {
		s.pace = defaultPace
	}
	return s
}

// Events exposes the lifecycle broker for foreground progress narration.
func (s *Supervisor) Events() pubsub.Subscriber[Event] {
	return s.events
}

// Close shuts down the event broker.
func (s *Supervisor) Close() {
	s.events.Close()
}

// StartForeground creates a session and runs its loop in this process.
func (s *Supervisor) StartForeground(ctx context.Context, task string, opts Options) (*session.Session, error) {
	opts = opts.withDefaults()
	sess, err := s.create(task, opts, session.StatusRunning)
	if err != nil {
		return nil, err
	}
	return sess, s.Run(ctx, sess, opts)
}

// StartBackground creates the session, writes a preamble into its log, and
// detaches a worker that runs the loop. Returns without waiting.
func (s *Supervisor) StartBackground(task string, opts Options) (*session.Session, error) {
	opts = opts.withDefaults()
	opts.Background = true
	sess, err := s.create(task, opts, session.StatusStarting)
	if err != nil {
		return nil, err
	}
	if err := s.spawnWorker(sess, opts); err != nil {
		s.markFailed(sess.ID, err)
		return nil, err
	}
	return s.store.Get(sess.ID)
}

func (s *Supervisor) create(task string, opts Options, status session.Status) (*session.Session, error) {
	sess, err := s.store.Create(session.Spec{
		Task:              task,
		IterationsPlanned: opts.Iterations,
		WorkingDirectory:  opts.WorkingDir,
		Model:             opts.Model,
		Status:            status,
		Metadata: map[string]any{
			session.MetaBackground:         opts.Background,
			session.MetaCheckpointInterval: opts.CheckpointInterval,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// Run drives the iteration loop for an existing session until every planned
// iteration completes, a stop lands in the store, or the loop fails. Both
// the foreground path and the detached worker end up here.
func (s *Supervisor) Run(ctx context.Context, sess *session.Session, opts Options) (err error) {
	opts = opts.withDefaults()

	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("supervisor panic: %v", r)
			log.Error(log.CatSuper, "supervisor panicked", "session", sess.ID, "panic", r)
			if !s.markError(sess.ID, cause) {
				panic(r)
			}
			err = cause
		}
	}()

	if berr := s.paths.EnsureBase(); berr != nil {
		s.markError(sess.ID, berr)
		return berr
	}
	if werr := s.paths.EnsureWorkerDir(sess.ID); werr != nil {
		s.markError(sess.ID, werr)
		return werr
	}

	sink, serr := os.OpenFile(s.paths.SessionLog(sess.ID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if serr != nil {
		s.markError(sess.ID, serr)
		return fmt.Errorf("opening session log: %w", serr)
	}
	defer sink.Close()

	monitor, merr := contextmon.New(sess.ID, s.paths.MonitorLog(sess.ID), s.paths.ContextReport(sess.ID))
	if merr != nil {
		log.Warn(log.CatSuper, "context monitoring disabled", "session", sess.ID, "error", merr)
	} else {
		defer monitor.Close()
	}

	tracker, terr := progress.NewTracker(sess.ID, sess.Task, s.paths.ProgressFile(sess.ID))
	if terr != nil {
		log.Warn(log.CatSuper, "progress tracking disabled", "session", sess.ID, "error", terr)
	}

	inhibitor := s.startInhibitor(sess, opts)
	defer s.stopInhibitor(inhibitor)

	policy := retry.NewPolicyWith(s.backoffBase, s.backoffMax, s.backoffMult)
	reset := session.ResetState{}
	spawnFailures := 0
	interval := time.Duration(opts.CheckpointInterval) * time.Second
	lastCheckpoint := time.Now()

	log.Info(log.CatSuper, "supervisor loop starting", "session", sess.ID, "iterations", opts.Iterations)

	for i := 1; i <= opts.Iterations; i++ {
		current, gerr := s.store.Get(sess.ID)
		if gerr != nil {
			return fmt.Errorf("re-reading session: %w", gerr)
		}
		if current.Status.IsTerminal() {
			log.Info(log.CatSuper, "session terminated externally", "session", sess.ID, "status", current.Status)
			return nil
		}

		if _, uerr := s.store.Update(sess.ID, store.Patch{
			"status":               session.StatusRunning,
			"iterations_completed": i - 1,
		}); uerr != nil {
			log.ErrorErr(log.CatSuper, "updating session before iteration", uerr, "session", sess.ID)
		}

		s.publish(Event{SessionID: sess.ID, Type: EventIterationStart, Iteration: i, Planned: opts.Iterations})

		res := s.runner.Run(ctx, current, i, reset, runner.Hooks{
			Sink:    sink,
			Policy:  policy,
			Monitor: monitor,
			Tracker: tracker,
		})
		reset = res.Reset

		s.publish(Event{SessionID: sess.ID, Type: EventIterationEnd, Iteration: i, Planned: opts.Iterations, Err: res.Err})

		if !res.Advance {
			// The runner records policy failures for everything except
			// spawn errors, which never reach its classification step.
			if res.SpawnFailed {
				policy.RecordFailure()
				spawnFailures++
				if spawnFailures >= maxSpawnFailures {
					s.markFailed(sess.ID, res.Err)
					return fmt.Errorf("spawning assistant: %w", res.Err)
				}
			} else {
				spawnFailures = 0
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			delay := policy.NextDelay()
			s.publish(Event{SessionID: sess.ID, Type: EventBackoff, Iteration: i, Planned: opts.Iterations, Delay: delay})
			s.setRetrying(sess.ID)

			stopped, werr := s.sleepInterruptible(ctx, sess.ID, delay)
			if werr != nil {
				return werr
			}
			if stopped {
				return nil
			}
			i--
			continue
		}

		if _, uerr := s.store.Update(sess.ID, store.Patch{"iterations_completed": i}); uerr != nil {
			log.ErrorErr(log.CatSuper, "recording iteration completion", uerr, "session", sess.ID)
		}
		policy.RecordSuccess()
		spawnFailures = 0

		if tracker != nil && interval > 0 && time.Since(lastCheckpoint) >= interval {
			tracker.AddMilestone("checkpoint", fmt.Sprintf("%d/%d iterations complete", i, opts.Iterations))
			lastCheckpoint = time.Now()
		}

		if i < opts.Iterations {
			gap := max(s.pace, policy.NextDelay()/6)
			stopped, werr := s.sleepInterruptible(ctx, sess.ID, gap)
			if werr != nil {
				return werr
			}
			if stopped {
				return nil
			}
		}
	}

	s.finish(sess.ID, opts, monitor)
	return nil
}

// finish stamps the session completed if nothing else terminalized it, and
// writes the context report.
func (s *Supervisor) finish(id string, opts Options, monitor *contextmon.Monitor) {
	final, err := s.store.Get(id)
	if err != nil {
		log.ErrorErr(log.CatSuper, "reading session for completion", err, "session", id)
		return
	}
	if final.Status == session.StatusRunning {
		if _, err := s.store.Update(id, store.Patch{
			"status":       session.StatusCompleted,
			"completed_at": time.Now(),
			"pid":          nil,
		}); err != nil {
			log.ErrorErr(log.CatSuper, "marking session completed", err, "session", id)
		} else {
			s.publish(Event{SessionID: id, Type: EventCompleted, Iteration: opts.Iterations, Planned: opts.Iterations})
			log.Info(log.CatSuper, "session completed", "session", id, "iterations", opts.Iterations)
		}
	}
	if monitor != nil {
		if _, err := monitor.GenerateReport(); err != nil {
			log.Debug(log.CatMonitor, "context report generation failed", "session", id, "error", err)
		}
	}
}

// Stop terminates a session's processes and stamps the row stopped. The
// worker is located through the in-process table, then the stored pid, then
// a process-table scan. Idempotent: a dead process or an already-terminal
// session is not an error.
func (s *Supervisor) Stop(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	if pid, found := s.locateProcess(ctx, sess); found {
		if terr := reconcile.Terminate(pid); terr != nil {
			log.Debug(log.CatSuper, "terminate signal failed", "session", id, "pid", pid, "error", terr)
		} else {
			log.Info(log.CatSuper, "terminate signal sent", "session", id, "pid", pid)
		}
	}
	if cafPID, ok := metaPID(sess.Metadata, session.MetaCaffeinatePID); ok {
		_ = reconcile.Terminate(cafPID)
	}

	if sess.Status.IsTerminal() {
		return sess, nil
	}
	if _, err := s.store.Update(id, store.Patch{
		"status":       session.StatusStopped,
		"completed_at": time.Now(),
		"pid":          nil,
	}); err != nil {
		return nil, fmt.Errorf("marking session stopped: %w", err)
	}
	return s.store.Get(id)
}

// locateProcess finds the live process owning a session: in-process table
// first, stored pid second, full scan last.
func (s *Supervisor) locateProcess(ctx context.Context, sess *session.Session) (int, bool) {
	if s.runner != nil {
		if entry, ok := s.runner.Table().Lookup(sess.ID); ok && s.alive(entry.PID) {
			return entry.PID, true
		}
	}
	if sess.PID != nil && *sess.PID > 0 && s.alive(*sess.PID) {
		return *sess.PID, true
	}
	return s.find(ctx, sess.ID)
}

// sleepInterruptible waits d in pace-sized slices, re-reading the session
// between slices so a stop lands within one slice. Returns true when the
// session went terminal during the wait.
func (s *Supervisor) sleepInterruptible(ctx context.Context, id string, d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if err := retry.Sleep(ctx, min(remaining, s.pace)); err != nil {
			return false, err
		}
		current, err := s.store.Get(id)
		if err != nil {
			return false, fmt.Errorf("re-reading session during sleep: %w", err)
		}
		if current.Status.IsTerminal() {
			log.Info(log.CatSuper, "stop observed during sleep", "session", id, "status", current.Status)
			return true, nil
		}
	}
}

// startInhibitor starts the platform sleep inhibitor for long runs and
// persists its pid so Stop can reach it from another process. Absence or
// spawn failure is non-fatal.
func (s *Supervisor) startInhibitor(sess *session.Session, opts Options) *exec.Cmd {
	if !opts.PreventSleep || opts.Iterations <= inhibitorThreshold {
		return nil
	}
	cmd := s.caffeinate()
	if cmd == nil {
		return nil
	}
	if err := cmd.Start(); err != nil {
		log.Warn(log.CatSuper, "sleep inhibitor unavailable", "session", sess.ID, "error", err)
		return nil
	}
	s.mergeMeta(sess.ID, session.MetaCaffeinatePID, cmd.Process.Pid)
	log.Info(log.CatSuper, "sleep inhibitor started", "session", sess.ID, "pid", cmd.Process.Pid)
	return cmd
}

func (s *Supervisor) stopInhibitor(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_, _ = cmd.Process.Wait()
}

func (s *Supervisor) spawnWorker(sess *session.Session, opts Options) error {
	if err := s.paths.EnsureBase(); err != nil {
		return err
	}
	if err := s.paths.EnsureWorkerDir(sess.ID); err != nil {
		return err
	}

	payload, err := EncodeBootstrap(BootstrapConfig{
		SessionID:        sess.ID,
		Task:             sess.Task,
		WorkingDirectory: sess.WorkingDirectory,
		Options:          opts,
	})
	if err != nil {
		return err
	}

	self := s.selfPath
	if self == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating own executable: %w", err)
		}
		self = exe
	}

	logFile, err := os.OpenFile(s.paths.SessionLog(sess.ID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening session log: %w", err)
	}
	defer logFile.Close()
	writePreamble(logFile, sess)

	cmd := exec.Command(self, "worker", payload)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), session.EnvSessionID+"="+sess.ID)
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning worker: %w", err)
	}
	pid := cmd.Process.Pid
	if _, err := s.store.Update(sess.ID, store.Patch{"pid": pid}); err != nil {
		log.Warn(log.CatSuper, "recording worker pid failed", "session", sess.ID, "error", err)
	}
	if err := cmd.Process.Release(); err != nil {
		log.Debug(log.CatSuper, "releasing worker handle", "session", sess.ID, "error", err)
	}
	log.Info(log.CatSuper, "worker detached", "session", sess.ID, "pid", pid)
	return nil
}

// writePreamble banners the session log before any worker output lands.
func writePreamble(w io.Writer, sess *session.Session) {
	fmt.Fprintf(w, "=== afk session %s ===\n", sess.ID)
	fmt.Fprintf(w, "task: %s\n", sess.Task)
	fmt.Fprintf(w, "iterations planned: %d\n", sess.IterationsPlanned)
	fmt.Fprintf(w, "started: %s\n\n", time.Now().Format(time.RFC3339))
}

func (s *Supervisor) publish(ev Event) {
	s.events.Publish(pubsub.KindUpdated, ev)
}

func (s *Supervisor) setRetrying(id string) {
	if _, err := s.store.Update(id, store.Patch{"status": session.StatusRetrying}); err != nil {
		log.ErrorErr(log.CatSuper, "marking session retrying", err, "session", id)
	}
}

func (s *Supervisor) markFailed(id string, cause error) {
	patch := store.Patch{
		"status":       session.StatusFailed,
		"completed_at": time.Now(),
		"pid":          nil,
	}
	if cause != nil {
		patch["error"] = cause.Error()
	}
	if _, err := s.store.Update(id, patch); err != nil {
		log.ErrorErr(log.CatSuper, "marking session failed", err, "session", id)
	}
}

// markError terminalizes the session. Reports whether the store accepted
// the write so panic recovery knows whether to re-raise.
func (s *Supervisor) markError(id string, cause error) bool {
	_, err := s.store.Update(id, store.Patch{
		"status":       session.StatusError,
		"error":        cause.Error(),
		"completed_at": time.Now(),
		"pid":          nil,
	})
	if err != nil {
		log.ErrorErr(log.CatSuper, "marking session error", err, "session", id)
		return false
	}
	return true
}

// mergeMeta writes back the metadata bag with one key changed. Metadata
// patches replace the whole bag, so the current bag is re-read first.
func (s *Supervisor) mergeMeta(id, key string, value any) {
	sess, err := s.store.Get(id)
	if err != nil {
		log.Warn(log.CatSuper, "metadata update skipped", "session", id, "error", err)
		return
	}
	meta := sess.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta[key] = value
	if _, err := s.store.Update(id, store.Patch{"metadata": meta}); err != nil {
		log.Warn(log.CatSuper, "metadata update failed", "session", id, "error", err)
	}
}

// metaPID reads a pid out of the metadata bag. JSON round-trips numbers as
// float64, so both forms are accepted.
func metaPID(meta map[string]any, key string) (int, bool) {
	switch n := meta[key].(type) {
	case int:
		return n, n > 0
	case int64:
		return int(n), n > 0
	case float64:
		return int(n), n > 0
	}
	return 0, false
}
