// Package runner executes single assistant iterations: spawn the CLI, feed
// it a prompt over stdin, consume its streams, attempt /compact recovery when
// the output shows a context limit, and classify the exit into an
// advance-or-retry decision for the supervisor.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zbell/afk/internal/classify"
	"github.com/zbell/afk/internal/contextmon"
	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/progress"
	"github.com/zbell/afk/internal/retry"
	"github.com/zbell/afk/internal/session"
	"github.com/zbell/afk/internal/store"
)

// DefaultCommand is the assistant CLI the runner drives.
const DefaultCommand = "claude"

// DefaultTimeout bounds one iteration from spawn to exit.
const DefaultTimeout = 5 * time.Minute

// summaryTail is how much trailing stdout goes into the iteration summary.
const summaryTail = 500

// ErrTimeout is reported when an iteration exceeds its configured timeout.
var ErrTimeout = errors.New("assistant iteration timed out")

// Config configures a Runner.
type Config struct {
	// Command is the assistant CLI binary. Defaults to DefaultCommand.
	Command string

	// AllowedTools is passed through as a single --allowedTools list.
	// Omitted entirely when empty.
	AllowedTools []string

	// Timeout bounds one iteration. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Store receives pid and iteration updates. Optional.
	Store *store.Store

	// Table is the shared live-process registry. A private one is created
	// when nil.
	Table *ProcessTable
}

// Runner executes assistant iterations for the supervisor.
type Runner struct {
	command string
	tools   []string
	timeout time.Duration
	store   *store.Store
	table   *ProcessTable
}

// New builds a Runner, filling config defaults.
func New(cfg Config) *Runner {
	command := cfg.Command
	if command == "" {
		command = DefaultCommand
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	table := cfg.Table
	if table == nil {
		table = NewProcessTable()
	}
	return &Runner{
		command: command,
		tools:   append([]string(nil), cfg.AllowedTools...),
		timeout: timeout,
		store:   cfg.Store,
		table:   table,
	}
}

// Table exposes the live-process registry for the supervisor's stop path.
func (r *Runner) Table() *ProcessTable { return r.table }

// Hooks bundles the per-session collaborators an iteration feeds.
// Any field may be nil.
type Hooks struct {
	// Sink receives both streams verbatim.
	Sink io.Writer
	// Policy absorbs failure and success signals for backoff.
	Policy *retry.Policy
	// Monitor records context events.
	Monitor *contextmon.Monitor
	// Tracker journals the iteration.
	Tracker *progress.Tracker
}

// Result reports one iteration. Advance tells the supervisor to move on to
// the next iteration; false means retry the same one after backoff. Run never
// returns an error; anything noteworthy rides in Err.
type Result struct {
	Advance      bool
	Reset        session.ResetState
	ExitCode     int
	TimedOut     bool
	UsageLimited bool
	SpawnFailed  bool
	Err          error
}

// Run executes iteration n for the session and classifies the outcome.
// The reset state is taken by value and returned updated in the Result.
func (r *Runner) Run(ctx context.Context, sess *session.Session, n int, reset session.ResetState, hooks Hooks) Result {
	res := Result{Reset: reset, ExitCode: -1}

	// The reset flag is consumed by this invocation, whatever comes of it.
	freshContext := reset.NeedsContextReset
	res.Reset.NeedsContextReset = false

	args := r.buildArgs(n, freshContext, sess.Model)

	procCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(procCtx, r.command, args...) // #nosec G204 -- command and args come from config, not user input
	cmd.Dir = sess.WorkingDirectory
	cmd.Env = append(os.Environ(), session.EnvSessionID+"="+sess.ID)
	setProcAttr(cmd)
	cmd.Cancel = func() error { return hardKill(cmd) }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return r.spawnFailure(res, sess.ID, fmt.Errorf("creating stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.spawnFailure(res, sess.ID, fmt.Errorf("creating stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.spawnFailure(res, sess.ID, fmt.Errorf("creating stderr pipe: %w", err))
	}

	log.Debug(log.CatRunner, "spawning assistant", "session", sess.ID, "iteration", n, "args", strings.Join(args, " "), "dir", cmd.Dir)
	if err := cmd.Start(); err != nil {
		return r.spawnFailure(res, sess.ID, fmt.Errorf("starting assistant: %w", err))
	}

	pid := cmd.Process.Pid
	r.table.Register(sess.ID, pid, n)
	r.storeUpdate(sess.ID, store.Patch{"pid": pid, "current_iteration": n})
	log.Debug(log.CatRunner, "assistant started", "session", sess.ID, "iteration", n, "pid", pid)

	if hooks.Monitor != nil {
		hooks.Monitor.LogEvent(contextmon.EventIterationStart, map[string]any{"iteration": n, "pid": pid})
	}
	if hooks.Tracker != nil {
		hooks.Tracker.StartIteration(n, fmt.Sprintf("iteration %d of %d", n, sess.IterationsPlanned))
	}

	sink := hooks.Sink
	if sink == nil {
		sink = io.Discard
	}
	it := &iteration{
		sessionID: sess.ID,
		stdin:     stdin,
		sink:      &lockedWriter{w: sink},
		policy:    hooks.Policy,
		monitor:   hooks.Monitor,
		tracker:   hooks.Tracker,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		it.consumeStdout(stdout)
	}()
	go func() {
		defer wg.Done()
		it.consumeStderr(stderr)
	}()

	prompt := firstPrompt(sess, n)
	if n > 1 {
		prompt = continuationPrompt(n)
	}
	if _, err := io.WriteString(stdin, prompt); err != nil {
		log.Debug(log.CatRunner, "writing prompt", "session", sess.ID, "error", err)
	}
	if err := stdin.Close(); err != nil {
		log.Debug(log.CatRunner, "closing stdin", "session", sess.ID, "error", err)
	}

	wg.Wait()
	waitErr := cmd.Wait()

	code := 0
	if waitErr != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	res.ExitCode = code
	res.TimedOut = errors.Is(procCtx.Err(), context.DeadlineExceeded)

	stdoutText := it.stdoutBuf.String()
	stderrText := it.stderrBuf.String()

	if hooks.Monitor != nil {
		hooks.Monitor.LogEvent(contextmon.EventIterationEnd, map[string]any{"iteration": n, "exitCode": code})
	}
	if hooks.Tracker != nil {
		hooks.Tracker.CompleteIteration(progress.Result{
			Success:  code == 0,
			ExitCode: code,
			Summary:  tail(stdoutText, summaryTail),
		})
	}
	r.table.Remove(sess.ID)

	if it.needsReset {
		res.Reset.NeedsContextReset = true
	}

	usageLimited := it.usageLimitSeen || classify.HasUsageLimit(stdoutText) || classify.HasUsageLimit(stderrText)
	res.UsageLimited = usageLimited

	switch {
	case res.TimedOut:
		res.Err = ErrTimeout
		recordFailure(hooks.Policy)
		log.Warn(log.CatRunner, "iteration timed out", "session", sess.ID, "iteration", n, "timeout", r.timeout)

	case usageLimited && code != 0:
		recordFailure(hooks.Policy)
		log.Info(log.CatRunner, "usage-limit exit", "session", sess.ID, "iteration", n, "exitCode", code)

	case code == 1 && n > 1 && !reset.ContextResetAttempted && !usageLimited:
		res.Reset.NeedsContextReset = true
		res.Reset.ContextResetAttempted = true
		res.Advance = true
		log.Info(log.CatRunner, "suspected context failure, scheduling reset", "session", sess.ID, "iteration", n)

	case code == 0:
		recordSuccess(hooks.Policy)
		res.Reset.ContextResetAttempted = false
		res.Advance = true
		log.Debug(log.CatRunner, "iteration succeeded", "session", sess.ID, "iteration", n)

	default:
		recordFailure(hooks.Policy)
		if reset.ContextResetAttempted && code != 0 {
			res.Reset.FailedAfterReset = true
		}
		log.Info(log.CatRunner, "iteration failed", "session", sess.ID, "iteration", n, "exitCode", code)
	}

	return res
}

func (r *Runner) spawnFailure(res Result, sessionID string, err error) Result {
	res.SpawnFailed = true
	res.Err = err
	log.ErrorErr(log.CatRunner, "spawning assistant", err, "session", sessionID)
	return res
}

// storeUpdate applies a patch, logging failures. A store hiccup must never
// abort a live iteration.
func (r *Runner) storeUpdate(id string, patch store.Patch) {
	if r.store == nil {
		return
	}
	if _, err := r.store.Update(id, patch); err != nil {
		log.ErrorErr(log.CatRunner, "updating session row", err, "session", id)
	}
}

// buildArgs assembles the assistant invocation: -p always, -c only when
// continuing an existing context, then model and tool pass-throughs.
func (r *Runner) buildArgs(n int, freshContext bool, model string) []string {
	args := []string{"-p"}
	if n > 1 && !freshContext {
		args = append(args, "-c")
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if len(r.tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(r.tools, ","))
	}
	return args
}

func recordFailure(p *retry.Policy) {
	if p != nil {
		p.RecordFailure()
	}
}

func recordSuccess(p *retry.Policy) {
	if p != nil {
		p.RecordSuccess()
	}
}

// firstPrompt composes the full prompt for iteration 1.
func firstPrompt(sess *session.Session, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are running unattended as afk session %s, iteration %d of %d.\n\n", sess.ID, n, sess.IterationsPlanned)
	fmt.Fprintf(&b, "Task:\n%s\n\n", sess.Task)
	b.WriteString("Work on the task autonomously and make concrete forward progress this iteration.\n")
	b.WriteString("If you run low on context, run /compact and keep going rather than stopping.\n")
	return b.String()
}

// continuationPrompt nudges a later iteration along without restating the task.
func continuationPrompt(n int) string {
	return fmt.Sprintf("Continue the task. This is iteration %d; pick up where the previous iteration left off.\n", n)
}

// tail returns the last max bytes of s, trimmed to a rune boundary.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}

// iteration carries the mutable state of one run. The stream goroutines
// write it; Run reads it only after both goroutines exit.
type iteration struct {
	sessionID string
	stdin     io.WriteCloser
	sink      io.Writer
	policy    *retry.Policy
	monitor   *contextmon.Monitor
	tracker   *progress.Tracker

	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer

	usageLimitSeen bool
	compactTried   bool
	needsReset     bool
}

// consumeStdout accumulates stdout, mirrors it to the sink, feeds the
// monitor and tracker, and fires /compact recovery on a context-limit match.
func (it *iteration) consumeStdout(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			it.stdoutBuf.Write(chunk)
			_, _ = it.sink.Write(chunk)

			text := string(chunk)
			if it.monitor != nil {
				it.monitor.MonitorOutput(text)
			}
			if it.tracker != nil {
				it.tracker.ObserveOutput(text)
			}
			it.maybeCompact()
		}
		if err != nil {
			return
		}
	}
}

// consumeStderr accumulates stderr, mirrors it to the sink, and records a
// usage-limit signature the moment it appears so backoff reflects the signal
// before the process exits.
func (it *iteration) consumeStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			it.stderrBuf.Write(chunk)
			_, _ = it.sink.Write(chunk)

			if !it.usageLimitSeen && classify.HasUsageLimit(it.stderrBuf.String()) {
				it.usageLimitSeen = true
				log.Info(log.CatRunner, "usage limit on stderr", "session", it.sessionID)
				if it.policy != nil {
					it.policy.RecordFailure()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// maybeCompact runs the /compact recovery the first time the accumulated
// stdout matches a context-limit signature. One attempt per iteration.
func (it *iteration) maybeCompact() {
	if it.compactTried || !classify.HasContextLimit(it.stdoutBuf.String()) {
		return
	}
	it.compactTried = true
	log.Info(log.CatRunner, "context limit detected, attempting /compact", "session", it.sessionID)

	if it.deliverCompact() {
		return
	}
	it.needsReset = true
	if it.monitor != nil {
		it.monitor.LogEvent(contextmon.EventCompactFailure, map[string]any{"attempts": len(compactVariants)})
	}
	log.Warn(log.CatRunner, "all /compact deliveries failed, scheduling context reset", "session", it.sessionID)
}

// deliverCompact tries each delivery variant in order and reports whether
// one got through. Every attempt is recorded with the monitor.
func (it *iteration) deliverCompact() bool {
	for _, v := range compactVariants {
		err := v.deliver(it.stdin)
		if it.monitor != nil {
			it.monitor.LogCompactAttempt(v.method, err == nil, err)
		}
		if err == nil {
			log.Debug(log.CatRunner, "compact delivered", "session", it.sessionID, "method", v.method)
			return true
		}
	}
	return false
}

// compactVariant is one way of delivering /compact over stdin.
type compactVariant struct {
	method  string
	deliver func(w io.Writer) error
}

var compactVariants = []compactVariant{
	{"plain", func(w io.Writer) error {
		_, err := io.WriteString(w, "/compact\n")
		return err
	}},
	{"leading-newline", func(w io.Writer) error {
		_, err := io.WriteString(w, "\n/compact\n")
		return err
	}},
	{"crlf", func(w io.Writer) error {
		_, err := io.WriteString(w, "/compact\r\n")
		return err
	}},
	{"bare-command", func(w io.Writer) error {
		_, err := io.WriteString(w, "\ncompact\n")
		return err
	}},
	{"wake-then-compact", func(w io.Writer) error {
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
		_, err := io.WriteString(w, "/compact\n")
		return err
	}},
}

// lockedWriter serializes sink writes from the two stream readers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
