// Package worker is the detached bootstrap half of a background session.
// The spawner hands it a serialized config as its single argument; the
// worker rebinds stdio into the session's registry directory, re-reads the
// session from the store, and hands control to the supervisor loop.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/paths"
	"github.com/zbell/afk/internal/session"
	"github.com/zbell/afk/internal/store"
	"github.com/zbell/afk/internal/supervisor"
)

// Deps carries the collaborators a worker needs. The command layer builds
// them after the config is parsed so a bad argument never opens the store.
type Deps struct {
	Store      *store.Store
	Paths      paths.Layout
	Supervisor *supervisor.Supervisor

	// RebindStdio redirects process-level stdout/stderr into the worker
	// log. Real workers enable it; tests keep their own stdio.
	RebindStdio bool
}

// ParseConfig decodes the bootstrap payload from the worker argv.
func ParseConfig(arg string) (supervisor.BootstrapConfig, error) {
	return supervisor.DecodeBootstrap(arg)
}

// Run executes one background session to its terminal state. A terminate or
// interrupt signal cancels the loop and still returns nil: the stopping side
// owns the status transition, the worker just exits cleanly.
func Run(ctx context.Context, cfg supervisor.BootstrapConfig, deps Deps) error {
	if err := deps.Paths.EnsureWorkerDir(cfg.SessionID); err != nil {
		return err
	}

	logFile, err := os.OpenFile(deps.Paths.WorkerLog(cfg.SessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening worker log: %w", err)
	}
	defer logFile.Close()

	if deps.RebindStdio {
		if err := rebindStdio(logFile); err != nil {
			fmt.Fprintf(logFile, "stdio rebind failed: %v\n", err)
		}
	}
	fmt.Fprintf(logFile, "worker %d bootstrapping session %s at %s\n",
		os.Getpid(), cfg.SessionID, time.Now().Format(time.RFC3339))

	if cfg.WorkingDirectory != "" {
		if err := os.Chdir(cfg.WorkingDirectory); err != nil {
			markBootstrapFailure(deps.Store, cfg.SessionID, err)
			return fmt.Errorf("entering working directory: %w", err)
		}
	}

	sess, err := deps.Store.Get(cfg.SessionID)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", cfg.SessionID, err)
	}
	if sess.Status.IsTerminal() {
		log.Info(log.CatWorker, "session already terminal, exiting", "session", sess.ID, "status", sess.Status)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	ignoreHangup()
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		log.Info(log.CatWorker, "signal received, shutting down", "session", sess.ID, "signal", sig.String())
		fmt.Fprintf(logFile, "worker shutting down on %s\n", sig)
		cancel()
	}()

	log.Info(log.CatWorker, "worker starting supervisor loop", "session", sess.ID, "pid", os.Getpid())
	err = deps.Supervisor.Run(runCtx, sess, cfg.Options)
	if err != nil && runCtx.Err() != nil {
		// Signal-driven shutdown. State was flushed by the loop's defers
		// and the stopping side stamps the status.
		return nil
	}
	return err
}

// markBootstrapFailure moves the session to failed when the worker cannot
// even reach the supervisor loop.
func markBootstrapFailure(st *store.Store, id string, cause error) {
	if _, err := st.Update(id, store.Patch{
		"status":       session.StatusFailed,
		"error":        cause.Error(),
		"completed_at": time.Now(),
		"pid":          nil,
	}); err != nil {
		log.ErrorErr(log.CatWorker, "marking bootstrap failure", err, "session", id)
	}
}
