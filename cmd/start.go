package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zbell/afk/internal/pubsub"
	"github.com/zbell/afk/internal/session"
	"github.com/zbell/afk/internal/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start <task>",
	Short: "Start a supervised assistant session",
	Long: `Start a session that runs the assistant repeatedly against the given task.
The default runs in the foreground and narrates each iteration; --background
detaches a worker and returns immediately.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStart,
}

var (
	startIterations int
	startModel      string
	startDir        string
	startBackground bool
	startNoSleep    bool
	startCheckpoint int
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().IntVarP(&startIterations, "iterations", "n",
		supervisor.DefaultIterations, "planned iteration count")
	startCmd.Flags().StringVar(&startModel, "model", "",
		"assistant model override")
	startCmd.Flags().StringVar(&startDir, "dir", "",
		"working directory for the assistant (default: current)")
	startCmd.Flags().BoolVar(&startBackground, "background", false,
		"detach and run in a background worker")
	startCmd.Flags().BoolVar(&startNoSleep, "no-prevent-sleep", false,
		"do not inhibit system sleep during the run")
	startCmd.Flags().IntVar(&startCheckpoint, "checkpoint-interval",
		supervisor.DefaultCheckpointInterval, "seconds between progress checkpoints")
}

func runStart(cmd *cobra.Command, args []string) error {
	task := strings.TrimSpace(strings.Join(args, " "))
	if task == "" {
		return &session.ValidationError{Field: "task", Reason: "must not be empty"}
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	e.reconcilePass(cmd.Context())

	opts := startOptions(cmd)
	if startBackground {
		sess, err := e.super.StartBackground(task, opts)
		if err != nil {
			return err
		}
		fmt.Printf("started %s in the background\n", sess.ID)
		fmt.Printf("  afk logs %s -f   follow output\n", sess.ID)
		fmt.Printf("  afk stop %s      stop it\n", sess.ID)
		return nil
	}
	return runForeground(cmd.Context(), e, task, opts)
}

// startOptions merges config defaults with explicitly set flags. A flag the
// user did not touch defers to the config file.
func startOptions(cmd *cobra.Command) supervisor.Options {
	opts := supervisor.Options{
		Iterations:         cfg.Session.Iterations,
		Model:              cfg.Assistant.Model,
		WorkingDir:         startDir,
		Background:         startBackground,
		PreventSleep:       cfg.Session.PreventSleep && !startNoSleep,
		CheckpointInterval: cfg.Session.CheckpointInterval,
	}
	if cmd.Flags().Changed("iterations") {
		opts.Iterations = startIterations
	}
	if cmd.Flags().Changed("model") {
		opts.Model = startModel
	}
	if cmd.Flags().Changed("checkpoint-interval") {
		opts.CheckpointInterval = startCheckpoint
	}
	return opts
}

// runForeground runs the loop in this process, narrating supervisor events
// to stdout. Ctrl-C cancels the loop and stamps the session stopped.
func runForeground(parent context.Context, e *env, task string, opts supervisor.Options) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := e.super.Events().Subscribe(ctx)
	narrated := make(chan struct{})
	go func() {
		defer close(narrated)
		narrate(events)
	}()

	sess, err := e.super.StartForeground(ctx, task, opts)
	stop()
	<-narrated

	if err != nil && errors.Is(err, context.Canceled) && sess != nil {
		stopped, serr := e.super.Stop(context.Background(), sess.ID)
		if serr != nil {
			return serr
		}
		fmt.Printf("\nstopped %s after %d/%d iterations\n",
			stopped.ID, stopped.IterationsCompleted, stopped.IterationsPlanned)
		return nil
	}
	if err != nil {
		return err
	}

	final, err := e.store.Get(sess.ID)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: %d/%d iterations\n",
		final.ID, final.Status, final.IterationsCompleted, final.IterationsPlanned)
	if final.Error != "" {
		fmt.Printf("  %s\n", final.Error)
	}
	return nil
}

func narrate(events <-chan pubsub.Event[supervisor.Event]) {
	for ev := range events {
		p := ev.Payload
		switch p.Type {
		case supervisor.EventIterationStart:
			fmt.Printf("iteration %d/%d\n", p.Iteration, p.Planned)
		case supervisor.EventIterationEnd:
			if p.Err != nil {
				fmt.Printf("  iteration %d failed: %v\n", p.Iteration, p.Err)
			}
		case supervisor.EventBackoff:
			fmt.Printf("  retrying in %s\n", p.Delay.Round(time.Second))
		case supervisor.EventCompleted:
			fmt.Printf("all %d iterations complete\n", p.Planned)
		}
	}
}
