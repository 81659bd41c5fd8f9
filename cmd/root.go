// Package cmd wires the afk command surface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zbell/afk/internal/config"
	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/paths"
	"github.com/zbell/afk/internal/reconcile"
	"github.com/zbell/afk/internal/runner"
	"github.com/zbell/afk/internal/session"
	"github.com/zbell/afk/internal/store"
	"github.com/zbell/afk/internal/supervisor"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
	logClose  func()
)

var rootCmd = &cobra.Command{
	Use:   "afk",
	Short: "Run unattended assistant sessions",
	Long: `afk supervises long unattended runs of an assistant CLI: it spawns the
assistant iteration by iteration, watches its output for usage and context
limits, backs off and retries, and records everything in a local store so
sessions survive crashes and reboots.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.afk/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"write debug logs to ~/.afk/debug.log")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	// Flag mistakes are the user's to fix, so they map to exit code 1
	// like any other validation failure.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &session.ValidationError{Field: "arguments", Reason: err.Error()}
	})
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("assistant.command", defaults.Assistant.Command)
	viper.SetDefault("assistant.model", defaults.Assistant.Model)
	viper.SetDefault("assistant.allowed_tools", defaults.Assistant.AllowedTools)
	viper.SetDefault("assistant.timeout_seconds", defaults.Assistant.TimeoutSeconds)
	viper.SetDefault("session.iterations", defaults.Session.Iterations)
	viper.SetDefault("session.prevent_sleep", defaults.Session.PreventSleep)
	viper.SetDefault("session.checkpoint_interval", defaults.Session.CheckpointInterval)
	viper.SetDefault("backoff.base_seconds", defaults.Backoff.BaseSeconds)
	viper.SetDefault("backoff.max_seconds", defaults.Backoff.MaxSeconds)
	viper.SetDefault("backoff.multiplier", defaults.Backoff.Multiplier)
	viper.SetDefault("reconciler.grace_minutes", defaults.Reconciler.GraceMinutes)
	viper.SetDefault("reconciler.stale_minutes", defaults.Reconciler.StaleMinutes)
	viper.SetDefault("cleanup.days", defaults.Cleanup.Days)

	viper.SetEnvPrefix("AFK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	layout, lerr := paths.Default()
	if lerr == nil {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			// First run drops a commented default config next to the data.
			_, _ = config.EnsureDefaultConfig(layout.ConfigFile())
			viper.SetConfigFile(layout.ConfigFile())
		}
		if err := viper.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
			}
		}
	}

	_ = viper.Unmarshal(&cfg)

	if cfg.Debug || os.Getenv("AFK_DEBUG") != "" {
		if lerr == nil {
			if closeLog, err := log.Init(layout.DebugLog()); err == nil {
				logClose = closeLog
			}
		}
	}
}

// env bundles the collaborators a command needs. Opening it is what performs
// first-run directory and schema creation.
type env struct {
	layout paths.Layout
	store  *store.Store
	runner *runner.Runner
	super  *supervisor.Supervisor
	rec    *reconcile.Reconciler
}

func openEnv() (*env, error) {
	layout, err := paths.Default()
	if err != nil {
		return nil, err
	}
	if err := layout.EnsureBase(); err != nil {
		return nil, err
	}
	st, err := store.Open(layout.DBPath())
	if err != nil {
		return nil, err
	}

	run := runner.New(runner.Config{
		Command:      cfg.Assistant.Command,
		AllowedTools: cfg.Assistant.AllowedTools,
		Timeout:      cfg.Assistant.Timeout(),
		Store:        st,
	})
	super := supervisor.New(supervisor.Config{
		Store:             st,
		Runner:            run,
		Paths:             layout,
		BackoffBase:       cfg.Backoff.Base(),
		BackoffMax:        cfg.Backoff.Max(),
		BackoffMultiplier: cfg.Backoff.Multiplier,
	})
	rec := reconcile.New(reconcile.Config{
		Store: st,
		Paths: layout,
		Grace: cfg.Reconciler.Grace(),
		Stale: cfg.Reconciler.Stale(),
	})

	return &env{layout: layout, store: st, runner: run, super: super, rec: rec}, nil
}

func (e *env) Close() {
	e.super.Close()
	if err := e.store.Close(); err != nil {
		log.Debug(log.CatCLI, "closing store", "error", err)
	}
}

// reconcilePass audits stored sessions against live processes. Every command
// except the worker runs one first so no command ever reports a row whose
// process is gone. Failures are logged, not fatal: a read-only command still
// works when the audit cannot.
func (e *env) reconcilePass(ctx context.Context) {
	report, err := e.rec.Pass(ctx)
	if err != nil {
		log.Warn(log.CatReconcile, "reconcile pass failed", "error", err)
		return
	}
	if len(report.Adopted) > 0 || len(report.Errored) > 0 {
		log.Info(log.CatReconcile, "reconcile adjusted sessions",
			"adopted", len(report.Adopted), "errored", len(report.Errored))
	}
}

// Exit codes distinguish mistakes the user can fix from afk's own failures.
const (
	ExitOK        = 0
	ExitUserError = 1
	ExitInternal  = 2
)

// ExitCode maps an error returned by Execute to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var notFound *session.NotFoundError
	var invalid *session.ValidationError
	if errors.As(err, &notFound) || errors.As(err, &invalid) {
		return ExitUserError
	}
	return ExitInternal
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if logClose != nil {
		logClose()
	}
	return err
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
