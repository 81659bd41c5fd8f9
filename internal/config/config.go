// Package config provides configuration types and defaults for afk.
package config

import (
	"fmt"
	"time"
)

// Config holds all configuration options for afk.
type Config struct {
	Assistant  AssistantConfig  `mapstructure:"assistant" yaml:"assistant"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Backoff    BackoffConfig    `mapstructure:"backoff" yaml:"backoff"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler" yaml:"reconciler"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup" yaml:"cleanup"`
	Debug      bool             `mapstructure:"debug" yaml:"debug"`
}

// AssistantConfig holds settings for the assistant CLI afk drives.
type AssistantConfig struct {
	// Command is the executable to spawn each iteration.
	// It must accept -p, -c, --model, and --allowedTools.
	Command string `mapstructure:"command" yaml:"command"`

	// Model is passed through with --model. Empty uses the assistant's default.
	Model string `mapstructure:"model" yaml:"model"`

	// AllowedTools is the frozen tool list passed as a single
	// --allowedTools argument. Loaded once at startup and shared read-only.
	AllowedTools []string `mapstructure:"allowed_tools" yaml:"allowed_tools"`

	// TimeoutSeconds is the per-iteration wall clock limit. An iteration
	// still running after this is killed and classified as a timeout.
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout returns the per-iteration wall clock limit.
func (a AssistantConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// SessionConfig holds per-session defaults applied when flags are absent.
type SessionConfig struct {
	// Iterations is the planned iteration count when -n is not given.
	Iterations int `mapstructure:"iterations" yaml:"iterations"`

	// PreventSleep keeps the machine awake while a session runs.
	// Only applied to sessions planning more than five iterations.
	PreventSleep bool `mapstructure:"prevent_sleep" yaml:"prevent_sleep"`

	// CheckpointInterval is the seconds between checkpoint milestones
	// recorded in the progress sidecar.
	CheckpointInterval int `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
}

// BackoffConfig holds the retry delay policy between failed iterations.
type BackoffConfig struct {
	BaseSeconds int     `mapstructure:"base_seconds" yaml:"base_seconds"` // first delay
	MaxSeconds  int     `mapstructure:"max_seconds" yaml:"max_seconds"`   // ceiling
	Multiplier  float64 `mapstructure:"multiplier" yaml:"multiplier"`     // growth per consecutive failure
}

// Base returns the initial retry delay.
func (b BackoffConfig) Base() time.Duration {
	return time.Duration(b.BaseSeconds) * time.Second
}

// Max returns the retry delay ceiling.
func (b BackoffConfig) Max() time.Duration {
	return time.Duration(b.MaxSeconds) * time.Second
}

// ReconcilerConfig holds the crash-recovery cutoffs.
type ReconcilerConfig struct {
	// GraceMinutes is how fresh a heartbeat file must be for a session
	// with a dead pid to still count as alive.
	GraceMinutes int `mapstructure:"grace_minutes" yaml:"grace_minutes"`

	// StaleMinutes is how long a session may go without any store update
	// before it is marked stalled.
	StaleMinutes int `mapstructure:"stale_minutes" yaml:"stale_minutes"`
}

// Grace returns the heartbeat freshness window.
func (r ReconcilerConfig) Grace() time.Duration {
	return time.Duration(r.GraceMinutes) * time.Minute
}

// Stale returns the no-update staleness cutoff.
func (r ReconcilerConfig) Stale() time.Duration {
	return time.Duration(r.StaleMinutes) * time.Minute
}

// CleanupConfig holds defaults for the cleanup command.
type CleanupConfig struct {
	// Days is the age cutoff: terminal sessions older than this are removed.
	Days int `mapstructure:"days" yaml:"days"`
}

// DefaultAllowedTools returns the tool list granted to the assistant when
// the config does not override it.
func DefaultAllowedTools() []string {
	return []string{"Bash", "Edit", "Write", "Read", "Glob", "Grep"}
}

// Defaults returns a Config with the stock values.
func Defaults() Config {
	return Config{
		Assistant: AssistantConfig{
			Command:        "claude",
			Model:          "",
			AllowedTools:   DefaultAllowedTools(),
			TimeoutSeconds: 300,
		},
		Session: SessionConfig{
			Iterations:         10,
			PreventSleep:       true,
			CheckpointInterval: 1800,
		},
		Backoff: BackoffConfig{
			BaseSeconds: 30,
			MaxSeconds:  3600,
			Multiplier:  2.0,
		},
		Reconciler: ReconcilerConfig{
			GraceMinutes: 15,
			StaleMinutes: 30,
		},
		Cleanup: CleanupConfig{
			Days: 7,
		},
	}
}

// Validate checks the whole configuration for errors.
func Validate(cfg Config) error {
	if err := ValidateAssistant(cfg.Assistant); err != nil {
		return err
	}
	if err := ValidateSession(cfg.Session); err != nil {
		return err
	}
	if err := ValidateBackoff(cfg.Backoff); err != nil {
		return err
	}
	if err := ValidateReconciler(cfg.Reconciler); err != nil {
		return err
	}
	if err := ValidateCleanup(cfg.Cleanup); err != nil {
		return err
	}
	return nil
}

// ValidateAssistant checks assistant configuration for errors.
func ValidateAssistant(a AssistantConfig) error {
	if a.Command == "" {
		return fmt.Errorf("assistant.command is required")
	}
	if a.TimeoutSeconds <= 0 {
		return fmt.Errorf("assistant.timeout_seconds must be positive, got %d", a.TimeoutSeconds)
	}
	return nil
}

// ValidateSession checks session defaults for errors.
func ValidateSession(s SessionConfig) error {
	if s.Iterations <= 0 {
		return fmt.Errorf("session.iterations must be positive, got %d", s.Iterations)
	}
	if s.CheckpointInterval < 0 {
		return fmt.Errorf("session.checkpoint_interval must not be negative, got %d", s.CheckpointInterval)
	}
	return nil
}

// ValidateBackoff checks the retry policy for errors.
func ValidateBackoff(b BackoffConfig) error {
	if b.BaseSeconds <= 0 {
		return fmt.Errorf("backoff.base_seconds must be positive, got %d", b.BaseSeconds)
	}
	if b.MaxSeconds < b.BaseSeconds {
		return fmt.Errorf("backoff.max_seconds must be at least base_seconds (%d), got %d", b.BaseSeconds, b.MaxSeconds)
	}
	if b.Multiplier < 1.0 {
		return fmt.Errorf("backoff.multiplier must be at least 1.0, got %v", b.Multiplier)
	}
	return nil
}

// ValidateReconciler checks the reconciler cutoffs for errors.
func ValidateReconciler(r ReconcilerConfig) error {
	if r.GraceMinutes <= 0 {
		return fmt.Errorf("reconciler.grace_minutes must be positive, got %d", r.GraceMinutes)
	}
	if r.StaleMinutes <= 0 {
		return fmt.Errorf("reconciler.stale_minutes must be positive, got %d", r.StaleMinutes)
	}
	return nil
}

// ValidateCleanup checks cleanup defaults for errors.
func ValidateCleanup(c CleanupConfig) error {
	if c.Days < 0 {
		return fmt.Errorf("cleanup.days must not be negative, got %d", c.Days)
	}
	return nil
}
