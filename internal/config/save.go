package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zbell/afk/internal/log"
)

// DefaultConfigTemplate returns the default config as a YAML string with
// comments. The active keys mirror Defaults().
func DefaultConfigTemplate() string {
	return `# afk configuration
#
# Values here are the defaults for every session. Most can be overridden
# per invocation with command flags.

# Assistant CLI settings
assistant:
  # Executable afk spawns once per iteration.
  # It must accept -p, -c, --model, and --allowedTools.
  command: claude

  # Model passed through with --model. Empty uses the assistant's default.
  # model: sonnet

  # Tools the assistant may use, passed as a single --allowedTools list.
  allowed_tools:
    - Bash
    - Edit
    - Write
    - Read
    - Glob
    - Grep

  # Per-iteration wall clock limit in seconds. An iteration still running
  # after this is killed and classified as a timeout failure.
  timeout_seconds: 300

# Per-session defaults
session:
  # Planned iterations when -n is not given
  iterations: 10

  # Keep the machine awake while a session runs
  # (applied to sessions planning more than five iterations)
  prevent_sleep: true

  # Seconds between checkpoint milestones in the progress file
  checkpoint_interval: 1800

# Retry backoff between failed iterations
backoff:
  base_seconds: 30   # first delay
  max_seconds: 3600  # ceiling
  multiplier: 2.0    # growth per consecutive failure

# Crash-recovery cutoffs used by doctor and the per-command reconciler pass
reconciler:
  grace_minutes: 15  # heartbeat freshness window for sessions with a dead pid
  stale_minutes: 30  # sessions with no updates for this long are marked stalled

# Default age cutoff for 'afk cleanup'
cleanup:
  days: 7

# Structured debug logging to the debug log (same as --debug / AFK_DEBUG)
debug: false
`
}

// WriteDefaultConfig writes the commented default config at the given path,
// creating the parent directory if needed. The write is atomic so a crash
// mid-write never leaves a half config behind.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := writeFileAtomic(configPath, []byte(DefaultConfigTemplate())); err != nil {
		log.ErrorErr(log.CatConfig, "failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}

// EnsureDefaultConfig writes the default config only when none exists yet.
// It reports whether a file was created.
func EnsureDefaultConfig(configPath string) (bool, error) {
	if _, err := os.Stat(configPath); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("checking config file: %w", err)
	}

	if err := WriteDefaultConfig(configPath); err != nil {
		return false, err
	}
	return true, nil
}

// CheckFile strictly decodes and validates the config file at path.
// Unlike the normal viper load, unknown keys are errors here, so doctor can
// surface typos the merge would silently drop. A missing file is fine.
func CheckFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg := Defaults()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	temp, err := os.CreateTemp(dir, ".afk.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, 0o600); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("setting config permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
