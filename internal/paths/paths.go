// Package paths resolves the user-scoped directory layout for afk state.
// Everything persistent lives under a single root, ~/.afk by default.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves every path afk persists to.
type Layout struct {
	root string
}

// Default resolves the layout under the user's home directory.
// AFK_HOME overrides the root when set.
func Default() (Layout, error) {
	if root := os.Getenv("AFK_HOME"); root != "" {
		return At(root), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, fmt.Errorf("resolving home directory: %w", err)
	}
	return At(filepath.Join(home, ".afk")), nil
}

// At returns a layout rooted at the given directory.
func At(root string) Layout {
	return Layout{root: root}
}

// Root returns the layout's root directory.
func (l Layout) Root() string { return l.root }

// DataDir holds the session store.
func (l Layout) DataDir() string { return filepath.Join(l.root, "data") }

// DBPath is the session store file.
func (l Layout) DBPath() string { return filepath.Join(l.DataDir(), "sessions.db") }

// LogDir holds per-session combined stdout/stderr logs.
func (l Layout) LogDir() string { return filepath.Join(l.root, "logs") }

// SessionLog is the per-session log the supervisor writes.
func (l Layout) SessionLog(id string) string {
	return filepath.Join(l.LogDir(), id+".log")
}

// PrefixedSessionLog is the alternate per-session log name some writers use.
func (l Layout) PrefixedSessionLog(id string) string {
	return filepath.Join(l.LogDir(), "afk-"+id+".log")
}

// RegistryDir holds one directory per worker.
func (l Layout) RegistryDir() string { return filepath.Join(l.root, "registry") }

// WorkerDir is the registry directory for one session.
func (l Layout) WorkerDir(id string) string {
	return filepath.Join(l.RegistryDir(), id)
}

// WorkerLog captures the bootstrap and supervisor stream for one session.
func (l Layout) WorkerLog(id string) string {
	return filepath.Join(l.WorkerDir(id), "worker.log")
}

// MonitorLog is the context monitor's JSON-lines event stream.
func (l Layout) MonitorLog(id string) string {
	return filepath.Join(l.WorkerDir(id), "context-monitor.log")
}

// ContextReport is the context monitor's aggregated report.
func (l Layout) ContextReport(id string) string {
	return filepath.Join(l.WorkerDir(id), "context-report.json")
}

// ProgressDir holds per-session progress sidecars.
func (l Layout) ProgressDir() string { return filepath.Join(l.root, "progress") }

// ProgressFile is the progress sidecar for one session.
func (l Layout) ProgressFile(id string) string {
	return filepath.Join(l.ProgressDir(), id+"-progress.json")
}

// AuxLog is the last-resort log location checked by the tailer.
func (l Layout) AuxLog(id string) string {
	return filepath.Join(l.root, "log", id+".log")
}

// ConfigFile is the afk config file.
func (l Layout) ConfigFile() string { return filepath.Join(l.root, "config.yaml") }

// DebugLog is the structured debug log written by internal/log.
func (l Layout) DebugLog() string { return filepath.Join(l.root, "debug.log") }

// Ensure creates a directory (and parents) if missing.
func Ensure(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}

// EnsureBase creates the directories every command may touch.
func (l Layout) EnsureBase() error {
	for _, dir := range []string{l.root, l.LogDir(), l.RegistryDir(), l.ProgressDir()} {
		if err := Ensure(dir); err != nil {
			return err
		}
	}
	return nil
}

// EnsureWorkerDir creates the registry directory for one session.
func (l Layout) EnsureWorkerDir(id string) error {
	return Ensure(l.WorkerDir(id))
}
