package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/paths"
	"github.com/zbell/afk/internal/session"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old finished sessions and their logs",
	Long: `Cleanup deletes completed, stopped, and failed sessions older than the
cutoff, along with their log files, worker directories, and progress
sidecars. Active sessions are never touched.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 7,
		"remove finished sessions older than this many days")
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	e.reconcilePass(cmd.Context())

	days := cfg.Cleanup.Days
	if cmd.Flags().Changed("days") {
		days = cleanupDays
	}
	if days < 0 {
		return &session.ValidationError{Field: "days", Reason: "must not be negative"}
	}

	// Reap files before rows: once the row is gone nothing remembers
	// which files belonged to the session.
	cutoff := time.Now().AddDate(0, 0, -days)
	old, err := e.store.TerminatedBefore(cutoff)
	if err != nil {
		return err
	}
	for _, s := range old {
		removeSessionFiles(e.layout, s.ID)
	}

	removed, err := e.store.CleanupTerminated(days)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d session(s) older than %d day(s)\n", removed, days)
	return nil
}

// removeSessionFiles deletes the on-disk artifacts for one session. Missing
// files are fine; cleanup may run more than once.
func removeSessionFiles(layout paths.Layout, id string) {
	for _, path := range []string{
		layout.SessionLog(id),
		layout.PrefixedSessionLog(id),
		layout.ProgressFile(id),
		layout.AuxLog(id),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn(log.CatCLI, "removing session file", "path", path, "error", err)
		}
	}
	if err := os.RemoveAll(layout.WorkerDir(id)); err != nil {
		log.Warn(log.CatCLI, "removing worker dir", "path", layout.WorkerDir(id), "error", err)
	}
}
