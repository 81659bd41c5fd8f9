package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	runewidth "github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/zbell/afk/internal/session"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit sessions as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	e.reconcilePass(cmd.Context())

	sessions, err := e.store.All()
	if err != nil {
		return err
	}

	if statusJSON {
		out, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding sessions: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	printSessionTable(os.Stdout, sessions)
	return nil
}

func printSessionTable(w io.Writer, sessions []*session.Session) {
	fmt.Fprintf(w, "%-26s %-10s %-8s %-8s %s\n", "ID", "STATUS", "ITER", "AGE", "TASK")
	for _, s := range sessions {
		fmt.Fprintf(w, "%-26s %-10s %-8s %-8s %s\n",
			s.ID,
			s.Status,
			fmt.Sprintf("%d/%d", s.IterationsCompleted, s.IterationsPlanned),
			age(time.Since(s.StartedAt)),
			runewidth.Truncate(s.Task, 60, "…"),
		)
		if s.Error != "" {
			fmt.Fprintf(w, "%-26s error: %s\n", "", s.Error)
		}
	}
}

// age renders a duration in at most two units.
func age(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
