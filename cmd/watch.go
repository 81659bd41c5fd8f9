package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/ui/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live session table",
	Long: `Watch renders a table of sessions that refreshes itself while they run.
It only reads; quitting never touches a session. With --debug the table
carries a pane streaming afk's own debug log.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	e.reconcilePass(cmd.Context())

	// NewListener is nil unless --debug (or AFK_DEBUG) initialized the
	// logger, so the pane only shows up alongside debug logging.
	m := watch.New(e.store, watch.DefaultInterval).WithLogPane(log.NewListener(cmd.Context()))
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running watch ui: %w", err)
	}
	return nil
}
