package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zbell/afk/internal/session"
)

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session and its processes",
	Long: `Stop terminates the session's worker and assistant processes and marks the
row stopped. A unique id prefix is enough; stopping an already-finished
session is not an error.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	e.reconcilePass(cmd.Context())

	sess, err := e.store.FindByPartialID(args[0])
	if err != nil {
		return err
	}
	stopped, err := e.super.Stop(cmd.Context(), sess.ID)
	if err != nil {
		return err
	}
	if stopped.Status != session.StatusStopped {
		fmt.Printf("%s already %s\n", stopped.ID, stopped.Status)
		return nil
	}
	fmt.Printf("stopped %s (%d/%d iterations)\n",
		stopped.ID, stopped.IterationsCompleted, stopped.IterationsPlanned)
	return nil
}
