package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session counts by status",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	e.reconcilePass(cmd.Context())

	stats, err := e.store.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("total      %d\n", stats.Total)
	fmt.Printf("running    %d\n", stats.Running)
	fmt.Printf("pending    %d\n", stats.Pending)
	fmt.Printf("completed  %d\n", stats.Completed)
	fmt.Printf("stopped    %d\n", stats.Stopped)
	fmt.Printf("failed     %d\n", stats.Failed)
	fmt.Printf("error      %d\n", stats.Error)
	return nil
}
