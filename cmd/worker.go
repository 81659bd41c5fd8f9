package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zbell/afk/internal/worker"
)

// workerCmd is the hidden re-entry point a background start spawns. Its
// single argument is the encoded bootstrap payload.
var workerCmd = &cobra.Command{
	Use:    "worker <config>",
	Short:  "Run a detached session worker",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Parse before opening anything: a bad payload should never touch
	// the store.
	bootstrap, err := worker.ParseConfig(args[0])
	if err != nil {
		return err
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	// No reconcile pass here: the worker must not race the parent that
	// just spawned it.
	return worker.Run(cmd.Context(), bootstrap, worker.Deps{
		Store:       e.store,
		Paths:       e.layout,
		Supervisor:  e.super,
		RebindStdio: true,
	})
}
