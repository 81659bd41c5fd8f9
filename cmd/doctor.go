package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zbell/afk/internal/config"
	"github.com/zbell/afk/internal/reconcile"
)

var doctorKillOrphans bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Audit stored sessions against live processes",
	Long: `Doctor checks the config file, reconciles every active session against the
processes actually running, revives sessions that were wrongly marked dead,
and hunts for worker processes the store no longer tracks.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorKillOrphans, "kill-orphans", false,
		"terminate live workers whose sessions are no longer active")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	fmt.Printf("data root: %s\n", e.layout.Root())

	if err := config.CheckFile(e.layout.ConfigFile()); err != nil {
		fmt.Printf("config: %v\n", err)
	} else {
		fmt.Println("config: ok")
	}

	report, err := e.rec.Pass(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("checked %d active session(s): %d healthy, %d alive by heartbeat, %d adopted, %d marked error\n",
		report.Checked, report.Healthy, report.HeartbeatAlive, len(report.Adopted), len(report.Errored))
	for _, id := range report.Adopted {
		fmt.Printf("  adopted %s\n", id)
	}
	for _, id := range report.Errored {
		fmt.Printf("  marked error %s\n", id)
	}

	revived, err := e.rec.Restore(ctx)
	if err != nil {
		return err
	}
	for _, id := range revived {
		fmt.Printf("  revived %s\n", id)
	}

	orphans, err := e.rec.OrphanHunt(ctx)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Println("no orphan processes")
	}
	for _, o := range orphans {
		fmt.Printf("orphan pid %d (session %s): %s\n", o.PID, o.SessionID, o.Cmdline)
		if doctorKillOrphans {
			if terr := reconcile.Terminate(o.PID); terr != nil {
				fmt.Printf("  terminate failed: %v\n", terr)
			} else {
				fmt.Println("  terminated")
			}
		}
	}

	stats, err := e.store.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("store: %d session(s), %d running, %d pending\n",
		stats.Total, stats.Running, stats.Pending)
	return nil
}
