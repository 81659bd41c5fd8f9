package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zbell/afk/internal/tail"
)

var (
	logsFollow bool
	logsLines  int
	logsAll    bool
)

var logsCmd = &cobra.Command{
	Use:   "logs <session-id>",
	Short: "Show a session's log",
	Long: `Show the combined assistant output for a session. The best log file is
located automatically; --all dumps every file the session has written,
oldest first.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false,
		"stream new output as it is written")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50,
		"number of trailing lines to show")
	logsCmd.Flags().BoolVar(&logsAll, "all", false,
		"dump every log file for the session")
}

func runLogs(cmd *cobra.Command, args []string) error {
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

	tailer := tail.New(tail.Config{Paths: e.layout})
	ctx := cmd.Context()

	if logsAll {
		data, err := tailer.Aggregate(ctx, sess.ID)
		if errors.Is(err, tail.ErrNoLog) {
			fmt.Printf("no log output yet for %s\n", sess.ID)
			return nil
		}
		if err != nil {
			return err
		}
		_, werr := os.Stdout.Write(data)
		return werr
	}

	data, offset, err := tailer.Read(ctx, sess.ID, 0)
	if errors.Is(err, tail.ErrNoLog) {
		fmt.Printf("no log output yet for %s\n", sess.ID)
		return nil
	}
	if err != nil {
		return err
	}
	for _, line := range tail.LastLines(data, logsLines) {
		fmt.Println(line)
	}
	if !logsFollow {
		return nil
	}

	followCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := tailer.Follow(followCtx, sess.ID, offset, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
