package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jra3/fspolicy/internal/policy"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive new and modified entries to the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res, err := policy.RunArchivePass(ctx, e.store, e.bk)
		if err != nil {
			return err
		}
		fmt.Printf("archived %d of %d candidates (%d skipped, %d failed)\n",
			res.Archived, res.Candidates, res.Skipped, res.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(archiveCmd)
}
