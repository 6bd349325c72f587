package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jra3/fspolicy/internal/policy"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Rebuild the filesystem from the catalog and the backend",
	Long: `Recover restores every cataloged entry from its backend copy after a
filesystem loss: directories first with their attributes, then file
bodies and symlinks. Restored entries are rebound to their new ids and
the backend objects renamed accordingly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res, err := policy.RunRecovery(ctx, e.store, e.bk)
		if err != nil {
			return err
		}
		fmt.Printf("recovered %d/%d entries (%d with drift, %d without backup, %d errors)\n",
			res.OK+res.Delta, res.Total, res.Delta, res.NoBackup, res.Errors)
		if res.Errors > 0 {
			return fmt.Errorf("%d entries could not be recovered", res.Errors)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
