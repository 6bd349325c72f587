package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jra3/fspolicy/internal/pipeline"
	"github.com/jra3/fspolicy/internal/policy"
	"github.com/jra3/fspolicy/internal/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Sweep the filesystem into the catalog",
	Long: `Scan walks the managed filesystem, refreshes the catalog through the
entry-processing pipeline, removes entries that disappeared since the
previous sweep, and optionally archives what the sweep flagged.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().Bool("archive", false, "run an archive pass after the sweep")
}

func runScan(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(pipeline.Config{
		MaxInFlight: e.cfg.Pipeline.MaxInFlight,
		StageQueue:  e.cfg.Pipeline.StageQueue,
		Workers:     e.cfg.Pipeline.Workers,
	}, pipeline.Deps{Store: e.store, Backend: e.bk, Names: e.names})
	p.Start(ctx)
	defer p.Stop()

	scanner := scan.NewScanner(e.cfg.FS.Path, e.store, p, e.names, scan.DefaultConfig())
	if err := scanner.ScanNow(ctx); err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	if doArchive, _ := cmd.Flags().GetBool("archive"); doArchive {
		if _, err := policy.RunArchivePass(ctx, e.store, e.bk); err != nil {
			return fmt.Errorf("archive pass failed: %w", err)
		}
	}
	return nil
}
