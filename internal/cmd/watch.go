package cmd

import (
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jra3/fspolicy/internal/chglog"
	"github.com/jra3/fspolicy/internal/pipeline"
	"github.com/jra3/fspolicy/internal/policy"
	"github.com/jra3/fspolicy/internal/scan"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the daemon: consume change events and sweep periodically",
	Long: `Watch runs fspolicy as a daemon. Filesystem change events feed the
pipeline continuously; a full sweep runs on the configured interval to
catch anything the event stream missed, and archive passes keep the
backend in step.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Duration("scan-interval", 6*time.Hour, "interval between full sweeps")
	watchCmd.Flags().Duration("archive-interval", time.Hour, "interval between archive passes")
}

func runWatch(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := chglog.NewWatcher(e.cfg.FS.Path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", e.cfg.FS.Path, err)
	}
	defer src.Close()

	p := pipeline.New(pipeline.Config{
		MaxInFlight: e.cfg.Pipeline.MaxInFlight,
		StageQueue:  e.cfg.Pipeline.StageQueue,
		Workers:     e.cfg.Pipeline.Workers,
	}, pipeline.Deps{Store: e.store, Backend: e.bk, Names: e.names, Source: src})
	p.Start(ctx)
	defer p.Stop()

	scanInterval, _ := cmd.Flags().GetDuration("scan-interval")
	scanner := scan.NewScanner(e.cfg.FS.Path, e.store, p, e.names,
		scan.Config{Interval: scanInterval})
	scanner.Start(ctx)
	defer scanner.Stop()

	archiveInterval, _ := cmd.Flags().GetDuration("archive-interval")
	go func() {
		ticker := time.NewTicker(archiveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := policy.RunArchivePass(ctx, e.store, e.bk); err != nil {
					log.Printf("[fspolicy] archive pass failed: %v", err)
				}
			}
		}
	}()

	log.Printf("[fspolicy] watching %s", e.cfg.FS.Path)
	err = pipeline.RunProducer(ctx, p, src)
	if ctx.Err() != nil {
		// Normal shutdown on signal.
		return nil
	}
	return err
}
