package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetdesk/fleettrack/internal/fleet/store"
)

const pruneInterval = time.Hour

func newPruneCommand(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete position records older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, cfg, err := a.openStore()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = cfg.Retention
			}
			if olderThan <= 0 {
				return fmt.Errorf("no retention configured; pass --older-than")
			}
			n, err := st.Prune(cmd.Context(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d position record(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override the configured retention")
	return cmd
}

// pruneLoop trims old positions until ctx ends.
func pruneLoop(ctx context.Context, st *store.Store, retention time.Duration, logger *slog.Logger) {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := st.Prune(ctx, now.UTC().Add(-retention))
			if err != nil {
				logger.Warn("Prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Pruned position records", "deleted", n)
			}
		}
	}
}
