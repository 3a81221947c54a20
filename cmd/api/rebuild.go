package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/eventstore"
	"github.com/spec-kit/as-dispatch/internal/observability"
	"github.com/spec-kit/as-dispatch/internal/worker"
)

func newRebuildCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "rebuild [request-id...]",
		Short: "Re-materialize requests from their event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("pass request ids or --all")
			}
			d, err := loadDeps(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer d.Close()

			if all {
				w := worker.NewProjectionWorker(d.store, d.cfg.Worker, d.logger, observability.NewMetrics())
				repaired, err := w.CheckAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "repaired %d requests\n", repaired)
				return nil
			}

			for _, id := range args {
				req, err := d.store.Rebuild(cmd.Context(), id)
				if err != nil {
					if errors.Is(err, eventstore.ErrNotFound) {
						d.logger.Warn("request not found", zap.String("request_id", id))
						continue
					}
					return fmt.Errorf("rebuild %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tseq=%d\n", req.ID, req.Status, req.Sequence)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every request and rebuild the ones that drifted")
	return cmd
}
