package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/offline-sync/pkg/processor"
	"github.com/zoff-tech/offline-sync/pkg/remote"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run a single reconcile pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		service, err := remote.NewService(ctx, &a.cfg.Remote, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize remote service: %w", err)
		}
		defer service.Close()

		reconciler, err := processor.NewReconciler(a.store, service, a.cfg, processor.WithLogger(a.logger))
		if err != nil {
			return err
		}

		res, err := reconciler.RunOnce(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Sync pass finished\n", renderPass("✓"))
		fmt.Fprintf(out, "   Attempted: %d\n", res.Attempted)
		fmt.Fprintf(out, "   Delivered: %d\n", res.Succeeded)
		fmt.Fprintf(out, "   Failed:    %d (%d stuck)\n", res.Failed, res.Terminal)
		fmt.Fprintf(out, "   Deferred:  %d\n", res.Deferred)
		fmt.Fprintf(out, "   Remaining: %d\n", res.Remaining)
		if res.Unremoved > 0 {
			fmt.Fprintf(out, "%s %d delivered but still queued, they will be sent again with the same idempotency key\n",
				renderWarn("⚠"), res.Unremoved)
		}
		return nil
	},
}
