package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/offline-sync/pkg/connectivity"
	"github.com/zoff-tech/offline-sync/pkg/kv"
	"github.com/zoff-tech/offline-sync/pkg/processor"
	"github.com/zoff-tech/offline-sync/pkg/remote"
	"github.com/zoff-tech/offline-sync/pkg/telemetry"
	"github.com/zoff-tech/offline-sync/pkg/watch"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync reconciler until interrupted",
	Long: `Replay pending operations every poll_interval until SIGINT or SIGTERM.

A pass also runs when the connectivity probe sees the portal come back
(probe_interval > 0, HTTP remote only) and when another process writes to a
file-backed queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		// Initialize telemetry (tracing and metrics)
		shutdownTelemetry, err := telemetry.Init(a.cfg.Observability, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer shutdownTelemetry()

		service, err := remote.NewService(ctx, &a.cfg.Remote, a.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize remote service: %w", err)
		}
		defer service.Close()

		reconciler, err := processor.NewReconciler(a.store, service, a.cfg, processor.WithLogger(a.logger))
		if err != nil {
			return err
		}
		reconciler.Start(ctx)
		defer reconciler.Stop()

		var probe *connectivity.Probe
		if a.cfg.ProbeInterval > 0 {
			pinger, ok := service.(connectivity.Pinger)
			if !ok {
				a.logger.WithField("remote_type", a.cfg.Remote.Type).Warn("Remote has no health check, connectivity probe disabled")
			} else {
				probe, err = connectivity.NewPingProbe(pinger, a.cfg.ProbeInterval, reconciler.Trigger, connectivity.WithLogger(a.logger))
				if err != nil {
					return err
				}
				probe.Start(ctx)
				defer probe.Stop()
			}
		}

		if a.cfg.Store.Type == "file" {
			dir := kv.LocalDir(a.cfg.Store.URL)
			if dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create store directory: %w", err)
				}
				watcher, err := watch.NewQueueWatcher(a.cfg.Store.URL, reconciler.Trigger, watch.WithLogger(a.logger))
				if err != nil {
					return err
				}
				if err := watcher.Start(); err != nil {
					return err
				}
				defer watcher.Stop()
			}
		}

		if stats, err := a.store.Stats(ctx); err == nil {
			fields := logrus.Fields{
				"pending": stats.Pending,
				"waiting": stats.Waiting,
				"failed":  stats.Failed,
			}
			if probe != nil {
				fields["online"] = probe.Online()
			}
			a.logger.WithFields(fields).Info("Offline sync running")
		}

		<-ctx.Done()
		a.logger.Info("Shutting down")
		if reconciler.Syncing() {
			a.logger.Info("Waiting for the running pass to finish")
		}
		return nil
	},
}
