package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/offline-sync/pkg/config"
	"github.com/zoff-tech/offline-sync/pkg/logging"
	"github.com/zoff-tech/offline-sync/pkg/remote/stub"
)

var (
	addr     string
	token    string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "remote-stub",
	Short: "Stand-in for the portal API that deduplicates on the idempotency key",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := logging.New(config.LogSettings{Level: logLevel, Format: "text"})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{
			Addr:              addr,
			Handler:           stub.NewServer(token, logger).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.WithFields(logrus.Fields{"addr": addr, "auth": token != ""}).Info("Remote stub listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("Shutting down")
		return srv.Shutdown(shutdownCtx)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	rootCmd.Flags().StringVar(&token, "token", os.Getenv("REMOTE_STUB_TOKEN"), "bearer token required on API calls (empty disables auth)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
