package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "offline-sync",
	Short: "Offline queue and sync reconciler for the beneficiary portal",
	Long: `Queue attendance and complaint submissions while offline and replay them
against the portal once it is reachable again.

Configuration is read from offline-sync.yaml (merged with
offline-sync.<ENVIRONMENT>.yaml) and OFFLINE_SYNC_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding offline-sync.yaml")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "queue", Title: "Queue:"},
	)
	rootCmd.AddCommand(runCmd, syncCmd)
	rootCmd.AddCommand(enqueueCmd, listCmd, showCmd, failedCmd, retryCmd, discardCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
