package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/offline-sync/pkg/store"
)

var jsonOutput bool

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "queue",
	Short:   "List pending operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.store.Snapshot(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintf(out, "%s Nothing pending\n", renderPass("✓"))
			return nil
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.Operation.ID,
				string(e.Operation.Kind),
				formatTime(e.Operation.EnqueuedAt),
				strconv.Itoa(e.Delivery.Attempts),
				formatTime(e.Delivery.NextAttemptAt),
				truncate(e.Delivery.LastError, 40),
			})
		}
		fmt.Fprintln(out, renderTable([]string{"ID", "KIND", "QUEUED", "ATTEMPTS", "NEXT ATTEMPT", "LAST ERROR"}, rows))
		fmt.Fprintf(out, "%d pending\n", len(entries))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "queue",
	Short:   "Show one pending operation and its delivery state",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		op, err := a.store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		state, _, err := a.store.Delivery(ctx, op.ID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, store.Entry{Operation: op, Delivery: state})
		}
		fmt.Fprintln(out, renderTable([]string{"FIELD", "VALUE"}, [][]string{
			{"ID", op.ID},
			{"KIND", string(op.Kind)},
			{"IDEMPOTENCY KEY", op.IdempotencyKey},
			{"ORDERING KEY", op.OrderingKey},
			{"QUEUED", formatTime(op.EnqueuedAt)},
			{"ATTEMPTS", strconv.Itoa(state.Attempts)},
			{"LAST ATTEMPT", formatTime(state.LastAttemptAt)},
			{"NEXT ATTEMPT", formatTime(state.NextAttemptAt)},
			{"LAST ERROR", state.LastError},
			{"PAYLOAD", string(op.Payload)},
		}))
		return nil
	},
}

var failedCmd = &cobra.Command{
	Use:     "failed",
	GroupID: "queue",
	Short:   "List operations that could not be delivered",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		failed, err := a.store.ListFailed(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, failed)
		}
		if len(failed) == 0 {
			fmt.Fprintf(out, "%s No stuck operations\n", renderPass("✓"))
			return nil
		}

		rows := make([][]string, 0, len(failed))
		for _, f := range failed {
			rows = append(rows, []string{
				f.Operation.ID,
				string(f.Operation.Kind),
				string(f.Reason),
				strconv.Itoa(f.Attempts),
				formatTime(f.FailedAt),
				truncate(f.LastError, 40),
			})
		}
		fmt.Fprintln(out, renderTable([]string{"ID", "KIND", "REASON", "ATTEMPTS", "FAILED AT", "LAST ERROR"}, rows))
		fmt.Fprintf(out, "%s %d stuck, run 'offline-sync retry' or 'offline-sync discard'\n", renderWarn("⚠"), len(failed))
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry",
	GroupID: "queue",
	Short:   "Move stuck operations back to the pending queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.store.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d operation(s) queued again\n", renderPass("✓"), n)
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:     "discard",
	GroupID: "queue",
	Short:   "Drop stuck operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.store.DiscardFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d operation(s) discarded\n", renderPass("✓"), n)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "queue",
	Short:   "Drop every pending operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Pending queue cleared\n", renderPass("✓"))
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
	failedCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
	showCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
}
