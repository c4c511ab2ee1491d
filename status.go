package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	tsync "github.com/tonimelisma/tasksync/internal/sync"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status for connected users",
		Long: `Display the durable sync status of one user, or of every connected
user when --user is omitted: the last successful pass, the last error and
its class, the retry count, pending conflicts and whether the user is
degraded or suspended.`,
		RunE: runStatus,
	}

	cmd.Flags().String("user", "", "show only this user")

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	user, err := cmd.Flags().GetString("user")
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	statuses, err := collectStatus(ctx, a, user)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, statuses)
	}

	if len(statuses) == 0 {
		fmt.Fprintln(cc.Out, "No users connected. Run 'tasksync connect --user <id> --calendar <id>'.")
		return nil
	}

	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, []string{
			st.UserID,
			st.CalendarID,
			statusLabel(st),
			formatTimePtr(st.LastSuccess),
			strconv.Itoa(st.RetryCount),
			strconv.Itoa(st.PendingConflicts),
			truncate(st.LastError, 60),
		})
	}

	printTable(cc.Out, []string{"USER", "CALENDAR", "STATE", "LAST SUCCESS", "RETRIES", "CONFLICTS", "LAST ERROR"}, rows)

	return nil
}

func collectStatus(ctx context.Context, a *app, user string) ([]*tsync.Status, error) {
	if user != "" {
		st, err := a.engine.Status(ctx, user)
		if err != nil {
			return nil, err
		}

		return []*tsync.Status{st}, nil
	}

	accounts, err := a.store.Accounts(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*tsync.Status, 0, len(accounts))

	for _, acct := range accounts {
		st, err := a.engine.Status(ctx, acct.UserID)
		if err != nil {
			return nil, err
		}

		out = append(out, st)
	}

	return out, nil
}

func statusLabel(st *tsync.Status) string {
	switch {
	case !st.Connected:
		return "disconnected"
	case st.Suspended:
		return "suspended"
	case st.Degraded:
		return "degraded"
	default:
		return st.State
	}
}
