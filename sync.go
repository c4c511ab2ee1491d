package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	tsync "github.com/tonimelisma/tasksync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for a user",
		Long: `Run a single sync pass between a user's tasks and their calendar, in
the foreground, and print what it did.

The pass pulls remote changes, resolves them against local edits and
commits the result atomically. Use "serve" for scheduled syncing.`,
		RunE: runSync,
	}

	cmd.Flags().String("user", "", "user to sync (required)")

	return cmd
}

// passReportJSON is the --json form of a pass report.
type passReportJSON struct {
	User        string   `json:"user"`
	Calendar    string   `json:"calendar"`
	States      []string `json:"states"`
	FullResync  bool     `json:"full_resync"`
	DurationMS  int64    `json:"duration_ms"`
	Pulled      int      `json:"pulled"`
	Quarantined int      `json:"quarantined"`
	Dirty       int      `json:"dirty"`
	Pushed      int      `json:"pushed"`
	Deleted     int      `json:"remote_deletes"`
	LocalWrites int      `json:"local_writes"`
	LocalDelete int      `json:"local_deletes"`
	Conflicts   int      `json:"conflicts"`
	Purged      int      `json:"purged"`
	Error       string   `json:"error,omitempty"`
}

func toPassReportJSON(r *tsync.PassReport, passErr error) passReportJSON {
	out := passReportJSON{
		User:        r.UserID,
		Calendar:    r.CalendarID,
		States:      make([]string, 0, len(r.States)),
		FullResync:  r.FullResync,
		DurationMS:  r.Duration.Milliseconds(),
		Pulled:      r.Pulled,
		Quarantined: r.Quarantined,
		Dirty:       r.Dirty,
		Pushed:      r.RemoteCreates + r.RemoteUpdates,
		Deleted:     r.RemoteDeletes,
		LocalWrites: r.LocalWrites,
		LocalDelete: r.LocalDeletes,
		Conflicts:   r.Conflicts,
		Purged:      r.Purged,
	}

	for _, s := range r.States {
		out.States = append(out.States, s.String())
	}

	if passErr != nil {
		out.Error = passErr.Error()
	}

	return out
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	user, err := requireUser(cmd)
	if err != nil {
		return err
	}

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	report, passErr := a.engine.RunPass(ctx, user)
	if report == nil {
		return passErr
	}

	if cc.Flags.JSON {
		if err := printJSON(cc.Out, toPassReportJSON(report, passErr)); err != nil {
			return err
		}

		return passErr
	}

	printPassReport(cc, report)

	if passErr != nil {
		return fmt.Errorf("sync failed (%s): %w", tsync.ClassifyError(passErr), passErr)
	}

	return nil
}

func printPassReport(cc *CLIContext, r *tsync.PassReport) {
	mode := "incremental"
	if r.FullResync {
		mode = "full resync"
	}

	fmt.Fprintf(cc.Out, "Sync for %s (%s, %s) in %s\n", r.UserID, r.CalendarID, mode, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(cc.Out, "  Pulled:        %d remote changes (%d quarantined)\n", r.Pulled, r.Quarantined)
	fmt.Fprintf(cc.Out, "  Local changes: %d\n", r.Dirty)
	fmt.Fprintf(cc.Out, "  Pushed:        %d created, %d updated, %d deleted\n",
		r.RemoteCreates, r.RemoteUpdates, r.RemoteDeletes)
	fmt.Fprintf(cc.Out, "  Applied:       %d written, %d deleted\n", r.LocalWrites, r.LocalDeletes)

	if r.Conflicts > 0 {
		fmt.Fprintf(cc.Out, "  Conflicts:     %d (see \"tasksync conflicts --user %s\")\n", r.Conflicts, r.UserID)
	}

	if r.Purged > 0 {
		fmt.Fprintf(cc.Out, "  Purged:        %d tombstones\n", r.Purged)
	}
}
