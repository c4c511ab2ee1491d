package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/store"
)

// taskIDPrefixLen is the number of characters of a task ID shown in table
// output. Conflict IDs are shown in full so they can be passed to --ack.
const taskIDPrefixLen = 8

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List or acknowledge resolved sync conflicts",
		Long: `Display the conflicts the sync engine resolved for a user.

Every conflict is already resolved when it is recorded; this log shows
which side won and why. Pending entries stay until acknowledged with
--ack (by ID, or all pending when no IDs are given).`,
		RunE: runConflicts,
	}

	cmd.Flags().String("user", "", "user whose conflicts to show (required)")
	cmd.Flags().Bool("all", false, "include acknowledged conflicts")
	cmd.Flags().Bool("ack", false, "acknowledge the conflicts named as arguments, or all pending")

	return cmd
}

func runConflicts(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	user, err := requireUser(cmd)
	if err != nil {
		return err
	}

	all, _ := cmd.Flags().GetBool("all")
	ack, _ := cmd.Flags().GetBool("ack")

	if len(args) > 0 && !ack {
		return fmt.Errorf("unexpected arguments %v (did you mean --ack?)", args)
	}

	st, err := store.Open(ctx, cc.Cfg.Storage.DBPath, cc.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if ack {
		n, err := st.AcknowledgeConflicts(ctx, user, args...)
		if err != nil {
			return err
		}

		if cc.Flags.JSON {
			return printJSON(cc.Out, map[string]int{"acknowledged": n})
		}

		cc.Statusf("Acknowledged %d conflict(s)\n", n)

		return nil
	}

	conflicts, err := st.ListConflicts(ctx, user, !all)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if conflicts == nil {
			conflicts = []store.ConflictRecord{}
		}

		return printJSON(cc.Out, conflicts)
	}

	if len(conflicts) == 0 {
		fmt.Fprintln(cc.Out, "No conflicts.")
		return nil
	}

	rows := make([][]string, 0, len(conflicts))
	for i := range conflicts {
		c := &conflicts[i]

		state := "pending"
		if c.Acknowledged {
			state = "acknowledged"
		}

		rows = append(rows, []string{
			c.ID,
			shortID(c.LocalID),
			c.Kind,
			c.Winner,
			formatTime(c.DetectedAt),
			state,
		})
	}

	printTable(cc.Out, []string{"ID", "TASK", "KIND", "WINNER", "DETECTED", "STATE"}, rows)

	return nil
}

func shortID(id string) string {
	if len(id) <= taskIDPrefixLen {
		return id
	}

	return id[:taskIDPrefixLen]
}
