package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/store"
)

// taskTimeLayout is accepted by --start and --end.
const taskTimeLayout = time.RFC3339

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage a user's local tasks",
		Long: `Create, list and change tasks in the local store. Changes reach the
remote calendar on the next pass, either from a running "serve" or from
"tasksync sync".`,
	}

	cmd.PersistentFlags().String("user", "", "task owner (required)")

	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskDoneCmd())
	cmd.AddCommand(newTaskRmCmd())

	return cmd
}

// withStore opens the store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(cc *CLIContext, st *store.Store, user string) error) error {
	cc := mustCLIContext(cmd.Context())

	user, err := requireUser(cmd)
	if err != nil {
		return err
	}

	st, err := store.Open(cmd.Context(), cc.Cfg.Storage.DBPath, cc.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(cc, st, user)
}

func newTaskAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := store.TaskFields{Title: args[0]}
			fields.Description, _ = cmd.Flags().GetString("description")

			var err error

			if fields.Start, err = timeFlag(cmd, "start"); err != nil {
				return err
			}

			if fields.End, err = timeFlag(cmd, "end"); err != nil {
				return err
			}

			if cmd.Flags().Changed("priority") {
				p, _ := cmd.Flags().GetInt("priority")
				fields.Priority = &p
			}

			return withStore(cmd, func(cc *CLIContext, st *store.Store, user string) error {
				task, err := st.CreateTask(cmd.Context(), user, fields)
				if err != nil {
					return err
				}

				return printTask(cc, task)
			})
		},
	}

	cmd.Flags().String("description", "", "task description")
	cmd.Flags().String("start", "", "start time (RFC 3339)")
	cmd.Flags().String("end", "", "end time (RFC 3339)")
	cmd.Flags().Int("priority", 0, "task priority, 0 or higher")

	return cmd
}

func timeFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return nil, nil //nolint:nilnil // unset flag
	}

	t, err := time.Parse(taskTimeLayout, v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}

	return &t, nil
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := taskFilterFlags(cmd)
			if err != nil {
				return err
			}

			return withStore(cmd, func(cc *CLIContext, st *store.Store, user string) error {
				tasks, err := st.FindTasks(cmd.Context(), user, filter)
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					if tasks == nil {
						tasks = []store.Task{}
					}

					return printJSON(cc.Out, tasks)
				}

				if len(tasks) == 0 {
					fmt.Fprintln(cc.Out, "No tasks.")
					return nil
				}

				rows := make([][]string, 0, len(tasks))
				for i := range tasks {
					rows = append(rows, taskRow(&tasks[i]))
				}

				printTable(cc.Out, []string{"ID", "TITLE", "START", "DONE", "MODIFIED"}, rows)

				return nil
			})
		},
	}

	cmd.Flags().Bool("deleted", false, "include deleted tasks")
	cmd.Flags().Bool("completed", false, "only completed tasks")
	cmd.Flags().Bool("pending", false, "only open tasks")
	cmd.Flags().Int("skip", 0, "tasks to skip, oldest first")
	cmd.Flags().Int("limit", 0, "maximum tasks to show (0 for all)")
	cmd.MarkFlagsMutuallyExclusive("completed", "pending")

	return cmd
}

func taskFilterFlags(cmd *cobra.Command) (store.TaskFilter, error) {
	var f store.TaskFilter

	f.IncludeDeleted, _ = cmd.Flags().GetBool("deleted")
	f.Offset, _ = cmd.Flags().GetInt("skip")
	f.Limit, _ = cmd.Flags().GetInt("limit")

	if f.Offset < 0 || f.Limit < 0 {
		return f, errors.New("--skip and --limit must not be negative")
	}

	completed, _ := cmd.Flags().GetBool("completed")
	pending, _ := cmd.Flags().GetBool("pending")

	if completed || pending {
		f.Completed = &completed
	}

	return f, nil
}

func taskRow(t *store.Task) []string {
	done := ""
	if t.Completed {
		done = "yes"
	}

	if t.Deleted {
		done = "deleted"
	}

	return []string{t.ID, truncate(t.Title, 40), formatTimePtr(t.Start), done, formatTime(t.ModifiedAt)}
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(cc *CLIContext, st *store.Store, user string) error {
				task, err := st.GetTask(cmd.Context(), user, args[0])
				if err != nil {
					return taskErr(args[0], err)
				}

				return printTask(cc, task)
			})
		},
	}
}

func newTaskDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			undo, _ := cmd.Flags().GetBool("undo")

			return withStore(cmd, func(cc *CLIContext, st *store.Store, user string) error {
				task, err := st.UpdateTask(cmd.Context(), user, args[0], func(f *store.TaskFields) {
					f.Completed = !undo
				})
				if err != nil {
					return taskErr(args[0], err)
				}

				return printTask(cc, task)
			})
		},
	}

	cmd.Flags().Bool("undo", false, "mark the task not completed")

	return cmd
}

func newTaskRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(cc *CLIContext, st *store.Store, user string) error {
				if _, err := st.DeleteTask(cmd.Context(), user, args[0]); err != nil {
					return taskErr(args[0], err)
				}

				cc.Statusf("Deleted %s\n", args[0])

				return nil
			})
		},
	}
}

func taskErr(id string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("task %s not found", id)
	case errors.Is(err, store.ErrTombstoned):
		return fmt.Errorf("task %s is deleted", id)
	default:
		return err
	}
}

func printTask(cc *CLIContext, t *store.Task) error {
	if cc.Flags.JSON {
		return printJSON(cc.Out, t)
	}

	fmt.Fprintf(cc.Out, "%s  %s\n", t.ID, t.Title)

	if t.Description != "" {
		fmt.Fprintf(cc.Out, "  %s\n", t.Description)
	}

	if t.Start != nil && t.End != nil {
		fmt.Fprintf(cc.Out, "  %s to %s\n", t.Start.Format(taskTimeLayout), t.End.Format(taskTimeLayout))
	}

	if t.Priority != nil {
		fmt.Fprintf(cc.Out, "  priority=%d\n", *t.Priority)
	}

	fmt.Fprintf(cc.Out, "  completed=%t revision=%d\n", t.Completed, t.Revision)

	return nil
}
