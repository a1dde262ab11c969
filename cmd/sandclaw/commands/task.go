// task.go manages scheduled tasks from the command line. Commands act
// directly on the database; a running daemon picks changes up on its
// next poll.
package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/dispatch"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/scheduler"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

func newTaskCmd() *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
	}

	taskCmd.AddCommand(
		newTaskListCmd(),
		newTaskAddCmd(),
		newTaskPauseCmd(),
		newTaskResumeCmd(),
		newTaskCancelCmd(),
		newTaskRunsCmd(),
	)
	return taskCmd
}

// openTaskService opens the store and builds an unstarted scheduler
// over it, which carries all the task validation logic.
func openTaskService(cmd *cobra.Command) (*store.Store, *scheduler.Scheduler, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := setupLogger(cfg.Logging)

	st, err := store.Open(store.Config{
		Path:          cfg.Store.Path,
		BusyTimeoutMs: cfg.Store.BusyTimeoutMs,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	sched := scheduler.New(st, nil, scheduler.Options{}, logger)
	return st, sched, nil
}

func newTaskListCmd() *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sched, err := openTaskService(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := sched.List(group)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No scheduled tasks.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tGROUP\tSTATUS\tSCHEDULE\tNEXT RUN\tPROMPT")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s\t%s\n",
					shortID(t.ID),
					t.GroupKey,
					t.Status,
					t.ScheduleType,
					t.ScheduleValue,
					formatNextRun(t.NextRun),
					truncate(t.Prompt, 40),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "only tasks for this group")
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		group         string
		chatID        string
		prompt        string
		scheduleType  string
		scheduleValue string
		contextMode   string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sched, err := openTaskService(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			task, err := sched.Create(group, dispatch.TaskSpec{
				ChatID:        chatID,
				Prompt:        prompt,
				ScheduleType:  scheduleType,
				ScheduleValue: scheduleValue,
				ContextMode:   contextMode,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Created task %s, first run %s\n",
				task.ID, formatNextRun(task.NextRun))
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "group key the task belongs to")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat to deliver results to")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt the agent runs with")
	cmd.Flags().StringVar(&scheduleType, "schedule-type", "", "cron, interval, or once")
	cmd.Flags().StringVar(&scheduleValue, "schedule-value", "", "cron expr, interval in ms, or time")
	cmd.Flags().StringVar(&contextMode, "context", "", "group (default) or isolated")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("prompt")
	_ = cmd.MarkFlagRequired("schedule-type")
	_ = cmd.MarkFlagRequired("schedule-value")
	return cmd
}

func newTaskPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Pause an active task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sched, err := openTaskService(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := sched.Pause(args[0]); err != nil {
				return err
			}
			fmt.Printf("Paused task %s\n", args[0])
			return nil
		},
	}
}

func newTaskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a paused task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sched, err := openTaskService(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := sched.Resume(args[0]); err != nil {
				return err
			}
			fmt.Printf("Resumed task %s\n", args[0])
			return nil
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task and delete its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sched, err := openTaskService(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := sched.Cancel(args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancelled task %s\n", args[0])
			return nil
		},
	}
}

func newTaskRunsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show recent runs of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openTaskService(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			logs, err := st.ListRunLogs(args[0], limit)
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN AT\tSTATUS\tDURATION\tDETAIL")
			for _, l := range logs {
				detail := l.Error
				if detail == "" {
					detail = truncate(l.Result, 60)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					l.RunAt.Local().Format("2006-01-02 15:04:05"),
					l.Status,
					l.Duration.Round(time.Millisecond),
					detail,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	return cmd
}

// ---------- Formatting helpers ----------

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatNextRun(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
