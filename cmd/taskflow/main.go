package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/task-journey/app"
	"github.com/songzhibin97/task-journey/config"
	"github.com/songzhibin97/task-journey/review"
	"github.com/songzhibin97/task-journey/seed"
	"github.com/songzhibin97/task-journey/types"
	"github.com/songzhibin97/task-journey/workflow"
)

var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the App opened for the running command.
type cli struct {
	out        io.Writer
	configPath string
	appOpts    []app.Option
	app        *app.App
}

func newRootCmd(out io.Writer, opts ...app.Option) *cobra.Command {
	c := &cli{out: out, appOpts: opts}
	rootCmd := &cobra.Command{
		Use:           "taskflow",
		Short:         "Taskflow - workflow templates, task journeys and reviews",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (YAML); TASKFLOW_* variables override it. State is kept in "+config.DefaultStorePath+" by default")

	rootCmd.AddCommand(c.seedCmd())
	rootCmd.AddCommand(c.workflowsCmd())
	rootCmd.AddCommand(c.dependenciesCmd())
	rootCmd.AddCommand(c.tasksCmd())
	rootCmd.AddCommand(c.journeyCmd())
	rootCmd.AddCommand(c.migrateCmd())
	rootCmd.AddCommand(c.stuckCmd())
	rootCmd.AddCommand(c.filterCmd())
	rootCmd.AddCommand(c.summaryCmd())
	return rootCmd
}

// open loads the config over the persistent defaults, so that state outlives
// the command unless another backend is configured.
func (c *cli) open() error {
	cfg, err := config.LoadWithDefaults(c.configPath, config.PersistentDefaults())
	if err != nil {
		return err
	}
	a, err := app.New(cfg, c.appOpts...)
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == "memory" {
		a.Logger.Warn("memory backend: changes are discarded when the command exits")
	}
	c.app = a
	return nil
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

func (c *cli) print(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// result prints the outcome of a write as {success, message}; failures are also returned.
func (c *cli) result(err error, okMsg string) error {
	if perr := c.print(types.ResultOf(err, okMsg)); perr != nil {
		return perr
	}
	return err
}

func stageArg(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("stage must be a positive number, got %q", s)
	}
	return n, nil
}

func (c *cli) seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a YAML fixture (the built-in demo by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				f   *seed.Fixture
				err error
			)
			if file != "" {
				f, err = seed.LoadFile(file)
			} else {
				f, err = seed.Demo()
			}
			if err != nil {
				return err
			}
			res, err := seed.Apply(cmd.Context(), c.app, f)
			if err != nil {
				return err
			}
			return c.print(res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Fixture file")
	return cmd
}

func (c *cli) workflowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect workflow templates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflow templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := c.app.Templates.List(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(items)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a workflow template no task uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.result(c.app.Templates.Delete(cmd.Context(), args[0]), "workflow deleted")
		},
	})
	return cmd
}

func (c *cli) dependenciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dependencies",
		Short: "Inspect user dependencies",
	}
	var workflowID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List user dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				items []types.UserDependency
				err   error
			)
			if workflowID != "" {
				items, err = c.app.Dependencies.ListByWorkflow(cmd.Context(), workflowID)
			} else {
				items, err = c.app.Dependencies.List(cmd.Context())
			}
			if err != nil {
				return err
			}
			return c.print(items)
		},
	}
	list.Flags().StringVarP(&workflowID, "workflow", "w", "", "Only dependencies of this workflow")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "candidates [workflow-id]",
		Short: "Show who may be doer and checker of each stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := c.app.Dependencies.Candidates(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(items)
		},
	})
	return cmd
}

func (c *cli) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage tasks and their coarse review flow",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := c.app.Tasks.List(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(items)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show a task and its journey progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := c.app.Tasks.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(struct {
				Task     types.Task        `json:"task"`
				Progress workflow.Progress `json:"progress"`
			}{task, workflow.ProgressOf(task)})
		},
	})

	moves := []struct {
		use, short string
		fn         func(t *review.Tasks, ctx context.Context, id string) (types.Task, error)
	}{
		{"start", "Move a pending task to in progress", (*review.Tasks).Start},
		{"submit", "Submit a task for review", (*review.Tasks).Submit},
		{"begin-review", "Pick a submitted task up for review", (*review.Tasks).BeginReview},
		{"resubmit", "Resubmit a task after revision", (*review.Tasks).Resubmit},
	}
	for _, m := range moves {
		m := m
		cmd.AddCommand(&cobra.Command{
			Use:   m.use + " [id]",
			Short: m.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				task, err := m.fn(c.app.Tasks, cmd.Context(), args[0])
				if err != nil {
					return c.result(err, "")
				}
				return c.print(task)
			},
		})
	}
	cmd.AddCommand(c.reviewCmd())
	return cmd
}

func (c *cli) reviewCmd() *cobra.Command {
	var (
		reviewer string
		approved []string
		feedback string
	)
	cmd := &cobra.Command{
		Use:   "review [id]",
		Short: "Review a task against its category checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approvals := make(map[string]bool, len(approved))
			for _, id := range approved {
				approvals[id] = true
			}
			task, err := c.app.Tasks.Review(cmd.Context(), args[0], review.Decision{
				ReviewerID: reviewer,
				Approvals:  approvals,
				Feedback:   feedback,
			})
			if err != nil {
				return c.result(err, "")
			}
			return c.print(task)
		},
	}
	cmd.Flags().StringVarP(&reviewer, "reviewer", "r", "", "Reviewer user id")
	cmd.Flags().StringSliceVarP(&approved, "approve", "a", nil, "Approved checklist item ids")
	cmd.Flags().StringVar(&feedback, "feedback", "", "Feedback for the assignee")
	return cmd
}

func (c *cli) journeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journey",
		Short: "Move a workflow task through its stages",
	}

	var (
		user     string
		note     string
		reject   bool
		output   map[string]string
		reason   string
		stageRun = func(run func(ctx context.Context, id string, stage int) (types.Task, error)) func(*cobra.Command, []string) error {
			return func(cmd *cobra.Command, args []string) error {
				stage, err := stageArg(args[1])
				if err != nil {
					return err
				}
				task, err := run(cmd.Context(), args[0], stage)
				if err != nil {
					return c.result(err, "")
				}
				return c.print(workflow.ProgressOf(task))
			}
		}
	)

	submit := &cobra.Command{
		Use:   "submit [task-id] [stage]",
		Short: "Submit a stage as its doer",
		Args:  cobra.ExactArgs(2),
		RunE: stageRun(func(ctx context.Context, id string, stage int) (types.Task, error) {
			data := make(map[string]interface{}, len(output))
			for k, v := range output {
				data[k] = v
			}
			return c.app.Tasks.SubmitStage(ctx, id, stage, user, data)
		}),
	}
	submit.Flags().StringToStringVarP(&output, "output", "o", nil, "Worksheet output, key=value")

	check := &cobra.Command{
		Use:   "check [task-id] [stage]",
		Short: "Approve or reject a stage as its checker",
		Args:  cobra.ExactArgs(2),
		RunE: stageRun(func(ctx context.Context, id string, stage int) (types.Task, error) {
			return c.app.Tasks.CheckStage(ctx, id, stage, user, !reject, note)
		}),
	}
	check.Flags().BoolVar(&reject, "reject", false, "Send the stage back to its doer")
	check.Flags().StringVar(&note, "note", "", "Checker note")

	approve := &cobra.Command{
		Use:   "approve [task-id] [stage]",
		Short: "Give team leader approval to a stage",
		Args:  cobra.ExactArgs(2),
		RunE: stageRun(func(ctx context.Context, id string, stage int) (types.Task, error) {
			return c.app.Tasks.ApproveStage(ctx, id, stage, user)
		}),
	}

	reopen := &cobra.Command{
		Use:   "reopen [task-id] [stage]",
		Short: "Reopen a completed stage",
		Args:  cobra.ExactArgs(2),
		RunE: stageRun(func(ctx context.Context, id string, stage int) (types.Task, error) {
			return c.app.Tasks.ReopenStage(ctx, id, stage, user, reason)
		}),
	}
	reopen.Flags().StringVar(&reason, "reason", "", "Why the stage is reopened")

	cancel := &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Cancel every unfinished stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := c.app.Tasks.CancelJourney(cmd.Context(), args[0], user, reason)
			if err != nil {
				return c.result(err, "")
			}
			return c.print(workflow.ProgressOf(task))
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "", "Why the journey is cancelled")

	for _, sub := range []*cobra.Command{submit, check, approve, reopen, cancel} {
		sub.Flags().StringVarP(&user, "user", "u", "", "Acting user id")
		cmd.AddCommand(sub)
	}
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Convert legacy workflow tasks to stage instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.app.Migrate(cmd.Context())
			return c.result(err, fmt.Sprintf("%d task(s) migrated", n))
		},
	}
}

func (c *cli) stuckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "List unfinished tasks matching the stuck rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := c.app.Analytics.StuckTasks(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(items)
		},
	}
}

func (c *cli) filterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "filter [expression]",
		Short: "List tasks matching an expr rule, e.g. 'reopenCount > 0'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := c.app.Analytics.Filter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(items)
		},
	}
}

func (c *cli) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count tasks by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.app.Analytics.Summary(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(s)
		},
	}
}
