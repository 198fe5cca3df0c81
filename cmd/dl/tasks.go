package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispoline/internal/app"
	"dispoline/internal/domain"
	"dispoline/internal/engine"
	"dispoline/internal/generator"
	"dispoline/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are pickup and disposal jobs. Each follows its workflow's status machine; claiming a task leases it to one actor for the configured TTL.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskManualCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskHandoverCmd())
	task.AddCommand(taskEventsCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = strings.ToUpper(f.Status)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tasks, err := rt.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Workflow", "Status", "Claimed By", "Assigned To", "Scheduled For"})
				for _, t := range tasks {
					scheduled := ""
					if t.ScheduledFor != nil {
						scheduled = t.ScheduledFor.Format("2006-01-02 15:04")
					}
					claimedBy := ""
					if t.ClaimedBy != nil && !rt.Engine.Claims.IsExpired(t.ClaimedAt) {
						claimedBy = *t.ClaimedBy
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Workflow, t.Status, claimedBy, strValue(t.AssignedTo), scheduled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Workflow, "workflow", "", "workflow filter (logistics|automotive)")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ClaimedBy, "claimed-by", "", "lease holder filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().StringVar(&f.ScheduleID, "schedule", "", "schedule id filter")
	cmd.Flags().StringVar(&f.StandID, "stand", "", "stand id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskManualCmd() *cobra.Command {
	var in generator.ManualInput
	var workflow string
	cmd := &cobra.Command{
		Use:   "manual",
		Short: "Create a one-off task",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Workflow = domain.Workflow(workflow)
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				t, err := rt.Engine.Generator.CreateManual(ctx, in, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&workflow, "workflow", string(domain.WorkflowAutomotive), "workflow (logistics|automotive)")
	cmd.Flags().StringVar(&in.StandID, "stand", "", "stand id")
	cmd.Flags().StringVar(&in.BoxID, "box", "", "box id")
	cmd.Flags().StringVar(&in.MaterialID, "material", "", "material id")
	cmd.Flags().StringVar(&in.Date, "date", "", "date YYYY-MM-DD (defaults to today)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var assignTo, reason string
	var weight float64
	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Change task status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TransitionOptions{
				TaskID:   args[0],
				Target:   domain.Status(strings.ToUpper(args[1])),
				AssignTo: assignTo,
				Reason:   reason,
			}
			if cmd.Flags().Changed("weight-kg") {
				opts.WeightKg = &weight
			}
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				opts.Actor = actor
				res, err := rt.Engine.Transition(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s", res.Task.ID, res.FromStatus, res.ToStatus)
				if res.AutoClaimed {
					fmt.Print(" (claimed)")
				}
				if res.AutoReleased {
					fmt.Print(" (released)")
				}
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assignTo, "assign-to", "", "assignee when entering ASSIGNED")
	cmd.Flags().Float64Var(&weight, "weight-kg", 0, "recorded weight when entering WEIGHED")
	cmd.Flags().StringVar(&reason, "reason", "", "cancel reason")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim task lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				res, err := rt.Engine.Claims.Claim(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func taskReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				t, err := rt.Engine.Claims.Release(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskHandoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handover <id> <to-actor-id>",
		Short: "Hand lease and assignment to another actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				t, err := rt.Engine.Claims.Handover(ctx, args[0], actor, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a task's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.TaskEvents(ctx, args[0], n, 0)
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	return cmd
}

func printEvents(items []domain.TaskEvent) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "Action", "Entity", "Actor"})
	for _, evt := range items {
		tw.AppendRow(table.Row{evt.ID, evt.TS.Format("2006-01-02 15:04:05"), evt.Action, evt.EntityType + "/" + evt.EntityID, evt.ActorID})
	}
	tw.Render()
	return nil
}
