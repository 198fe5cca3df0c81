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
)

func scheduleCmd() *cobra.Command {
	sched := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring task schedules",
		Long:  "Schedules create one task per occurrence. DAILY fires every day, WEEKLY on the listed ISO weekdays (1=Mon..7=Sun), INTERVAL every N days from the start date. Times are local to the schedule's timezone.",
	}
	sched.AddCommand(scheduleCreateCmd())
	sched.AddCommand(scheduleListCmd())
	sched.AddCommand(scheduleGetCmd())
	sched.AddCommand(scheduleUpdateCmd())
	sched.AddCommand(schedulePreviewCmd())
	sched.AddCommand(scheduleRunCmd())
	sched.AddCommand(scheduleDeactivateCmd())
	return sched
}

func scheduleCreateCmd() *cobra.Command {
	var opts engine.ScheduleCreateOptions
	var workflow, ruleType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Workflow = domain.Workflow(workflow)
			opts.RuleType = domain.RuleType(ruleType)
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				opts.Actor = actor
				s, err := rt.Engine.CreateSchedule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "schedule id (random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow (logistics|automotive)")
	cmd.Flags().StringVar(&ruleType, "rule", "DAILY", "rule type (DAILY|WEEKLY|INTERVAL)")
	cmd.Flags().StringVar(&opts.TimeLocal, "time", "", "local time HH:MM")
	cmd.Flags().IntSliceVar(&opts.Weekdays, "weekdays", nil, "ISO weekdays for WEEKLY, e.g. 1,3,5")
	cmd.Flags().IntVar(&opts.EveryNDays, "every", 0, "interval in days for INTERVAL")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date YYYY-MM-DD for INTERVAL")
	cmd.Flags().StringVar(&opts.Timezone, "tz", "", "IANA timezone (default Europe/Berlin)")
	cmd.Flags().IntVar(&opts.CreateDaysAhead, "days-ahead", 0, "create occurrences this many days in advance")
	cmd.Flags().StringVar(&opts.StandID, "stand", "", "stand id")
	cmd.Flags().StringVar(&opts.BoxID, "box", "", "box id")
	cmd.Flags().StringVar(&opts.MaterialID, "material", "", "material id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("time")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListSchedules(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Rule", "Time", "Timezone", "Active"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, describeRule(s), s.TimeLocal, s.Timezone, s.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active schedules")
	return cmd
}

func describeRule(s domain.TaskSchedule) string {
	switch s.RuleType {
	case domain.RuleWeekly:
		days := make([]string, 0, len(s.Weekdays))
		for _, d := range s.Weekdays {
			days = append(days, fmt.Sprint(d))
		}
		return "WEEKLY " + strings.Join(days, ",")
	case domain.RuleInterval:
		return fmt.Sprintf("every %d days from %s", s.EveryNDays, s.StartDate)
	}
	return string(s.RuleType)
}

func scheduleGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.GetSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func scheduleUpdateCmd() *cobra.Command {
	var title, description, ruleType, timeLocal, startDate, tz, stand, box, material string
	var weekdays []int
	var every, daysAhead int
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ScheduleUpdateOptions{
				ID:              args[0],
				Title:           stringFlag(cmd, "title", title),
				Description:     stringFlag(cmd, "description", description),
				TimeLocal:       stringFlag(cmd, "time", timeLocal),
				StartDate:       stringFlag(cmd, "start", startDate),
				Timezone:        stringFlag(cmd, "tz", tz),
				StandID:         stringFlag(cmd, "stand", stand),
				BoxID:           stringFlag(cmd, "box", box),
				MaterialID:      stringFlag(cmd, "material", material),
				EveryNDays:      intFlag(cmd, "every", every),
				CreateDaysAhead: intFlag(cmd, "days-ahead", daysAhead),
			}
			if cmd.Flags().Changed("rule") {
				rule := domain.RuleType(ruleType)
				opts.RuleType = &rule
			}
			if cmd.Flags().Changed("weekdays") {
				opts.Weekdays = &weekdays
			}
			if cmd.Flags().Changed("active") {
				opts.IsActive = &active
			}
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				opts.Actor = actor
				s, err := rt.Engine.UpdateSchedule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&ruleType, "rule", "", "rule type (DAILY|WEEKLY|INTERVAL)")
	cmd.Flags().StringVar(&timeLocal, "time", "", "local time HH:MM")
	cmd.Flags().IntSliceVar(&weekdays, "weekdays", nil, "ISO weekdays for WEEKLY")
	cmd.Flags().IntVar(&every, "every", 0, "interval in days")
	cmd.Flags().StringVar(&startDate, "start", "", "start date YYYY-MM-DD")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone")
	cmd.Flags().IntVar(&daysAhead, "days-ahead", 0, "create occurrences this many days in advance")
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	cmd.Flags().StringVar(&stand, "stand", "", "stand id")
	cmd.Flags().StringVar(&box, "box", "", "box id")
	cmd.Flags().StringVar(&material, "material", "", "material id")
	return cmd
}

func schedulePreviewCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "preview <id>",
		Short: "List upcoming occurrences without creating tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				occ, err := rt.Engine.PreviewSchedule(ctx, args[0], days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(occ)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Date", "Time", "Weekday"})
				for _, o := range occ {
					tw.AppendRow(table.Row{o.Date, o.ScheduledTime, o.DayOfWeek})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "days to preview (default from config)")
	return cmd
}

func scheduleRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Create today's occurrence now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				res, err := rt.Engine.Generator.RunNow(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func scheduleDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Stop generating tasks from a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				s, err := rt.Engine.DeactivateSchedule(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Run one generation pass over all active schedules and daily stands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sum, err := rt.Scheduler().Trigger(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("created %d, skipped %d, cancelled %d, errors %d\n", sum.Created, sum.Skipped, sum.CancelledPrevious, sum.Errored)
				return nil
			})
		},
	}
}
