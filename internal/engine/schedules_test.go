package engine_test

import (
	"errors"
	"testing"

	"dispoline/internal/domain"
	"dispoline/internal/engine"
	"dispoline/internal/events"
	"dispoline/internal/repo"
)

var planner = domain.Actor{ID: "planner"}

func TestCreateScheduleDefaults(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title:     "Weekly pickup",
		RuleType:  "weekly",
		TimeLocal: "07:30",
		Weekdays:  []int{5, 1, 1},
		Actor:     planner,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.ID == "" || s.Workflow != domain.WorkflowAutomotive || s.Timezone != domain.DefaultTimezone || !s.IsActive {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if len(s.Weekdays) != 2 || s.Weekdays[0] != 1 || s.Weekdays[1] != 5 {
		t.Fatalf("weekdays not normalized: %v", s.Weekdays)
	}
	stored, err := env.Engine.GetSchedule(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.RuleType != domain.RuleWeekly || stored.TimeLocal != "07:30" {
		t.Fatalf("unexpected stored schedule: %+v", stored)
	}
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{EntityType: events.EntitySchedule, EntityID: s.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].Action != events.ActionScheduleCreate {
		t.Fatalf("expected SCHEDULE_CREATE, got %+v", evts)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.ScheduleCreateOptions
	}{
		{"no title", engine.ScheduleCreateOptions{RuleType: domain.RuleDaily, TimeLocal: "07:00", Actor: planner}},
		{"bad time", engine.ScheduleCreateOptions{Title: "x", RuleType: domain.RuleDaily, TimeLocal: "25:00", Actor: planner}},
		{"weekly without days", engine.ScheduleCreateOptions{Title: "x", RuleType: domain.RuleWeekly, TimeLocal: "07:00", Actor: planner}},
		{"weekday out of range", engine.ScheduleCreateOptions{Title: "x", RuleType: domain.RuleWeekly, TimeLocal: "07:00", Weekdays: []int{8}, Actor: planner}},
		{"interval without n", engine.ScheduleCreateOptions{Title: "x", RuleType: domain.RuleInterval, TimeLocal: "07:00", StartDate: "2024-01-01", Actor: planner}},
		{"unknown zone", engine.ScheduleCreateOptions{Title: "x", RuleType: domain.RuleDaily, TimeLocal: "07:00", Timezone: "Mars/Olympus", Actor: planner}},
		{"negative horizon", engine.ScheduleCreateOptions{Title: "x", RuleType: domain.RuleDaily, TimeLocal: "07:00", CreateDaysAhead: -1, Actor: planner}},
		{"unknown workflow", engine.ScheduleCreateOptions{Title: "x", Workflow: "rail", RuleType: domain.RuleDaily, TimeLocal: "07:00", Actor: planner}},
	}
	for _, tc := range cases {
		_, err := env.Engine.CreateSchedule(env.Ctx, tc.opts)
		var verr domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	list, err := env.Engine.ListSchedules(env.Ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("rejected schedules were stored: %+v", list)
	}
}

func TestUpdateAndDeactivateSchedule(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{Title: "Daily", RuleType: domain.RuleDaily, TimeLocal: "06:00", Actor: planner})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	every := 3
	start := "2024-01-01"
	rule := domain.RuleInterval
	updated, err := env.Engine.UpdateSchedule(env.Ctx, engine.ScheduleUpdateOptions{ID: s.ID, RuleType: &rule, EveryNDays: &every, StartDate: &start, Actor: planner})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.RuleType != domain.RuleInterval || updated.EveryNDays != 3 || updated.TimeLocal != "06:00" {
		t.Fatalf("unexpected update: %+v", updated)
	}
	bad := "7pm"
	if _, err := env.Engine.UpdateSchedule(env.Ctx, engine.ScheduleUpdateOptions{ID: s.ID, TimeLocal: &bad, Actor: planner}); err == nil {
		t.Fatalf("expected invalid time to be rejected")
	}
	if _, err := env.Engine.UpdateSchedule(env.Ctx, engine.ScheduleUpdateOptions{ID: "missing", Actor: planner}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	off, err := env.Engine.DeactivateSchedule(env.Ctx, s.ID, planner)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if off.IsActive {
		t.Fatalf("schedule still active")
	}
	active, err := env.Engine.ListSchedules(env.Ctx, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active schedules, got %d", len(active))
	}
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{EntityType: events.EntitySchedule, EntityID: s.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 3 || evts[0].Action != events.ActionScheduleDeactivate || evts[1].Action != events.ActionScheduleUpdate {
		t.Fatalf("unexpected schedule events: %+v", evts)
	}
}

func TestPreviewSchedule(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSchedule(env.Ctx, engine.ScheduleCreateOptions{
		Title:     "Mon/Wed",
		RuleType:  domain.RuleWeekly,
		TimeLocal: "07:30",
		Weekdays:  []int{1, 3},
		Actor:     planner,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// 2024-01-01 is a Monday.
	occ, err := env.Engine.PreviewSchedule(env.Ctx, s.ID, 7)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(occ) != 2 || occ[0].Date != "2024-01-01" || occ[1].Date != "2024-01-03" || occ[0].ScheduledTime != "07:30" {
		t.Fatalf("unexpected preview: %+v", occ)
	}
	occ, err = env.Engine.PreviewSchedule(env.Ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("preview default: %v", err)
	}
	if len(occ) != 4 {
		t.Fatalf("expected 4 occurrences in the default 14 days, got %d", len(occ))
	}
	occ, err = env.Engine.PreviewSchedule(env.Ctx, s.ID, 1000)
	if err != nil {
		t.Fatalf("preview capped: %v", err)
	}
	if last := occ[len(occ)-1].Date; last > "2024-03-30" {
		t.Fatalf("preview exceeded 90 days: %s", last)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ScheduleID: s.ID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("preview must not create tasks")
	}
}
