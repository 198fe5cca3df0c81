// Package generator turns active schedules and legacy stand rules into
// concrete tasks. Every generated task carries a dedup key, so a pass can be
// repeated any number of times without creating duplicates.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispoline/internal/audit"
	"dispoline/internal/domain"
	"dispoline/internal/events"
	"dispoline/internal/lifecycle"
	"dispoline/internal/repo"
	"dispoline/internal/schedule"
)

const (
	SupersededReason = "superseded by new occurrence"

	defaultDailyTime = "06:00"
)

// initialStatuses are the statuses in which a generated task has not been
// touched yet and may be superseded.
var initialStatuses = []domain.Status{
	lifecycle.InitialStatus(domain.WorkflowAutomotive),
	lifecycle.InitialStatus(domain.WorkflowLogistics),
}

type Generator struct {
	Repo   repo.Repo
	Audit  audit.Recorder
	Now    func() time.Time
	Logger *log.Logger
	NewID  func() string
}

// Summary reports the outcome of one generation pass.
type Summary struct {
	Created           int       `json:"createdCount"`
	Skipped           int       `json:"skippedCount"`
	CancelledPrevious int       `json:"cancelledPreviousCount"`
	Errored           int       `json:"erroredCount"`
	GeneratedAt       time.Time `json:"generatedAt" format:"date-time"`
}

type RunNowResult struct {
	TasksCreated int          `json:"tasksCreated"`
	Task         *domain.Task `json:"task,omitempty"`
}

func (g Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Generator) newID() string {
	if g.NewID != nil {
		return g.NewID()
	}
	return uuid.NewString()
}

func (g Generator) logf(format string, args ...any) {
	if g.Logger != nil {
		g.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func systemActor() domain.Actor {
	return domain.Actor{ID: domain.SystemActorID, Role: "system"}
}

// Run performs one full pass: stale cancellation first, then every active
// schedule across its horizon, then the legacy per-stand daily rules.
// Failures of single occurrences are logged and counted.
func (g Generator) Run(ctx context.Context) (Summary, error) {
	now := g.now()
	sum := Summary{GeneratedAt: now.UTC()}

	cancelled, err := g.CancelSuperseded(ctx, "")
	sum.CancelledPrevious = cancelled
	if err != nil {
		g.logf("generator: stale cancellation: %v", err)
		sum.Errored++
	}

	schedules, err := g.Repo.ListSchedules(ctx, true)
	if err != nil {
		return sum, fmt.Errorf("list schedules: %w", err)
	}
	for _, s := range schedules {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		g.runSchedule(ctx, s, now, &sum)
	}

	stands, err := g.Repo.ListDailyStands(ctx)
	if err != nil {
		return sum, fmt.Errorf("list daily stands: %w", err)
	}
	for _, st := range stands {
		created, err := g.createDailyStandTask(ctx, st, now)
		tally(&sum, created, err)
		if err != nil {
			g.logf("generator: stand %s: %v", st.ID, err)
		}
	}
	g.logf("generator: pass done created=%d skipped=%d cancelled=%d errored=%d",
		sum.Created, sum.Skipped, sum.CancelledPrevious, sum.Errored)
	return sum, nil
}

func tally(sum *Summary, created bool, err error) {
	switch {
	case err != nil:
		sum.Errored++
	case created:
		sum.Created++
	default:
		sum.Skipped++
	}
}

func (g Generator) runSchedule(ctx context.Context, s domain.TaskSchedule, now time.Time, sum *Summary) {
	rule := schedule.FromSchedule(s)
	horizon := s.CreateDaysAhead
	if horizon < 0 {
		horizon = 0
	}
	occ, err := schedule.Occurrences(rule, now, horizon+1)
	if err != nil {
		g.logf("generator: schedule %s: %v", s.ID, err)
		sum.Errored++
		return
	}
	for _, o := range occ {
		_, created, err := g.createOccurrence(ctx, s, o, systemActor())
		tally(sum, created, err)
		if err != nil {
			g.logf("generator: schedule %s on %s: %v", s.ID, o.Date, err)
		}
	}
}

// createOccurrence inserts the task for one schedule date in its own
// transaction. A taken dedup key reports created=false without error.
func (g Generator) createOccurrence(ctx context.Context, s domain.TaskSchedule, o schedule.Occurrence, actor domain.Actor) (domain.Task, bool, error) {
	key := ScheduleKey(s.ID, o.Date)
	at := o.At.UTC()
	scheduleID := s.ID
	t := g.newTask(s.Workflow, s.Title, s.Description, key)
	t.ScheduleID = &scheduleID
	t.ScheduledFor = &at
	t.StandID = s.StandID
	t.BoxID = s.BoxID
	t.MaterialID = s.MaterialID
	return g.insert(ctx, t, actor, map[string]any{"source": "schedule", "date": o.Date})
}

func (g Generator) createDailyStandTask(ctx context.Context, st domain.Stand, now time.Time) (bool, error) {
	timeLocal := st.DailyTimeLocal
	if timeLocal == "" {
		timeLocal = defaultDailyTime
	}
	rule := schedule.Rule{Type: domain.RuleDaily, TimeLocal: timeLocal, Timezone: domain.DefaultTimezone}
	loc, err := schedule.Location(rule.Timezone)
	if err != nil {
		return false, err
	}
	date := schedule.LocalDate(now, loc)
	at, err := schedule.ScheduledAt(rule, date)
	if err != nil {
		return false, err
	}
	title := st.DailyTitle
	if title == "" {
		title = "Daily pickup " + st.Name
	}
	standID := st.ID
	t := g.newTask(domain.WorkflowAutomotive, title, "", DailyStandKey(st.ID, date))
	t.StandID = &standID
	t.BoxID = st.BoxID
	t.MaterialID = st.MaterialID
	atUTC := at.UTC()
	t.ScheduledFor = &atUTC
	_, created, err := g.insert(ctx, t, systemActor(), map[string]any{"source": "stand_daily", "date": date})
	return created, err
}

func (g Generator) newTask(w domain.Workflow, title, description, key string) domain.Task {
	now := g.now().UTC()
	return domain.Task{
		ID:          g.newID(),
		Workflow:    w,
		Status:      lifecycle.InitialStatus(w),
		Title:       title,
		Description: description,
		DedupKey:    &key,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (g Generator) insert(ctx context.Context, t domain.Task, actor domain.Actor, meta map[string]any) (domain.Task, bool, error) {
	tx, err := g.Repo.Begin(ctx)
	if err != nil {
		return t, false, err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertTask(ctx, tx, t); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return t, false, nil
		}
		return t, false, err
	}
	meta["dedup_key"] = *t.DedupKey
	g.Audit.Record(ctx, tx, audit.Entry{
		Action:     events.ActionCreate,
		EntityType: events.EntityTask,
		EntityID:   t.ID,
		Actor:      actor,
		After:      audit.Snapshot(t),
		Task:       &t,
		Meta:       meta,
	})
	if err := tx.Commit(); err != nil {
		return t, false, err
	}
	return t, true, nil
}

// CancelSuperseded cancels untouched generated tasks whose occurrence date
// lies before today in their schedule's timezone. Tasks created ahead for
// future dates are kept. An empty scheduleID covers all schedules.
func (g Generator) CancelSuperseded(ctx context.Context, scheduleID string) (int, error) {
	tx, err := g.Repo.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	open, err := g.Repo.ListOpenRecurringTasks(ctx, tx, initialStatuses, scheduleID)
	if err != nil {
		return 0, err
	}
	now := g.now()
	cancelled := 0
	for _, rt := range open {
		t := rt.Task
		if t.DedupKey == nil {
			continue
		}
		date, ok := KeyDate(*t.DedupKey)
		if !ok {
			continue
		}
		loc, err := schedule.Location(rt.Timezone)
		if err != nil {
			g.logf("generator: task %s: %v", t.ID, err)
			continue
		}
		if date >= schedule.LocalDate(now, loc) {
			continue
		}
		before := audit.Snapshot(t)
		from := t.Status
		stamp := now.UTC()
		reason := SupersededReason
		t.Status = domain.StatusCancelled
		t.CancelledAt = &stamp
		t.CancelReason = &reason
		t.ClaimedBy = nil
		t.ClaimedAt = nil
		t.UpdatedAt = stamp
		if err := g.Repo.UpdateTask(ctx, tx, t, from); err != nil {
			if errors.Is(err, repo.ErrStatusChanged) {
				continue
			}
			return cancelled, fmt.Errorf("cancel %s: %w", t.ID, err)
		}
		g.Audit.Record(ctx, tx, audit.Entry{
			Action:     events.ActionAutoCancelSuperseded,
			EntityType: events.EntityTask,
			EntityID:   t.ID,
			Actor:      systemActor(),
			Before:     before,
			After:      audit.Snapshot(t),
			Task:       &t,
			Meta:       map[string]any{"reason": reason, "occurrence_date": date},
		})
		cancelled++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return cancelled, nil
}

// RunNow creates today's occurrence of one schedule whatever its rule says.
// The dedup key is the same one a pass would use, so an existing occurrence
// is reported as a conflict.
func (g Generator) RunNow(ctx context.Context, scheduleID string, actor domain.Actor) (RunNowResult, error) {
	s, err := g.Repo.GetSchedule(ctx, nil, scheduleID)
	if err != nil {
		return RunNowResult{}, err
	}
	if _, err := g.CancelSuperseded(ctx, s.ID); err != nil {
		g.logf("generator: run-now stale cancellation for %s: %v", s.ID, err)
	}
	rule := schedule.FromSchedule(s)
	loc, err := schedule.Location(rule.Timezone)
	if err != nil {
		return RunNowResult{}, err
	}
	date := schedule.LocalDate(g.now(), loc)
	at, err := schedule.ScheduledAt(rule, date)
	if err != nil {
		return RunNowResult{}, err
	}
	occ := schedule.Occurrence{Date: date, ScheduledTime: schedule.WallClock(rule), DayOfWeek: schedule.ISOWeekday(at.Weekday()), At: at}
	t, created, err := g.createOccurrence(ctx, s, occ, actor)
	if err != nil {
		return RunNowResult{}, err
	}
	if !created {
		return RunNowResult{}, domain.ConflictError{Reason: "occurrence already exists", DedupKey: ScheduleKey(s.ID, date)}
	}
	g.Audit.Record(ctx, nil, audit.Entry{
		Action:     events.ActionScheduleRunNow,
		EntityType: events.EntitySchedule,
		EntityID:   s.ID,
		Actor:      actor,
		Meta:       map[string]any{"task_id": t.ID, "date": date},
	})
	return RunNowResult{TasksCreated: 1, Task: &t}, nil
}

// ManualInput describes an ad hoc task.
type ManualInput struct {
	Title       string
	Description string
	Workflow    domain.Workflow
	StandID     string
	BoxID       string
	MaterialID  string
	// Date is the YYYY-MM-DD the task is for; defaults to today.
	Date string
}

// CreateManual files an ad hoc task. Repeating the same title, stand and
// date is a conflict.
func (g Generator) CreateManual(ctx context.Context, in ManualInput, actor domain.Actor) (domain.Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return domain.Task{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	if actor.ID == "" {
		return domain.Task{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if in.Workflow == "" {
		in.Workflow = domain.WorkflowAutomotive
	}
	if !lifecycle.Known(in.Workflow) {
		return domain.Task{}, domain.ValidationError{Field: "workflow", Reason: fmt.Sprintf("unknown workflow %q", in.Workflow)}
	}
	loc, err := schedule.Location(domain.DefaultTimezone)
	if err != nil {
		return domain.Task{}, err
	}
	if in.Date == "" {
		in.Date = schedule.LocalDate(g.now(), loc)
	} else if _, err := time.Parse(schedule.DateLayout, in.Date); err != nil {
		return domain.Task{}, domain.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"}
	}
	key := ManualKey(in.Title, in.StandID, in.Date)
	t := g.newTask(in.Workflow, in.Title, in.Description, key)
	t.StandID = optional(in.StandID)
	t.BoxID = optional(in.BoxID)
	t.MaterialID = optional(in.MaterialID)
	t, created, err := g.insert(ctx, t, actor, map[string]any{"source": "manual", "date": in.Date})
	if err != nil {
		return domain.Task{}, err
	}
	if !created {
		return domain.Task{}, domain.ConflictError{Reason: "task already exists", DedupKey: key}
	}
	return t, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
