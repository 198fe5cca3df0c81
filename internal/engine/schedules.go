package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dispoline/internal/audit"
	"dispoline/internal/domain"
	"dispoline/internal/events"
	"dispoline/internal/lifecycle"
	"dispoline/internal/schedule"
)

// ScheduleCreateOptions are parameters for creating a schedule.
type ScheduleCreateOptions struct {
	ID              string
	Title           string
	Description     string
	Workflow        domain.Workflow
	RuleType        domain.RuleType
	TimeLocal       string
	Weekdays        []int
	EveryNDays      int
	StartDate       string
	Timezone        string
	CreateDaysAhead int
	StandID         string
	BoxID           string
	MaterialID      string
	Actor           domain.Actor
}

// ScheduleUpdateOptions patches a schedule; nil fields are left alone.
type ScheduleUpdateOptions struct {
	ID              string
	Title           *string
	Description     *string
	RuleType        *domain.RuleType
	TimeLocal       *string
	Weekdays        *[]int
	EveryNDays      *int
	StartDate       *string
	Timezone        *string
	CreateDaysAhead *int
	IsActive        *bool
	StandID         *string
	BoxID           *string
	MaterialID      *string
	Actor           domain.Actor
}

func validateSchedule(s domain.TaskSchedule) error {
	if strings.TrimSpace(s.Title) == "" {
		return domain.ValidationError{Field: "title", Reason: "required"}
	}
	if !lifecycle.Known(s.Workflow) {
		return domain.ValidationError{Field: "workflow", Reason: fmt.Sprintf("unknown workflow %q", s.Workflow)}
	}
	if s.CreateDaysAhead < 0 {
		return domain.ValidationError{Field: "create_days_ahead", Reason: "must be >= 0"}
	}
	return schedule.Validate(schedule.FromSchedule(s))
}

func (e Engine) CreateSchedule(ctx context.Context, opts ScheduleCreateOptions) (domain.TaskSchedule, error) {
	if opts.Actor.ID == "" {
		return domain.TaskSchedule{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	now := e.now().UTC()
	s := domain.TaskSchedule{
		ID:              opts.ID,
		Title:           strings.TrimSpace(opts.Title),
		Description:     opts.Description,
		Workflow:        opts.Workflow,
		RuleType:        domain.RuleType(strings.ToUpper(string(opts.RuleType))),
		TimeLocal:       opts.TimeLocal,
		EveryNDays:      opts.EveryNDays,
		StartDate:       opts.StartDate,
		Timezone:        opts.Timezone,
		CreateDaysAhead: opts.CreateDaysAhead,
		IsActive:        true,
		StandID:         optionalString(opts.StandID),
		BoxID:           optionalString(opts.BoxID),
		MaterialID:      optionalString(opts.MaterialID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Workflow == "" {
		s.Workflow = domain.WorkflowAutomotive
	}
	if s.Timezone == "" {
		s.Timezone = domain.DefaultTimezone
	}
	if s.RuleType == domain.RuleWeekly {
		s.Weekdays = normalizeWeekdays(opts.Weekdays)
	}
	if err := validateSchedule(s); err != nil {
		return domain.TaskSchedule{}, err
	}
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.TaskSchedule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSchedule(ctx, tx, s); err != nil {
		return domain.TaskSchedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	e.Audit.Record(ctx, tx, audit.Entry{
		Action:     events.ActionScheduleCreate,
		EntityType: events.EntitySchedule,
		EntityID:   s.ID,
		Actor:      opts.Actor,
		After:      audit.Snapshot(s),
	})
	if err := tx.Commit(); err != nil {
		return domain.TaskSchedule{}, err
	}
	return s, nil
}

// normalizeWeekdays sorts and de-duplicates weekday numbers.
func normalizeWeekdays(in []int) []int {
	seen := map[int]bool{}
	var out []int
	for d := 1; d <= 7; d++ {
		for _, v := range in {
			if v == d && !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	for _, v := range in {
		if v < 1 || v > 7 {
			// keep out-of-range values so validation reports them
			out = append(out, v)
		}
	}
	return out
}

func (e Engine) UpdateSchedule(ctx context.Context, opts ScheduleUpdateOptions) (domain.TaskSchedule, error) {
	if opts.Actor.ID == "" {
		return domain.TaskSchedule{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.TaskSchedule{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSchedule(ctx, tx, opts.ID)
	if err != nil {
		return domain.TaskSchedule{}, err
	}
	before := audit.Snapshot(s)
	if opts.Title != nil {
		s.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Description != nil {
		s.Description = *opts.Description
	}
	if opts.RuleType != nil {
		s.RuleType = domain.RuleType(strings.ToUpper(string(*opts.RuleType)))
	}
	if opts.TimeLocal != nil {
		s.TimeLocal = *opts.TimeLocal
	}
	if opts.Weekdays != nil {
		s.Weekdays = normalizeWeekdays(*opts.Weekdays)
	}
	if opts.EveryNDays != nil {
		s.EveryNDays = *opts.EveryNDays
	}
	if opts.StartDate != nil {
		s.StartDate = *opts.StartDate
	}
	if opts.Timezone != nil {
		s.Timezone = *opts.Timezone
	}
	if opts.CreateDaysAhead != nil {
		s.CreateDaysAhead = *opts.CreateDaysAhead
	}
	if opts.IsActive != nil {
		s.IsActive = *opts.IsActive
	}
	if opts.StandID != nil {
		s.StandID = optionalString(*opts.StandID)
	}
	if opts.BoxID != nil {
		s.BoxID = optionalString(*opts.BoxID)
	}
	if opts.MaterialID != nil {
		s.MaterialID = optionalString(*opts.MaterialID)
	}
	if s.RuleType != domain.RuleWeekly {
		s.Weekdays = nil
	}
	if err := validateSchedule(s); err != nil {
		return domain.TaskSchedule{}, err
	}
	s.UpdatedAt = e.now().UTC()
	if err := e.Repo.UpdateSchedule(ctx, tx, s); err != nil {
		return domain.TaskSchedule{}, err
	}
	e.Audit.Record(ctx, tx, audit.Entry{
		Action:     events.ActionScheduleUpdate,
		EntityType: events.EntitySchedule,
		EntityID:   s.ID,
		Actor:      opts.Actor,
		Before:     before,
		After:      audit.Snapshot(s),
	})
	if err := tx.Commit(); err != nil {
		return domain.TaskSchedule{}, err
	}
	return s, nil
}

// DeactivateSchedule stops future generation. Already generated tasks are
// left as they are.
func (e Engine) DeactivateSchedule(ctx context.Context, id string, actor domain.Actor) (domain.TaskSchedule, error) {
	if actor.ID == "" {
		return domain.TaskSchedule{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.TaskSchedule{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSchedule(ctx, tx, id)
	if err != nil {
		return domain.TaskSchedule{}, err
	}
	now := e.now().UTC()
	if err := e.Repo.DeactivateSchedule(ctx, tx, id, now); err != nil {
		return domain.TaskSchedule{}, err
	}
	e.Audit.Record(ctx, tx, audit.Entry{
		Action:     events.ActionScheduleDeactivate,
		EntityType: events.EntitySchedule,
		EntityID:   id,
		Actor:      actor,
		Before:     map[string]any{"is_active": s.IsActive},
		After:      map[string]any{"is_active": false},
	})
	if err := tx.Commit(); err != nil {
		return domain.TaskSchedule{}, err
	}
	s.IsActive = false
	s.UpdatedAt = now
	return s, nil
}

func (e Engine) GetSchedule(ctx context.Context, id string) (domain.TaskSchedule, error) {
	return e.Repo.GetSchedule(ctx, nil, id)
}

func (e Engine) ListSchedules(ctx context.Context, activeOnly bool) ([]domain.TaskSchedule, error) {
	return e.Repo.ListSchedules(ctx, activeOnly)
}

// PreviewSchedule lists upcoming occurrences without writing anything.
func (e Engine) PreviewSchedule(ctx context.Context, id string, days int) ([]schedule.Occurrence, error) {
	s, err := e.Repo.GetSchedule(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	def, max := schedule.DefaultPreviewDays, schedule.MaxPreviewDays
	if e.Config != nil {
		def, max = e.Config.Preview.DefaultDays, e.Config.Preview.MaxDays
	}
	return schedule.Occurrences(schedule.FromSchedule(s), e.now(), schedule.ClampPreviewDays(days, def, max))
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
