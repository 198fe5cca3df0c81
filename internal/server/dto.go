package server

import (
	"time"

	"dispoline/internal/claim"
	"dispoline/internal/domain"
	"dispoline/internal/engine"
	"dispoline/internal/generator"
	"dispoline/internal/schedule"
)

// Request payloads

type ManualTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Workflow    string  `json:"workflow,omitempty" enum:"logistics,automotive"`
	StandID     *string `json:"stand_id,omitempty"`
	BoxID       *string `json:"box_id,omitempty"`
	MaterialID  *string `json:"material_id,omitempty"`
	Date        *string `json:"date,omitempty" example:"2024-01-01"`
}

type TransitionRequest struct {
	Status   string   `json:"status"`
	AssignTo *string  `json:"assign_to,omitempty"`
	WeightKg *float64 `json:"weight_kg,omitempty" minimum:"0"`
	Reason   *string  `json:"reason,omitempty"`
}

type HandoverRequest struct {
	ToActorID string `json:"to_actor_id"`
}

type CreateScheduleRequest struct {
	ID              *string `json:"id,omitempty"`
	Title           string  `json:"title"`
	Description     *string `json:"description,omitempty"`
	Workflow        string  `json:"workflow,omitempty" enum:"logistics,automotive"`
	RuleType        string  `json:"rule_type" example:"WEEKLY"`
	TimeLocal       string  `json:"time_local" example:"07:30"`
	Weekdays        []int   `json:"weekdays,omitempty"`
	EveryNDays      *int    `json:"every_n_days,omitempty"`
	StartDate       *string `json:"start_date,omitempty" example:"2024-01-01"`
	Timezone        *string `json:"timezone,omitempty" example:"Europe/Berlin"`
	CreateDaysAhead *int    `json:"create_days_ahead,omitempty" minimum:"0"`
	StandID         *string `json:"stand_id,omitempty"`
	BoxID           *string `json:"box_id,omitempty"`
	MaterialID      *string `json:"material_id,omitempty"`
}

type UpdateScheduleRequest struct {
	Title           *string `json:"title,omitempty"`
	Description     *string `json:"description,omitempty"`
	RuleType        *string `json:"rule_type,omitempty" example:"DAILY"`
	TimeLocal       *string `json:"time_local,omitempty"`
	Weekdays        []int   `json:"weekdays,omitempty"`
	EveryNDays      *int    `json:"every_n_days,omitempty"`
	StartDate       *string `json:"start_date,omitempty"`
	Timezone        *string `json:"timezone,omitempty"`
	CreateDaysAhead *int    `json:"create_days_ahead,omitempty"`
	IsActive        *bool   `json:"is_active,omitempty"`
	StandID         *string `json:"stand_id,omitempty"`
	BoxID           *string `json:"box_id,omitempty"`
	MaterialID      *string `json:"material_id,omitempty"`
}

// Response payloads

type TaskResponse struct {
	domain.Task
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" format:"date-time"`
}

type ClaimResponse struct {
	Task                TaskResponse `json:"task"`
	Claimed             bool         `json:"claimed"`
	ExpiresAt           *time.Time   `json:"expires_at,omitempty" format:"date-time"`
	AutoReleasedExpired bool         `json:"auto_released_expired"`
}

type TransitionResponse struct {
	Task         TaskResponse `json:"task"`
	FromStatus   string       `json:"from_status"`
	ToStatus     string       `json:"to_status"`
	AutoClaimed  bool         `json:"auto_claimed"`
	AutoReleased bool         `json:"auto_released"`
}

type PreviewResponse struct {
	ScheduleID  string                `json:"schedule_id"`
	Days        int                   `json:"days"`
	Occurrences []schedule.Occurrence `json:"occurrences"`
}

type RunNowResponse struct {
	TasksCreated int           `json:"tasksCreated"`
	Task         *TaskResponse `json:"task,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.TaskEvent `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(e engine.Engine, t domain.Task) TaskResponse {
	res := TaskResponse{Task: t}
	if t.ClaimedBy != nil && !e.Claims.IsExpired(t.ClaimedAt) {
		res.LeaseExpiresAt = e.Claims.ExpiresAt(t.ClaimedAt)
	}
	return res
}

func mapTasks(e engine.Engine, items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(e, t))
	}
	return out
}

func claimResponse(e engine.Engine, r claim.Result) ClaimResponse {
	return ClaimResponse{
		Task:                taskResponse(e, r.Task),
		Claimed:             r.Claimed,
		ExpiresAt:           r.ExpiresAt,
		AutoReleasedExpired: r.AutoReleasedExpired,
	}
}

func transitionResponse(e engine.Engine, r engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		Task:         taskResponse(e, r.Task),
		FromStatus:   string(r.FromStatus),
		ToStatus:     string(r.ToStatus),
		AutoClaimed:  r.AutoClaimed,
		AutoReleased: r.AutoReleased,
	}
}

func runNowResponse(e engine.Engine, r generator.RunNowResult) RunNowResponse {
	out := RunNowResponse{TasksCreated: r.TasksCreated}
	if r.Task != nil {
		t := taskResponse(e, *r.Task)
		out.Task = &t
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
