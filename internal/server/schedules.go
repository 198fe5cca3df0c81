package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"dispoline/internal/domain"
	"dispoline/internal/engine"
	"dispoline/internal/generator"
	"dispoline/internal/schedule"
)

func registerSchedules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-schedule",
		Method:        http.MethodPost,
		Path:          "/schedules",
		Summary:       "Create recurring schedule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateScheduleRequest `json:"body"`
	}) (*struct {
		Body domain.TaskSchedule `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		opts := engine.ScheduleCreateOptions{
			ID:          deref(b.ID),
			Title:       b.Title,
			Description: deref(b.Description),
			Workflow:    domain.Workflow(b.Workflow),
			RuleType:    domain.RuleType(b.RuleType),
			TimeLocal:   b.TimeLocal,
			Weekdays:    b.Weekdays,
			StartDate:   deref(b.StartDate),
			Timezone:    deref(b.Timezone),
			StandID:     deref(b.StandID),
			BoxID:       deref(b.BoxID),
			MaterialID:  deref(b.MaterialID),
			Actor:       actor,
		}
		if b.EveryNDays != nil {
			opts.EveryNDays = *b.EveryNDays
		}
		if b.CreateDaysAhead != nil {
			opts.CreateDaysAhead = *b.CreateDaysAhead
		}
		s, err := e.CreateSchedule(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskSchedule `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schedules",
		Method:      http.MethodGet,
		Path:        "/schedules",
		Summary:     "List schedules",
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active_only"`
	}) (*struct {
		Body []domain.TaskSchedule `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListSchedules(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskSchedule `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/schedules/{id}",
		Summary:     "Get schedule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.TaskSchedule `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.GetSchedule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskSchedule `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-schedule",
		Method:      http.MethodPatch,
		Path:        "/schedules/{id}",
		Summary:     "Update schedule",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateScheduleRequest `json:"body"`
	}) (*struct {
		Body domain.TaskSchedule `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		opts := engine.ScheduleUpdateOptions{
			ID:              input.ID,
			Title:           b.Title,
			Description:     b.Description,
			TimeLocal:       b.TimeLocal,
			EveryNDays:      b.EveryNDays,
			StartDate:       b.StartDate,
			Timezone:        b.Timezone,
			CreateDaysAhead: b.CreateDaysAhead,
			IsActive:        b.IsActive,
			StandID:         b.StandID,
			BoxID:           b.BoxID,
			MaterialID:      b.MaterialID,
			Actor:           actor,
		}
		if b.RuleType != nil {
			rt := domain.RuleType(*b.RuleType)
			opts.RuleType = &rt
		}
		if b.Weekdays != nil {
			days := b.Weekdays
			opts.Weekdays = &days
		}
		s, err := e.UpdateSchedule(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskSchedule `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-schedule",
		Method:      http.MethodDelete,
		Path:        "/schedules/{id}",
		Summary:     "Deactivate schedule",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.TaskSchedule `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.DeactivateSchedule(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskSchedule `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-schedule",
		Method:      http.MethodGet,
		Path:        "/schedules/{id}/preview",
		Summary:     "Upcoming occurrences without creating tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Days int    `query:"days"`
	}) (*struct {
		Body PreviewResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		occ, err := e.PreviewSchedule(ctx, input.ID, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		def, maxDays := e.Config.Preview.DefaultDays, e.Config.Preview.MaxDays
		return &struct {
			Body PreviewResponse `json:"body"`
		}{Body: PreviewResponse{
			ScheduleID:  input.ID,
			Days:        schedule.ClampPreviewDays(input.Days, def, maxDays),
			Occurrences: nonNilSlice(occ),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-schedule",
		Method:      http.MethodPost,
		Path:        "/schedules/{id}/run",
		Summary:     "Create today's occurrence now",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RunNowResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Generator.RunNow(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunNowResponse `json:"body"`
		}{Body: runNowResponse(e, res)}, nil
	})
}

type GeneratorStatusResponse struct {
	Running     bool               `json:"running"`
	LastSummary *generator.Summary `json:"last_summary,omitempty"`
	CheckedAt   time.Time          `json:"checked_at" format:"date-time"`
}

func registerGenerator(api huma.API, sched *generator.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "run-generator",
		Method:      http.MethodPost,
		Path:        "/generator/run",
		Summary:     "Run a generation pass now",
		Errors:      []int{http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body generator.Summary `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		sum, err := sched.Trigger(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body generator.Summary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generator-status",
		Method:      http.MethodGet,
		Path:        "/generator/status",
		Summary:     "Generator state and last summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body GeneratorStatusResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		resp := GeneratorStatusResponse{Running: sched.Running(), CheckedAt: time.Now().UTC()}
		if sum, ok := sched.LastSummary(); ok {
			resp.LastSummary = &sum
		}
		return &struct {
			Body GeneratorStatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}
