package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"dispoline/internal/audit"
	"dispoline/internal/claim"
	"dispoline/internal/config"
	"dispoline/internal/domain"
	"dispoline/internal/engine/auth"
	"dispoline/internal/events"
	"dispoline/internal/generator"
	"dispoline/internal/lifecycle"
	"dispoline/internal/repo"
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Auth        auth.Service
	Audit       audit.Recorder
	Claims      claim.Manager
	Generator   generator.Generator
	AutoRelease lifecycle.AutoRelease
	Config      *config.Config
	Logger      *log.Logger
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Config:      cfg,
		AutoRelease: cfg.AutoReleaseSet(),
		Now:         time.Now,
	}
	return e.Wire()
}

// Wire rebuilds the dependent components so they share the engine's clock,
// store and logger. Call it again after replacing Now or Logger.
func (e Engine) Wire() Engine {
	clock := e.now
	e.Events = events.Writer{Now: clock}
	e.Auth = auth.Service{Repo: e.Repo, Now: clock}
	e.Audit = audit.Recorder{Repo: e.Repo, Events: e.Events, Auth: e.Auth, Logger: e.Logger}
	ttl := claim.DefaultTTL
	if e.Config != nil {
		ttl = e.Config.ClaimTTL()
	}
	e.Claims = claim.Manager{Repo: e.Repo, Audit: e.Audit, Auth: e.Auth, TTL: ttl, Now: clock}
	e.Generator = generator.Generator{Repo: e.Repo, Audit: e.Audit, Now: clock, Logger: e.Logger}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// TransitionOptions are parameters for a status change.
type TransitionOptions struct {
	TaskID string
	Actor  domain.Actor
	Target domain.Status
	// AssignTo names the assignee when entering ASSIGNED.
	AssignTo string
	// WeightKg is recorded on the task and in the box fill history when
	// entering WEIGHED.
	WeightKg *float64
	// Reason is stored as the cancel reason when entering CANCELLED.
	Reason string
}

type TransitionResult struct {
	Task         domain.Task   `json:"task"`
	Transitioned bool          `json:"transitioned"`
	FromStatus   domain.Status `json:"fromStatus"`
	ToStatus     domain.Status `json:"toStatus"`
	AutoClaimed  bool          `json:"autoClaimed"`
	AutoReleased bool          `json:"autoReleased"`
}

// Transition validates and applies a status change in one transaction:
// lease check, implicit claim, timestamp, assignment, implicit release,
// box updates and the audit trail. A rejected transition changes nothing.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (TransitionResult, error) {
	if opts.Actor.ID == "" {
		return TransitionResult{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if opts.WeightKg != nil && *opts.WeightKg < 0 {
		return TransitionResult{}, domain.ValidationError{Field: "weight_kg", Reason: "must be >= 0"}
	}
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, opts.TaskID)
	if err != nil {
		return TransitionResult{}, err
	}
	if !lifecycle.IsStatus(t.Workflow, opts.Target) {
		return TransitionResult{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("%s is not a %s status", opts.Target, t.Workflow)}
	}
	from := t.Status
	if d := lifecycle.Validate(t.Workflow, from, opts.Target); !d.OK {
		return TransitionResult{}, lifecycle.Reject(from, d)
	}
	if lifecycle.RequiresAssignee(t.Workflow, opts.Target) && opts.AssignTo == "" {
		return TransitionResult{}, domain.ValidationError{Field: "assign_to", Reason: fmt.Sprintf("required for %s", opts.Target)}
	}
	if e.Claims.HeldByOther(t, opts.Actor.ID) {
		return TransitionResult{}, e.Claims.Conflict(t)
	}

	res := TransitionResult{FromStatus: from, ToStatus: opts.Target}
	holdsLive := t.ClaimedBy != nil && *t.ClaimedBy == opts.Actor.ID && !e.Claims.IsExpired(t.ClaimedAt)
	if !holdsLive {
		cr, err := e.Claims.ClaimTx(ctx, tx, t, opts.Actor, true)
		if err != nil {
			return TransitionResult{}, err
		}
		t = cr.Task
		res.AutoClaimed = true
	}

	before := audit.Snapshot(t)
	now := e.now().UTC()
	t.Status = opts.Target
	t.UpdatedAt = now
	if field, ok := lifecycle.TimestampField(t.Workflow, opts.Target); ok {
		if slot := t.StatusTimestamp(field); slot != nil && *slot == nil {
			stamp := now
			*slot = &stamp
		}
	}
	switch {
	case lifecycle.RequiresAssignee(t.Workflow, opts.Target):
		if err := e.Auth.EnsureActor(ctx, tx, opts.AssignTo); err != nil {
			return TransitionResult{}, err
		}
		assignee := opts.AssignTo
		t.AssignedTo = &assignee
	case lifecycle.AssignsActor(t.Workflow, from, opts.Target):
		actorID := opts.Actor.ID
		t.AssignedTo = &actorID
	case lifecycle.ClearsAssignment(t.Workflow, from, opts.Target):
		t.AssignedTo = nil
	}
	if opts.Target == domain.StatusCancelled && opts.Reason != "" {
		reason := opts.Reason
		t.CancelReason = &reason
	}
	if opts.WeightKg != nil {
		w := *opts.WeightKg
		t.WeightKg = &w
	}

	var holder string
	if e.AutoRelease.Releases(t.Workflow, opts.Target) || lifecycle.IsTerminal(t.Workflow, opts.Target) {
		if t.ClaimedBy != nil {
			holder = *t.ClaimedBy
		}
		t.ClaimedBy = nil
		t.ClaimedAt = nil
		res.AutoReleased = holder != ""
	}

	if err := e.applyBoxEffects(ctx, tx, t, opts, now); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Repo.UpdateTask(ctx, tx, t, from); err != nil {
		if errors.Is(err, repo.ErrStatusChanged) {
			return TransitionResult{}, domain.ConflictError{Reason: "task changed concurrently", CurrentStatus: from}
		}
		return TransitionResult{}, err
	}
	e.Audit.Record(ctx, tx, audit.Entry{
		Action:     events.ActionStatusChange,
		EntityType: events.EntityTask,
		EntityID:   t.ID,
		Actor:      opts.Actor,
		Before:     before,
		After:      audit.Snapshot(t),
		Task:       &t,
		Meta:       map[string]any{"from": from, "to": opts.Target},
	})
	if res.AutoReleased {
		e.Claims.RecordAutoRelease(ctx, tx, t, opts.Actor, holder, opts.Target)
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	res.Task = t
	res.Transitioned = true
	return res, nil
}

// applyBoxEffects moves the task's box along with automotive handoffs and
// logs the weighed fill.
func (e Engine) applyBoxEffects(ctx context.Context, tx *sql.Tx, t domain.Task, opts TransitionOptions, now time.Time) error {
	if t.Workflow != domain.WorkflowAutomotive || t.BoxID == nil {
		return nil
	}
	boxID := *t.BoxID
	var location string
	switch opts.Target {
	case domain.StatusPickedUp:
		location = domain.BoxInTransit
	case domain.StatusDroppedOff:
		location = domain.BoxWarehouse
	case domain.StatusDisposed:
		location = domain.BoxAtDisposal
	case domain.StatusWeighed:
		if opts.WeightKg == nil {
			return nil
		}
		if err := e.Repo.InsertFillHistory(ctx, tx, boxID, t.ID, *opts.WeightKg, now); err != nil {
			return fmt.Errorf("record fill history: %w", err)
		}
		return nil
	default:
		return nil
	}
	err := e.Repo.MoveBox(ctx, tx, boxID, location, nil, now)
	if errors.Is(err, repo.ErrNotFound) {
		e.logf("engine: task %s references unknown box %s", t.ID, boxID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("move box %s: %w", boxID, err)
	}
	return nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// TaskEvents lists a task's audit trail, newest first.
func (e Engine) TaskEvents(ctx context.Context, taskID string, limit int, cursor int64) ([]domain.TaskEvent, error) {
	if _, err := e.Repo.GetTask(ctx, nil, taskID); err != nil {
		return nil, err
	}
	return e.Audit.List(ctx, repo.EventFilters{EntityType: events.EntityTask, EntityID: taskID, Limit: limit, Cursor: cursor})
}
