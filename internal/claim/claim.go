// Package claim implements the soft lease that gives one actor ownership of
// a task. A lease older than the TTL is treated as free.
package claim

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dispoline/internal/audit"
	"dispoline/internal/domain"
	"dispoline/internal/engine/auth"
	"dispoline/internal/events"
	"dispoline/internal/lifecycle"
	"dispoline/internal/repo"
)

const DefaultTTL = 30 * time.Minute

type Manager struct {
	Repo  repo.Repo
	Audit audit.Recorder
	Auth  auth.Service
	TTL   time.Duration
	Now   func() time.Time
}

// Result is returned by Claim.
type Result struct {
	Task                domain.Task `json:"task"`
	Claimed             bool        `json:"claimed"`
	ExpiresAt           *time.Time  `json:"expires_at,omitempty"`
	AutoReleasedExpired bool        `json:"auto_released_expired"`
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m Manager) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return DefaultTTL
}

// IsExpired reports whether a lease taken at claimedAt has lapsed. A missing
// timestamp counts as expired.
func (m Manager) IsExpired(claimedAt *time.Time) bool {
	if claimedAt == nil {
		return true
	}
	return m.now().After(claimedAt.Add(m.ttl()))
}

func (m Manager) ExpiresAt(claimedAt *time.Time) *time.Time {
	if claimedAt == nil {
		return nil
	}
	exp := claimedAt.Add(m.ttl())
	return &exp
}

// HeldByOther reports whether someone other than actorID holds a live lease.
func (m Manager) HeldByOther(t domain.Task, actorID string) bool {
	return t.ClaimedBy != nil && *t.ClaimedBy != actorID && !m.IsExpired(t.ClaimedAt)
}

// Conflict describes the live lease that blocks actor-facing operations.
func (m Manager) Conflict(t domain.Task) domain.ConflictError {
	holder := ""
	if t.ClaimedBy != nil {
		holder = *t.ClaimedBy
	}
	return domain.ConflictError{
		Reason:    "task is claimed by another actor",
		ClaimedBy: holder,
		ClaimedAt: t.ClaimedAt,
		ExpiresAt: m.ExpiresAt(t.ClaimedAt),
	}
}

func terminalConflict(t domain.Task) domain.ConflictError {
	return domain.ConflictError{Reason: "task is in a terminal status", CurrentStatus: t.Status}
}

// Claim takes the lease on a task for actor.
func (m Manager) Claim(ctx context.Context, taskID string, actor domain.Actor) (Result, error) {
	if actor.ID == "" {
		return Result{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	tx, err := m.Repo.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	t, err := m.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return Result{}, err
	}
	res, err := m.ClaimTx(ctx, tx, t, actor, false)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// ClaimTx claims t inside tx. With auto set the claim is recorded as
// AUTO_CLAIM, as done implicitly by a transition.
func (m Manager) ClaimTx(ctx context.Context, tx *sql.Tx, t domain.Task, actor domain.Actor, auto bool) (Result, error) {
	if lifecycle.IsTerminal(t.Workflow, t.Status) {
		return Result{}, terminalConflict(t)
	}
	if m.HeldByOther(t, actor.ID) {
		return Result{}, m.Conflict(t)
	}
	before := audit.Snapshot(t)
	renewal := t.ClaimedBy != nil && *t.ClaimedBy == actor.ID
	var expiredHolder string
	if t.ClaimedBy != nil && !renewal {
		expiredHolder = *t.ClaimedBy
	}
	now := m.now()
	won, err := m.Repo.ClaimTask(ctx, tx, t.ID, actor.ID, now, now.Add(-m.ttl()))
	if err != nil {
		return Result{}, err
	}
	if !won {
		current, err := m.Repo.GetTask(ctx, tx, t.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{}, m.Conflict(current)
	}
	updated, err := m.Repo.GetTask(ctx, tx, t.ID)
	if err != nil {
		return Result{}, err
	}
	if expiredHolder != "" {
		m.Audit.Record(ctx, tx, audit.Entry{
			Action:     events.ActionAutoReleaseExpired,
			EntityType: events.EntityTask,
			EntityID:   t.ID,
			Actor:      actor,
			Before:     map[string]any{"claimed_by": expiredHolder, "claimed_at": before["claimed_at"]},
			After:      map[string]any{"claimed_by": nil, "claimed_at": nil},
			Task:       &updated,
			Meta:       map[string]any{"expired_holder": expiredHolder},
		})
	}
	action := events.ActionClaim
	if auto {
		action = events.ActionAutoClaim
	}
	meta := map[string]any{}
	if renewal {
		meta["renewed"] = true
	}
	m.Audit.Record(ctx, tx, audit.Entry{
		Action:     action,
		EntityType: events.EntityTask,
		EntityID:   t.ID,
		Actor:      actor,
		Before:     before,
		After:      audit.Snapshot(updated),
		Task:       &updated,
		Meta:       meta,
	})
	return Result{
		Task:                updated,
		Claimed:             true,
		ExpiresAt:           m.ExpiresAt(updated.ClaimedAt),
		AutoReleasedExpired: expiredHolder != "",
	}, nil
}

// mayRelease lets the live holder or an administrator release t, and anyone
// once the lease has lapsed.
func (m Manager) mayRelease(ctx context.Context, tx *sql.Tx, t domain.Task, actor domain.Actor) error {
	if !m.HeldByOther(t, actor.ID) {
		return nil
	}
	admin, err := m.Auth.IsAdmin(ctx, tx, actor)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	return domain.ForbiddenError{Reason: "only the lease holder or an administrator may do this"}
}

// mayHandOver requires a live lease held by actor, or an administrator. An
// unclaimed or lapsed task has no holder to pass it on.
func (m Manager) mayHandOver(ctx context.Context, tx *sql.Tx, t domain.Task, actor domain.Actor) error {
	if t.ClaimedBy != nil && *t.ClaimedBy == actor.ID && !m.IsExpired(t.ClaimedAt) {
		return nil
	}
	admin, err := m.Auth.IsAdmin(ctx, tx, actor)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	return domain.ForbiddenError{Reason: "only the lease holder or an administrator may hand over this task"}
}

// Release returns the lease to the pool. Releasing an unclaimed task is a
// no-op.
func (m Manager) Release(ctx context.Context, taskID string, actor domain.Actor) (domain.Task, error) {
	if actor.ID == "" {
		return domain.Task{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	tx, err := m.Repo.Begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := m.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.ClaimedBy == nil {
		return t, nil
	}
	if err := m.mayRelease(ctx, tx, t, actor); err != nil {
		return domain.Task{}, err
	}
	before := audit.Snapshot(t)
	expired := m.IsExpired(t.ClaimedAt)
	if err := m.Repo.ReleaseTask(ctx, tx, t.ID, m.now()); err != nil {
		return domain.Task{}, err
	}
	updated, err := m.Repo.GetTask(ctx, tx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	m.Audit.Record(ctx, tx, audit.Entry{
		Action:     events.ActionRelease,
		EntityType: events.EntityTask,
		EntityID:   t.ID,
		Actor:      actor,
		Before:     before,
		After:      audit.Snapshot(updated),
		Task:       &updated,
		Meta:       map[string]any{"expired": expired},
	})
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// RecordAutoRelease writes the AUTO_RELEASE event for a lease cleared by a
// transition into a handoff status.
func (m Manager) RecordAutoRelease(ctx context.Context, tx *sql.Tx, t domain.Task, actor domain.Actor, holder string, status domain.Status) {
	m.Audit.Record(ctx, tx, audit.Entry{
		Action:     events.ActionAutoRelease,
		EntityType: events.EntityTask,
		EntityID:   t.ID,
		Actor:      actor,
		Before:     map[string]any{"claimed_by": holder},
		After:      map[string]any{"claimed_by": nil},
		Task:       &t,
		Meta:       map[string]any{"status": status},
	})
}

// Handover moves the lease and the assignment to another actor.
func (m Manager) Handover(ctx context.Context, taskID string, actor domain.Actor, to string) (domain.Task, error) {
	if actor.ID == "" {
		return domain.Task{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if to == "" {
		return domain.Task{}, domain.ValidationError{Field: "to_actor_id", Reason: "required"}
	}
	tx, err := m.Repo.Begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := m.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if lifecycle.IsTerminal(t.Workflow, t.Status) {
		return domain.Task{}, terminalConflict(t)
	}
	if err := m.mayHandOver(ctx, tx, t, actor); err != nil {
		return domain.Task{}, err
	}
	if err := m.Auth.EnsureActor(ctx, tx, to); err != nil {
		return domain.Task{}, err
	}
	before := audit.Snapshot(t)
	now := m.now()
	t.ClaimedBy = &to
	t.ClaimedAt = &now
	t.AssignedTo = &to
	t.UpdatedAt = now
	if err := m.Repo.UpdateTask(ctx, tx, t, t.Status); err != nil {
		if errors.Is(err, repo.ErrStatusChanged) {
			return domain.Task{}, domain.ConflictError{Reason: "task changed during handover", CurrentStatus: t.Status}
		}
		return domain.Task{}, err
	}
	m.Audit.Record(ctx, tx, audit.Entry{
		Action:     events.ActionHandover,
		EntityType: events.EntityTask,
		EntityID:   t.ID,
		Actor:      actor,
		Before:     before,
		After:      audit.Snapshot(t),
		Task:       &t,
		Meta:       map[string]any{"to_actor_id": to},
	})
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
