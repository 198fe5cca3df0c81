package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispoline/internal/config"
	"dispoline/internal/db"
	"dispoline/internal/domain"
	"dispoline/internal/engine"
	"dispoline/internal/events"
	"dispoline/internal/migrate"
	"dispoline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return now }
	eng = eng.Wire()
	return testEnv{Engine: eng, Ctx: context.Background(), now: &now}
}

func (e testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

var driver = domain.Actor{ID: "driver-1"}

func seedTask(t *testing.T, env testEnv, id string, w domain.Workflow, status domain.Status) domain.Task {
	t.Helper()
	task := domain.Task{
		ID:        id,
		Workflow:  w,
		Status:    status,
		Title:     "Move box",
		CreatedAt: *env.now,
		UpdatedAt: *env.now,
	}
	if err := env.Engine.Repo.InsertTask(env.Ctx, nil, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func seedBoxTask(t *testing.T, env testEnv) domain.Task {
	t.Helper()
	ctx := env.Ctx
	r := env.Engine.Repo
	if err := r.UpsertHall(ctx, nil, "hall-1", "Hall 1"); err != nil {
		t.Fatalf("hall: %v", err)
	}
	if err := r.UpsertStation(ctx, nil, "station-1", "hall-1", "Paint"); err != nil {
		t.Fatalf("station: %v", err)
	}
	if err := r.UpsertStand(ctx, nil, domain.Stand{ID: "stand-1", StationID: "station-1", Name: "Stand A"}); err != nil {
		t.Fatalf("stand: %v", err)
	}
	standID := "stand-1"
	if err := r.UpsertBox(ctx, nil, domain.Box{ID: "box-1", StandID: &standID, Location: domain.BoxAtStand, UpdatedAt: *env.now}); err != nil {
		t.Fatalf("box: %v", err)
	}
	boxID := "box-1"
	task := domain.Task{
		ID:        "task-box",
		Workflow:  domain.WorkflowAutomotive,
		Status:    domain.StatusOpen,
		Title:     "Pick up box-1",
		StandID:   &standID,
		BoxID:     &boxID,
		CreatedAt: *env.now,
		UpdatedAt: *env.now,
	}
	if err := r.InsertTask(ctx, nil, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func actions(t *testing.T, env testEnv, taskID string) []string {
	t.Helper()
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{EntityType: events.EntityTask, EntityID: taskID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	out := make([]string, len(evts))
	for i, e := range evts {
		out[len(evts)-1-i] = e.Action
	}
	return out
}

func transition(t *testing.T, env testEnv, id string, actor domain.Actor, target domain.Status) engine.TransitionResult {
	t.Helper()
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: id, Actor: actor, Target: target})
	if err != nil {
		t.Fatalf("transition %s -> %s: %v", id, target, err)
	}
	return res
}

func equalActions(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestTransitionAutoClaimsBeforeStatusChange(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowAutomotive, domain.StatusOpen)

	res := transition(t, env, "task-1", driver, domain.StatusPickedUp)
	if !res.AutoClaimed || res.FromStatus != domain.StatusOpen || res.ToStatus != domain.StatusPickedUp {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Task.ClaimedBy == nil || *res.Task.ClaimedBy != driver.ID {
		t.Fatalf("expected lease for driver, got %v", res.Task.ClaimedBy)
	}
	if res.Task.PickedUpAt == nil {
		t.Fatalf("expected picked_up_at stamp")
	}
	got := actions(t, env, "task-1")
	if !equalActions(got, events.ActionAutoClaim, events.ActionStatusChange) {
		t.Fatalf("unexpected events: %v", got)
	}

	// holder keeps going without a second claim
	res = transition(t, env, "task-1", driver, domain.StatusInTransit)
	if res.AutoClaimed {
		t.Fatalf("live holder should not auto-claim")
	}
}

func TestInvalidTransitionChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowAutomotive, domain.StatusOpen)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "task-1", Actor: driver, Target: domain.StatusWeighed})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.CurrentStatus != domain.StatusOpen || len(conflict.Allowed) != 2 {
		t.Fatalf("unexpected conflict detail: %+v", conflict)
	}
	task, err := env.Engine.GetTask(env.Ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != domain.StatusOpen || task.ClaimedBy != nil {
		t.Fatalf("task mutated: %+v", task)
	}
	if got := actions(t, env, "task-1"); len(got) != 0 {
		t.Fatalf("expected no events, got %v", got)
	}
}

func TestTransitionUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowAutomotive, domain.StatusOpen)

	// DELIVERED belongs to the logistics machine only
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "task-1", Actor: driver, Target: domain.StatusDelivered})
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "missing", Actor: driver, Target: domain.StatusPickedUp})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionBlockedByOtherLease(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowAutomotive, domain.StatusOpen)
	if _, err := env.Engine.Claims.Claim(env.Ctx, "task-1", domain.Actor{ID: "driver-2"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "task-1", Actor: driver, Target: domain.StatusPickedUp})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) || conflict.ClaimedBy != "driver-2" || conflict.ExpiresAt == nil {
		t.Fatalf("expected lease conflict, got %v", err)
	}

	// after the lease lapses the transition takes over
	env.advance(31 * time.Minute)
	res := transition(t, env, "task-1", driver, domain.StatusPickedUp)
	if !res.AutoClaimed {
		t.Fatalf("expected auto claim after expiry")
	}
	got := actions(t, env, "task-1")
	if !equalActions(got, events.ActionClaim, events.ActionAutoReleaseExpired, events.ActionAutoClaim, events.ActionStatusChange) {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestDropOffReleasesLeaseAndMovesBox(t *testing.T) {
	env := newTestEnv(t)
	seedBoxTask(t, env)

	transition(t, env, "task-box", driver, domain.StatusPickedUp)
	box, err := env.Engine.Repo.GetBox(env.Ctx, nil, "box-1")
	if err != nil {
		t.Fatalf("get box: %v", err)
	}
	if box.Location != domain.BoxInTransit {
		t.Fatalf("expected box in transit, got %s", box.Location)
	}
	transition(t, env, "task-box", driver, domain.StatusInTransit)
	res := transition(t, env, "task-box", driver, domain.StatusDroppedOff)
	if !res.AutoReleased || res.Task.ClaimedBy != nil || res.Task.ClaimedAt != nil {
		t.Fatalf("expected lease released: %+v", res)
	}
	box, err = env.Engine.Repo.GetBox(env.Ctx, nil, "box-1")
	if err != nil {
		t.Fatalf("get box: %v", err)
	}
	if box.Location != domain.BoxWarehouse {
		t.Fatalf("expected box in warehouse, got %s", box.Location)
	}
	got := actions(t, env, "task-box")
	if got[len(got)-2] != events.ActionStatusChange || got[len(got)-1] != events.ActionAutoRelease {
		t.Fatalf("expected STATUS_CHANGE then AUTO_RELEASE, got %v", got)
	}

	// the warehouse crew picks it up from the pool
	res = transition(t, env, "task-box", domain.Actor{ID: "warehouse-1"}, domain.StatusTakenOver)
	if !res.AutoClaimed || *res.Task.ClaimedBy != "warehouse-1" {
		t.Fatalf("expected warehouse to auto-claim: %+v", res)
	}
}

func TestWeighedRecordsFillHistory(t *testing.T) {
	env := newTestEnv(t)
	seedBoxTask(t, env)
	for _, s := range []domain.Status{domain.StatusPickedUp, domain.StatusInTransit, domain.StatusDroppedOff, domain.StatusTakenOver} {
		transition(t, env, "task-box", driver, s)
	}
	weight := 412.5
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "task-box", Actor: driver, Target: domain.StatusWeighed, WeightKg: &weight})
	if err != nil {
		t.Fatalf("weigh: %v", err)
	}
	if res.Task.WeightKg == nil || *res.Task.WeightKg != weight {
		t.Fatalf("expected weight on task, got %v", res.Task.WeightKg)
	}
	hist, err := env.Engine.Repo.ListFillHistory(env.Ctx, "box-1")
	if err != nil {
		t.Fatalf("fill history: %v", err)
	}
	if len(hist) != 1 || hist[0].WeightKg != weight || hist[0].TaskID != "task-box" {
		t.Fatalf("unexpected fill history: %+v", hist)
	}

	res = transition(t, env, "task-box", driver, domain.StatusDisposed)
	if res.Task.ClaimedBy != nil {
		t.Fatalf("terminal status should clear the lease")
	}
	box, err := env.Engine.Repo.GetBox(env.Ctx, nil, "box-1")
	if err != nil {
		t.Fatalf("get box: %v", err)
	}
	if box.Location != domain.BoxAtDisposal || box.StandID != nil {
		t.Fatalf("unexpected box after disposal: %+v", box)
	}
}

func TestNegativeWeightRejected(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowAutomotive, domain.StatusTakenOver)
	weight := -1.0
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "task-1", Actor: driver, Target: domain.StatusWeighed, WeightKg: &weight})
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "weight_kg" {
		t.Fatalf("expected weight validation error, got %v", err)
	}
}

func TestLogisticsAssignment(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowLogistics, domain.StatusOffen)
	dispatcher := domain.Actor{ID: "dispatcher"}

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "task-1", Actor: dispatcher, Target: domain.StatusAssigned})
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "assign_to" {
		t.Fatalf("expected assign_to validation error, got %v", err)
	}
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "task-1", Actor: dispatcher, Target: domain.StatusAssigned, AssignTo: "driver-1"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.Task.AssignedTo == nil || *res.Task.AssignedTo != "driver-1" || res.Task.AssignedAt == nil {
		t.Fatalf("expected assignment, got %+v", res.Task)
	}
	res = transition(t, env, "task-1", dispatcher, domain.StatusOffen)
	if res.Task.AssignedTo != nil {
		t.Fatalf("returning to the pool should clear the assignee")
	}
	if res.Task.AssignedAt == nil {
		t.Fatalf("assigned_at is set once and kept")
	}
}

func TestLogisticsAcceptFromPoolAssignsActor(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowLogistics, domain.StatusOffen)
	res := transition(t, env, "task-1", driver, domain.StatusAccepted)
	if res.Task.AssignedTo == nil || *res.Task.AssignedTo != driver.ID {
		t.Fatalf("expected actor assigned, got %v", res.Task.AssignedTo)
	}
	res = transition(t, env, "task-1", driver, domain.StatusPickedUp)
	res = transition(t, env, "task-1", driver, domain.StatusDelivered)
	if !res.AutoReleased {
		t.Fatalf("DELIVERED should release the lease")
	}
}

func TestStampsSetOnce(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowLogistics, domain.StatusOffen)
	assign := func() domain.Task {
		res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "task-1", Actor: driver, Target: domain.StatusAssigned, AssignTo: "driver-2"})
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		return res.Task
	}
	first := assign()
	env.advance(5 * time.Minute)
	transition(t, env, "task-1", driver, domain.StatusOffen)
	env.advance(5 * time.Minute)
	second := assign()
	if !first.AssignedAt.Equal(*second.AssignedAt) {
		t.Fatalf("assigned_at moved from %v to %v", first.AssignedAt, second.AssignedAt)
	}
}

func TestCancelStoresReason(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowAutomotive, domain.StatusOpen)
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "task-1", Actor: driver, Target: domain.StatusCancelled, Reason: "stand closed"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Task.CancelReason == nil || *res.Task.CancelReason != "stand closed" || res.Task.CancelledAt == nil {
		t.Fatalf("unexpected cancelled task: %+v", res.Task)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{TaskID: "task-1", Actor: driver, Target: domain.StatusOpen})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) || len(conflict.Allowed) != 0 {
		t.Fatalf("expected terminal conflict, got %v", err)
	}
}

func TestAuditFailureDoesNotBlockTransition(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowAutomotive, domain.StatusOpen)
	if _, err := env.Engine.DB.Exec(`DROP TABLE task_events`); err != nil {
		t.Fatalf("drop events: %v", err)
	}
	res := transition(t, env, "task-1", driver, domain.StatusPickedUp)
	if res.Task.Status != domain.StatusPickedUp {
		t.Fatalf("expected transition to persist, got %s", res.Task.Status)
	}
	task, err := env.Engine.GetTask(env.Ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != domain.StatusPickedUp {
		t.Fatalf("stored status %s", task.Status)
	}
}

func TestTaskEvents(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", domain.WorkflowAutomotive, domain.StatusOpen)
	transition(t, env, "task-1", driver, domain.StatusPickedUp)
	evts, err := env.Engine.TaskEvents(env.Ctx, "task-1", 1, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].Action != events.ActionStatusChange {
		t.Fatalf("expected newest STATUS_CHANGE, got %+v", evts)
	}
	if evts[0].Meta["from"] != string(domain.StatusOpen) {
		t.Fatalf("unexpected meta: %v", evts[0].Meta)
	}
	if _, err := env.Engine.TaskEvents(env.Ctx, "missing", 10, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
