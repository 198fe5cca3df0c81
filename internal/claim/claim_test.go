package claim_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dispoline/internal/audit"
	"dispoline/internal/claim"
	"dispoline/internal/db"
	"dispoline/internal/domain"
	"dispoline/internal/engine/auth"
	"dispoline/internal/events"
	"dispoline/internal/migrate"
	"dispoline/internal/repo"
)

type testEnv struct {
	Claims claim.Manager
	Repo   repo.Repo
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
	clock := func() time.Time { return now }
	r := repo.Repo{DB: conn}
	authSvc := auth.Service{Repo: r, Now: clock}
	env := testEnv{
		Claims: claim.Manager{
			Repo:  r,
			Audit: audit.Recorder{Repo: r, Events: events.Writer{Now: clock}, Auth: authSvc},
			Auth:  authSvc,
			TTL:   claim.DefaultTTL,
			Now:   clock,
		},
		Repo: r,
		Ctx:  context.Background(),
		now:  &now,
	}
	return env
}

func (e testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func seedTask(t *testing.T, env testEnv, status domain.Status) domain.Task {
	t.Helper()
	task := domain.Task{
		ID:        "task-" + string(status),
		Workflow:  domain.WorkflowAutomotive,
		Status:    status,
		Title:     "Pick up box",
		CreatedAt: *env.now,
		UpdatedAt: *env.now,
	}
	if err := env.Repo.InsertTask(env.Ctx, nil, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func actions(t *testing.T, env testEnv, taskID string) []string {
	t.Helper()
	evts, err := env.Repo.ListEvents(env.Ctx, repo.EventFilters{EntityType: events.EntityTask, EntityID: taskID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	out := make([]string, len(evts))
	for i, e := range evts {
		// ListEvents is newest first.
		out[len(evts)-1-i] = e.Action
	}
	return out
}

func TestIsExpiredBoundary(t *testing.T) {
	env := newTestEnv(t)
	at := env.now.Add(-29 * time.Minute)
	if env.Claims.IsExpired(&at) {
		t.Fatalf("29 minutes old lease must be live")
	}
	at = env.now.Add(-31 * time.Minute)
	if !env.Claims.IsExpired(&at) {
		t.Fatalf("31 minutes old lease must be expired")
	}
	if !env.Claims.IsExpired(nil) {
		t.Fatalf("missing claimed_at counts as expired")
	}
}

func TestClaimReleaseClaim(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, domain.StatusOpen)
	res, err := env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: "A"})
	if err != nil {
		t.Fatalf("claim A: %v", err)
	}
	if !res.Claimed || res.Task.ClaimedBy == nil || *res.Task.ClaimedBy != "A" {
		t.Fatalf("unexpected claim result %+v", res)
	}
	if res.ExpiresAt == nil || !res.ExpiresAt.Equal(env.now.Add(30*time.Minute)) {
		t.Fatalf("expires at %v", res.ExpiresAt)
	}

	_, err = env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: "B"})
	var ce domain.ConflictError
	if !errors.As(err, &ce) || ce.ClaimedBy != "A" || ce.ExpiresAt == nil {
		t.Fatalf("expected conflict naming A, got %v", err)
	}

	released, err := env.Claims.Release(env.Ctx, task.ID, domain.Actor{ID: "A"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.ClaimedBy != nil || released.ClaimedAt != nil {
		t.Fatalf("lease not cleared: %+v", released)
	}
	res, err = env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: "B"})
	if err != nil {
		t.Fatalf("claim B: %v", err)
	}
	if *res.Task.ClaimedBy != "B" || res.AutoReleasedExpired {
		t.Fatalf("unexpected result %+v", res)
	}
	got := actions(t, env, task.ID)
	want := []string{events.ActionClaim, events.ActionRelease, events.ActionClaim}
	if len(got) != len(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events %v, want %v", got, want)
		}
	}
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, domain.StatusOpen)
	if _, err := env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: "A"}); err != nil {
		t.Fatal(err)
	}
	env.advance(31 * time.Minute)
	res, err := env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: "B"})
	if err != nil {
		t.Fatalf("claim over expired lease: %v", err)
	}
	if !res.AutoReleasedExpired || *res.Task.ClaimedBy != "B" {
		t.Fatalf("unexpected result %+v", res)
	}
	got := actions(t, env, task.ID)
	if len(got) != 3 || got[1] != events.ActionAutoReleaseExpired || got[2] != events.ActionClaim {
		t.Fatalf("events %v", got)
	}
}

func TestReleaseRequiresHolderOrAdmin(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, domain.StatusOpen)
	if _, err := env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: "A"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Claims.Release(env.Ctx, task.ID, domain.Actor{ID: "B"})
	var fe domain.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := env.Repo.UpsertActor(env.Ctx, nil, domain.Actor{ID: "boss", Role: domain.RoleAdmin}, *env.now); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Claims.Release(env.Ctx, task.ID, domain.Actor{ID: "boss"}); err != nil {
		t.Fatalf("admin release: %v", err)
	}
}

func TestClaimRejectsTerminalTask(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, domain.StatusDisposed)
	_, err := env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: "A"})
	var ce domain.ConflictError
	if !errors.As(err, &ce) || ce.CurrentStatus != domain.StatusDisposed {
		t.Fatalf("expected terminal conflict, got %v", err)
	}
}

func TestHandover(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, domain.StatusOpen)
	if _, err := env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: "A"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Claims.Handover(env.Ctx, task.ID, domain.Actor{ID: "C"}, "B"); err == nil {
		t.Fatalf("non-holder handover must fail")
	}
	got, err := env.Claims.Handover(env.Ctx, task.ID, domain.Actor{ID: "A"}, "B")
	if err != nil {
		t.Fatalf("handover: %v", err)
	}
	if *got.ClaimedBy != "B" || *got.AssignedTo != "B" {
		t.Fatalf("handover result %+v", got)
	}
	stored, err := env.Repo.GetTask(env.Ctx, nil, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ClaimedBy == nil || *stored.ClaimedBy != "B" {
		t.Fatalf("stored holder %v", stored.ClaimedBy)
	}
}

func TestHandoverUnclaimedRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	assignee := "X"
	task := domain.Task{
		ID:         "task-assigned",
		Workflow:   domain.WorkflowLogistics,
		Status:     domain.StatusAssigned,
		Title:      "Deliver pallets",
		AssignedTo: &assignee,
		CreatedAt:  *env.now,
		UpdatedAt:  *env.now,
	}
	if err := env.Repo.InsertTask(env.Ctx, nil, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	_, err := env.Claims.Handover(env.Ctx, task.ID, domain.Actor{ID: "C"}, "C")
	var fe domain.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for unclaimed handover, got %v", err)
	}
	stored, err := env.Repo.GetTask(env.Ctx, nil, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AssignedTo == nil || *stored.AssignedTo != "X" || stored.ClaimedBy != nil {
		t.Fatalf("task changed by rejected handover: %+v", stored)
	}

	if err := env.Repo.UpsertActor(env.Ctx, nil, domain.Actor{ID: "boss", Role: domain.RoleAdmin}, *env.now); err != nil {
		t.Fatal(err)
	}
	got, err := env.Claims.Handover(env.Ctx, task.ID, domain.Actor{ID: "boss"}, "C")
	if err != nil {
		t.Fatalf("admin handover: %v", err)
	}
	if *got.AssignedTo != "C" || *got.ClaimedBy != "C" {
		t.Fatalf("admin handover result %+v", got)
	}
}

func TestHandoverAfterLeaseLapsedRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, domain.StatusOpen)
	if _, err := env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: "A"}); err != nil {
		t.Fatal(err)
	}
	env.advance(31 * time.Minute)
	var fe domain.ForbiddenError
	if _, err := env.Claims.Handover(env.Ctx, task.ID, domain.Actor{ID: "C"}, "C"); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for stranger, got %v", err)
	}
	if _, err := env.Claims.Handover(env.Ctx, task.ID, domain.Actor{ID: "A"}, "B"); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for lapsed holder, got %v", err)
	}
	// Releasing a lapsed lease stays open to anyone.
	if _, err := env.Claims.Release(env.Ctx, task.ID, domain.Actor{ID: "C"}); err != nil {
		t.Fatalf("release of lapsed lease: %v", err)
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, domain.StatusOpen)
	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: fmt.Sprintf("driver-%d", i)})
		}(i)
	}
	wg.Wait()

	stored, err := env.Repo.GetTask(env.Ctx, nil, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ClaimedBy == nil {
		t.Fatalf("no holder after concurrent claims")
	}
	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			if want := fmt.Sprintf("driver-%d", i); *stored.ClaimedBy != want {
				t.Fatalf("stored holder %s, winner %s", *stored.ClaimedBy, want)
			}
			continue
		}
		var ce domain.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("claim %d: expected conflict, got %v", i, err)
		}
		if ce.ClaimedBy != *stored.ClaimedBy {
			t.Fatalf("conflict names %q, holder is %q", ce.ClaimedBy, *stored.ClaimedBy)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestClaimTxLosesToStoredLease(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, domain.StatusOpen)
	stale, err := env.Repo.GetTask(env.Ctx, nil, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Claims.Claim(env.Ctx, task.ID, domain.Actor{ID: "A"}); err != nil {
		t.Fatal(err)
	}

	tx, err := env.Repo.Begin(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	// stale still shows the task as free, so only the store update can refuse.
	_, err = env.Claims.ClaimTx(env.Ctx, tx, stale, domain.Actor{ID: "B"}, false)
	var ce domain.ConflictError
	if !errors.As(err, &ce) || ce.ClaimedBy != "A" {
		t.Fatalf("expected conflict naming A, got %v", err)
	}
}

func TestRepoClaimTaskRespectsLiveLease(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, domain.StatusOpen)
	now := *env.now
	cutoff := now.Add(-claim.DefaultTTL)

	won, err := env.Repo.ClaimTask(env.Ctx, nil, task.ID, "A", now, cutoff)
	if err != nil || !won {
		t.Fatalf("first claim won=%v err=%v", won, err)
	}
	won, err = env.Repo.ClaimTask(env.Ctx, nil, task.ID, "B", now.Add(time.Minute), cutoff.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Fatalf("B must not win over a live lease")
	}
	won, err = env.Repo.ClaimTask(env.Ctx, nil, task.ID, "A", now.Add(time.Minute), cutoff.Add(time.Minute))
	if err != nil || !won {
		t.Fatalf("holder renewal won=%v err=%v", won, err)
	}
	later := now.Add(time.Hour)
	won, err = env.Repo.ClaimTask(env.Ctx, nil, task.ID, "B", later, later.Add(-claim.DefaultTTL))
	if err != nil || !won {
		t.Fatalf("claim over lapsed lease won=%v err=%v", won, err)
	}
	stored, err := env.Repo.GetTask(env.Ctx, nil, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *stored.ClaimedBy != "B" {
		t.Fatalf("holder %s", *stored.ClaimedBy)
	}
}
