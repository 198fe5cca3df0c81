package audit_test

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"dispoline/internal/audit"
	"dispoline/internal/db"
	"dispoline/internal/domain"
	"dispoline/internal/engine/auth"
	"dispoline/internal/events"
	"dispoline/internal/migrate"
	"dispoline/internal/repo"
)

func newRecorder(t *testing.T, logger *log.Logger) (audit.Recorder, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := func() time.Time { return time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn}
	return audit.Recorder{Repo: r, Events: events.Writer{Now: clock}, Auth: auth.Service{Repo: r, Now: clock}, Logger: logger}, r
}

func TestDiffKeepsChangedFields(t *testing.T) {
	before := map[string]any{"status": "OPEN", "title": "Box", "claimed_by": "a"}
	after := map[string]any{"status": "PICKED_UP", "title": "Box", "picked_up_at": "2024-01-01T08:00:00Z"}
	b, a := audit.Diff(before, after)
	if _, ok := b["title"]; ok {
		t.Fatalf("unchanged field kept: %v", b)
	}
	if b["status"] != "OPEN" || a["status"] != "PICKED_UP" {
		t.Fatalf("status diff wrong: %v %v", b, a)
	}
	if v, ok := a["claimed_by"]; !ok || v != nil {
		t.Fatalf("removed field should be nil in after: %v", a)
	}
	if v, ok := b["picked_up_at"]; !ok || v != nil {
		t.Fatalf("added field should be nil in before: %v", b)
	}

	b, a = audit.Diff(nil, after)
	if b != nil || len(a) != len(after) {
		t.Fatalf("creation should keep full after: %v %v", b, a)
	}
}

func TestRecordAddsLocationContext(t *testing.T) {
	rec, r := newRecorder(t, nil)
	ctx := context.Background()
	if err := r.UpsertHall(ctx, nil, "hall-1", "Hall 1"); err != nil {
		t.Fatalf("hall: %v", err)
	}
	if err := r.UpsertStation(ctx, nil, "station-1", "hall-1", "Paint"); err != nil {
		t.Fatalf("station: %v", err)
	}
	if err := r.UpsertStand(ctx, nil, domain.Stand{ID: "stand-1", StationID: "station-1", Name: "Stand A"}); err != nil {
		t.Fatalf("stand: %v", err)
	}
	if err := r.UpsertActor(ctx, nil, domain.Actor{ID: "lead", Role: "admin", Department: "logistics"}, time.Now()); err != nil {
		t.Fatalf("actor: %v", err)
	}
	stand, box := "stand-1", "box-1"
	task := domain.Task{ID: "task-1", StandID: &stand, BoxID: &box}
	rec.Record(ctx, nil, audit.Entry{
		Action:     events.ActionCreate,
		EntityType: events.EntityTask,
		EntityID:   "task-1",
		Actor:      domain.Actor{ID: "lead"},
		After:      map[string]any{"status": "OPEN"},
		Task:       &task,
		Meta:       map[string]any{"source": "manual"},
	})
	evts, err := rec.List(ctx, repo.EventFilters{EntityID: "task-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one event, got %d", len(evts))
	}
	e := evts[0]
	if e.ActorRole != "admin" || e.ActorDepartment != "logistics" {
		t.Fatalf("actor not resolved: %+v", e)
	}
	loc, ok := e.Meta["location"].(map[string]any)
	if !ok || loc["hall_name"] != "Hall 1" || loc["station_name"] != "Paint" {
		t.Fatalf("unexpected location meta: %v", e.Meta)
	}
	if e.Meta["box_id"] != "box-1" || e.Meta["source"] != "manual" {
		t.Fatalf("unexpected meta: %v", e.Meta)
	}
}

func TestRecordFailureIsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	rec, r := newRecorder(t, log.New(&buf, "", 0))
	ctx := context.Background()
	if _, err := r.DB.Exec(`DROP TABLE task_events`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	tx, err := r.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, "worker", time.Now()); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	rec.Record(ctx, tx, audit.Entry{Action: events.ActionClaim, EntityType: events.EntityTask, EntityID: "task-1", Actor: domain.Actor{ID: "worker"}})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit after failed audit: %v", err)
	}
	if _, err := r.GetActor(ctx, nil, "worker"); err != nil {
		t.Fatalf("primary write lost: %v", err)
	}
	if !strings.Contains(buf.String(), "dropped") {
		t.Fatalf("expected a logged audit failure, got %q", buf.String())
	}
}
