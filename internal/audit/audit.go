// Package audit appends the task event trail. Recording is best effort: a
// failed audit insert is logged and never fails the change it describes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"reflect"

	"dispoline/internal/domain"
	"dispoline/internal/engine/auth"
	"dispoline/internal/events"
	"dispoline/internal/repo"
)

type Recorder struct {
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Logger *log.Logger
}

// Entry describes one audited operation. Before and After are full
// snapshots; only changed fields are stored.
type Entry struct {
	Action     string
	EntityType string
	EntityID   string
	Actor      domain.Actor
	Before     map[string]any
	After      map[string]any
	// Task supplies stand, box and material context when set.
	Task *domain.Task
	Meta map[string]any
}

func (r Recorder) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Record appends the entry. With a nil tx it runs in its own transaction;
// otherwise it runs under a savepoint of tx so a failure is rolled back
// without touching the caller's writes.
func (r Recorder) Record(ctx context.Context, tx *sql.Tx, e Entry) {
	if tx == nil {
		own, err := r.Repo.Begin(ctx)
		if err != nil {
			r.logf("audit: begin %s %s/%s: %v", e.Action, e.EntityType, e.EntityID, err)
			return
		}
		defer own.Rollback()
		if err := r.append(ctx, own, e); err != nil {
			r.logf("audit: %s %s/%s dropped: %v", e.Action, e.EntityType, e.EntityID, err)
			return
		}
		if err := own.Commit(); err != nil {
			r.logf("audit: commit %s %s/%s: %v", e.Action, e.EntityType, e.EntityID, err)
		}
		return
	}
	if _, err := tx.ExecContext(ctx, `SAVEPOINT audit_entry`); err != nil {
		r.logf("audit: savepoint for %s %s/%s: %v", e.Action, e.EntityType, e.EntityID, err)
		return
	}
	if err := r.append(ctx, tx, e); err != nil {
		r.logf("audit: %s %s/%s dropped: %v", e.Action, e.EntityType, e.EntityID, err)
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT audit_entry`); rbErr != nil {
			r.logf("audit: rollback to savepoint: %v", rbErr)
		}
	}
	if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT audit_entry`); err != nil {
		r.logf("audit: release savepoint: %v", err)
	}
}

func (r Recorder) append(ctx context.Context, tx *sql.Tx, e Entry) error {
	actor, err := r.Auth.Resolve(ctx, tx, e.Actor)
	if err != nil {
		r.logf("audit: resolve actor %s: %v", e.Actor.ID, err)
		actor = e.Actor
	}
	before, after := Diff(e.Before, e.After)
	return r.Events.Append(ctx, tx, events.Event{
		Action:          e.Action,
		EntityType:      e.EntityType,
		EntityID:        e.EntityID,
		ActorID:         actor.ID,
		ActorRole:       actor.Role,
		ActorDepartment: actor.Department,
		Before:          before,
		After:           after,
		Meta:            r.meta(ctx, tx, e),
	})
}

func (r Recorder) meta(ctx context.Context, tx *sql.Tx, e Entry) events.Payload {
	meta := events.Payload{}
	if t := e.Task; t != nil {
		if t.StandID != nil && *t.StandID != "" {
			lc, err := r.Repo.GetLocationContext(ctx, tx, *t.StandID)
			if err != nil {
				lc = domain.LocationContext{StandID: *t.StandID}
			}
			meta["location"] = lc
		}
		if t.BoxID != nil {
			meta["box_id"] = *t.BoxID
		}
		if t.MaterialID != nil {
			meta["material_id"] = *t.MaterialID
		}
		if t.ScheduleID != nil {
			meta["schedule_id"] = *t.ScheduleID
		}
	}
	for k, v := range e.Meta {
		meta[k] = v
	}
	return meta
}

// Snapshot renders v as a generic JSON object for diffing.
func Snapshot(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Diff keeps only the fields whose values differ. A nil before (creation)
// keeps the full after snapshot.
func Diff(before, after map[string]any) (events.Payload, events.Payload) {
	if before == nil {
		return nil, events.Payload(after)
	}
	b := events.Payload{}
	a := events.Payload{}
	for k, v := range before {
		nv, ok := after[k]
		if !ok || !reflect.DeepEqual(v, nv) {
			b[k] = v
			if ok {
				a[k] = nv
			} else {
				a[k] = nil
			}
		}
	}
	for k, v := range after {
		if _, ok := before[k]; !ok {
			b[k] = nil
			a[k] = v
		}
	}
	return b, a
}

// List returns recorded events, newest first.
func (r Recorder) List(ctx context.Context, f repo.EventFilters) ([]domain.TaskEvent, error) {
	return r.Repo.ListEvents(ctx, f)
}
