package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"dispoline/internal/domain"
)

type EventFilters struct {
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	// Cursor returns events with a smaller id (newest first paging).
	Cursor int64
	Limit  int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.TaskEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM task_events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

const eventColumns = `id,ts,action,entity_type,entity_id,actor_id,actor_role,actor_department,before_json,after_json,meta_json`

// EventsAfter returns up to limit events with an id above afterID, oldest
// first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM task_events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM task_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanEvents(rows *sql.Rows) ([]domain.TaskEvent, error) {
	var res []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		var ts string
		var role, dept, before, after, meta sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.EntityType, &e.EntityID, &e.ActorID, &role, &dept, &before, &after, &meta); err != nil {
			return nil, err
		}
		var err error
		if e.TS, err = ParseTime(ts); err != nil {
			return nil, err
		}
		e.ActorRole = role.String
		e.ActorDepartment = dept.String
		for _, p := range []struct {
			src sql.NullString
			dst *map[string]any
		}{{before, &e.Before}, {after, &e.After}, {meta, &e.Meta}} {
			if !p.src.Valid || p.src.String == "" {
				continue
			}
			if err := json.Unmarshal([]byte(p.src.String), p.dst); err != nil {
				return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
