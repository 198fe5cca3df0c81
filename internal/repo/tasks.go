package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"dispoline/internal/domain"
)

// stampColumns are the per-status timestamp columns in table order.
var stampColumns = []string{
	"assigned_at", "accepted_at", "picked_up_at", "in_transit_at", "delivered_at", "completed_at",
	"dropped_off_at", "taken_over_at", "weighed_at", "disposed_at", "cancelled_at",
}

var taskBaseColumns = []string{
	"id", "workflow", "status", "title", "description", "assigned_to", "claimed_by", "claimed_at",
	"dedup_key", "stand_id", "box_id", "material_id", "schedule_id", "scheduled_for", "cancel_reason", "weight_kg",
}

func taskColumnList(alias string) []string {
	cols := append(append(append([]string{}, taskBaseColumns...), stampColumns...), "created_at", "updated_at")
	if alias == "" {
		return cols
	}
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return out
}

func taskColumns(alias string) string {
	return strings.Join(taskColumnList(alias), ",")
}

func scanTask(row rowScanner, extra ...any) (domain.Task, error) {
	var t domain.Task
	var description, assignedTo, claimedBy, claimedAt, dedupKey, standID, boxID, materialID, scheduleID, scheduledFor, cancelReason sql.NullString
	var weight sql.NullFloat64
	var createdAt, updatedAt string
	stamps := make([]sql.NullString, len(stampColumns))
	dest := []any{&t.ID, &t.Workflow, &t.Status, &t.Title, &description, &assignedTo, &claimedBy, &claimedAt,
		&dedupKey, &standID, &boxID, &materialID, &scheduleID, &scheduledFor, &cancelReason, &weight}
	for i := range stamps {
		dest = append(dest, &stamps[i])
	}
	dest = append(dest, &createdAt, &updatedAt)
	dest = append(dest, extra...)
	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	t.AssignedTo = stringPtr(assignedTo)
	t.ClaimedBy = stringPtr(claimedBy)
	t.DedupKey = stringPtr(dedupKey)
	t.StandID = stringPtr(standID)
	t.BoxID = stringPtr(boxID)
	t.MaterialID = stringPtr(materialID)
	t.ScheduleID = stringPtr(scheduleID)
	t.CancelReason = stringPtr(cancelReason)
	if weight.Valid {
		w := weight.Float64
		t.WeightKg = &w
	}
	if t.ClaimedAt, err = timePtr(claimedAt); err != nil {
		return t, fmt.Errorf("task %s claimed_at: %w", t.ID, err)
	}
	if t.ScheduledFor, err = timePtr(scheduledFor); err != nil {
		return t, fmt.Errorf("task %s scheduled_for: %w", t.ID, err)
	}
	for i, col := range stampColumns {
		ts, err := timePtr(stamps[i])
		if err != nil {
			return t, fmt.Errorf("task %s %s: %w", t.ID, col, err)
		}
		*t.StatusTimestamp(col) = ts
	}
	if t.CreatedAt, err = ParseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}

func taskValues(t domain.Task) []any {
	vals := []any{t.ID, t.Workflow, t.Status, t.Title, nullable(t.Description), nullableStringPtr(t.AssignedTo),
		nullableStringPtr(t.ClaimedBy), nullableTime(t.ClaimedAt), nullableStringPtr(t.DedupKey),
		nullableStringPtr(t.StandID), nullableStringPtr(t.BoxID), nullableStringPtr(t.MaterialID),
		nullableStringPtr(t.ScheduleID), nullableTime(t.ScheduledFor), nullableStringPtr(t.CancelReason),
		nullableFloatPtr(t.WeightKg)}
	for _, col := range stampColumns {
		vals = append(vals, nullableTime(*t.StatusTimestamp(col)))
	}
	return append(vals, FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt))
}

// InsertTask stores a new task. A taken dedup key yields ErrDuplicate.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	cols := taskColumnList("")
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO tasks(`+strings.Join(cols, ",")+`) VALUES (`+placeholders+`)`, taskValues(t)...)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// UpdateTask writes every mutable column, conditional on the task still being
// in status from. A lost race yields ErrStatusChanged.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task, from domain.Status) error {
	vals := taskValues(t)
	cols := taskColumnList("")
	var sets []string
	var args []any
	for i, c := range cols {
		if c == "id" || c == "created_at" {
			continue
		}
		sets = append(sets, c+"=?")
		args = append(args, vals[i])
	}
	args = append(args, t.ID, from)
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ",")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusChanged
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.conn(tx).QueryRowContext(ctx, `SELECT `+taskColumns("")+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskByDedupKey(ctx context.Context, tx *sql.Tx, key string) (domain.Task, error) {
	return scanTask(r.conn(tx).QueryRowContext(ctx, `SELECT `+taskColumns("")+` FROM tasks WHERE dedup_key=?`, key))
}

type TaskFilters struct {
	Workflow        string
	Status          string
	ClaimedBy       string
	AssignedTo      string
	ScheduleID      string
	StandID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, val)
		}
	}
	add("workflow", f.Workflow)
	add("status", f.Status)
	add("claimed_by", f.ClaimedBy)
	add("assigned_to", f.AssignedTo)
	add("schedule_id", f.ScheduleID)
	add("stand_id", f.StandID)
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns("") + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimTask takes the lease for actor if it is free, expired (claimed before
// cutoff) or already held by actor. It reports whether the row was won.
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, id, actor string, now, cutoff time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET claimed_by=?, claimed_at=?, updated_at=?
WHERE id=? AND (claimed_by IS NULL OR claimed_at IS NULL OR claimed_at < ? OR claimed_by = ?)`,
		actor, FormatTime(now), FormatTime(now), id, FormatTime(cutoff), actor)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseTask clears the lease unconditionally; callers check ownership.
func (r Repo) ReleaseTask(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET claimed_by=NULL, claimed_at=NULL, updated_at=? WHERE id=?`, FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecurringTask is an open generated task with its schedule's timezone.
type RecurringTask struct {
	Task     domain.Task
	Timezone string
}

// ListOpenRecurringTasks returns generated tasks (SCHED or DAILY keys) still in
// an initial status, optionally limited to one schedule.
func (r Repo) ListOpenRecurringTasks(ctx context.Context, tx *sql.Tx, initial []domain.Status, scheduleID string) ([]RecurringTask, error) {
	if len(initial) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(initial)), ",")
	args := make([]any, 0, len(initial)+1)
	for _, s := range initial {
		args = append(args, s)
	}
	query := `SELECT ` + taskColumns("t") + `, COALESCE(s.timezone,'') FROM tasks t
LEFT JOIN task_schedules s ON s.id=t.schedule_id
WHERE t.status IN (` + placeholders + `) AND (t.dedup_key LIKE 'SCHED:%' OR t.dedup_key LIKE 'DAILY:%')`
	if scheduleID != "" {
		query += ` AND t.schedule_id=?`
		args = append(args, scheduleID)
	}
	query += ` ORDER BY t.created_at ASC, t.id ASC`
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RecurringTask
	for rows.Next() {
		var tz string
		t, err := scanTask(rows, &tz)
		if err != nil {
			return nil, err
		}
		res = append(res, RecurringTask{Task: t, Timezone: tz})
	}
	return res, rows.Err()
}

// InsertFillHistory records a weighed box fill.
func (r Repo) InsertFillHistory(ctx context.Context, tx *sql.Tx, boxID, taskID string, weightKg float64, at time.Time) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO box_fill_history(box_id,task_id,weight_kg,recorded_at) VALUES (?,?,?,?)`,
		boxID, taskID, weightKg, FormatTime(at))
	return err
}

type FillRecord struct {
	BoxID      string    `json:"box_id"`
	TaskID     string    `json:"task_id"`
	WeightKg   float64   `json:"weight_kg"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (r Repo) ListFillHistory(ctx context.Context, boxID string) ([]FillRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT box_id,task_id,weight_kg,recorded_at FROM box_fill_history WHERE box_id=? ORDER BY id ASC`, boxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []FillRecord
	for rows.Next() {
		var f FillRecord
		var at string
		if err := rows.Scan(&f.BoxID, &f.TaskID, &f.WeightKg, &at); err != nil {
			return nil, err
		}
		if f.RecordedAt, err = ParseTime(at); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
