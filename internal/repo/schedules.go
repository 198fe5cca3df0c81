package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dispoline/internal/domain"
)

const scheduleColumns = `id,title,description,workflow,rule_type,time_local,weekdays_json,every_n_days,start_date,timezone,create_days_ahead,is_active,stand_id,box_id,material_id,created_at,updated_at`

func scanSchedule(row rowScanner) (domain.TaskSchedule, error) {
	var s domain.TaskSchedule
	var description, weekdays, startDate, standID, boxID, materialID sql.NullString
	var everyN sql.NullInt64
	var active int
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.Title, &description, &s.Workflow, &s.RuleType, &s.TimeLocal, &weekdays, &everyN, &startDate,
		&s.Timezone, &s.CreateDaysAhead, &active, &standID, &boxID, &materialID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if description.Valid {
		s.Description = description.String
	}
	if weekdays.Valid && weekdays.String != "" {
		if err := json.Unmarshal([]byte(weekdays.String), &s.Weekdays); err != nil {
			return s, fmt.Errorf("schedule %s weekdays: %w", s.ID, err)
		}
	}
	if everyN.Valid {
		s.EveryNDays = int(everyN.Int64)
	}
	if startDate.Valid {
		s.StartDate = startDate.String
	}
	s.IsActive = active == 1
	s.StandID = stringPtr(standID)
	s.BoxID = stringPtr(boxID)
	s.MaterialID = stringPtr(materialID)
	if s.CreatedAt, err = ParseTime(createdAt); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return s, err
	}
	return s, nil
}

func weekdaysJSON(days []int) (any, error) {
	if len(days) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(days)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) InsertSchedule(ctx context.Context, tx *sql.Tx, s domain.TaskSchedule) error {
	weekdays, err := weekdaysJSON(s.Weekdays)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO task_schedules(`+scheduleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Title, nullable(s.Description), s.Workflow, s.RuleType, s.TimeLocal, weekdays, nullableInt(s.EveryNDays),
		nullable(s.StartDate), s.Timezone, s.CreateDaysAhead, boolInt(s.IsActive), nullableStringPtr(s.StandID),
		nullableStringPtr(s.BoxID), nullableStringPtr(s.MaterialID), FormatTime(s.CreatedAt), FormatTime(s.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) UpdateSchedule(ctx context.Context, tx *sql.Tx, s domain.TaskSchedule) error {
	weekdays, err := weekdaysJSON(s.Weekdays)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE task_schedules SET title=?, description=?, workflow=?, rule_type=?, time_local=?, weekdays_json=?, every_n_days=?, start_date=?, timezone=?, create_days_ahead=?, is_active=?, stand_id=?, box_id=?, material_id=?, updated_at=? WHERE id=?`,
		s.Title, nullable(s.Description), s.Workflow, s.RuleType, s.TimeLocal, weekdays, nullableInt(s.EveryNDays),
		nullable(s.StartDate), s.Timezone, s.CreateDaysAhead, boolInt(s.IsActive), nullableStringPtr(s.StandID),
		nullableStringPtr(s.BoxID), nullableStringPtr(s.MaterialID), FormatTime(s.UpdatedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateSchedule flips is_active off. Schedules are never deleted so
// generated tasks keep their schedule reference.
func (r Repo) DeactivateSchedule(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE task_schedules SET is_active=0, updated_at=? WHERE id=?`, FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSchedule(ctx context.Context, tx *sql.Tx, id string) (domain.TaskSchedule, error) {
	return scanSchedule(r.conn(tx).QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM task_schedules WHERE id=?`, id))
}

func (r Repo) ListSchedules(ctx context.Context, activeOnly bool) ([]domain.TaskSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM task_schedules`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
