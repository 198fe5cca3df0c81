package repo

import (
	"context"
	"database/sql"
	"time"

	"dispoline/internal/domain"
)

func (r Repo) UpsertHall(ctx context.Context, tx *sql.Tx, id, name string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO halls(id,name) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET name=excluded.name`, id, name)
	return err
}

func (r Repo) UpsertStation(ctx context.Context, tx *sql.Tx, id, hallID, name string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO stations(id,hall_id,name) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET hall_id=excluded.hall_id, name=excluded.name`, id, hallID, name)
	return err
}

func (r Repo) UpsertStand(ctx context.Context, tx *sql.Tx, s domain.Stand) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO stands(id,station_id,name,daily_task_enabled,daily_time_local,daily_title,box_id,material_id) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET station_id=excluded.station_id, name=excluded.name, daily_task_enabled=excluded.daily_task_enabled,
daily_time_local=excluded.daily_time_local, daily_title=excluded.daily_title, box_id=excluded.box_id, material_id=excluded.material_id`,
		s.ID, s.StationID, s.Name, boolInt(s.DailyTaskEnabled), nullable(s.DailyTimeLocal), nullable(s.DailyTitle),
		nullableStringPtr(s.BoxID), nullableStringPtr(s.MaterialID))
	return err
}

// ListDailyStands returns stands with the legacy daily rule switched on.
func (r Repo) ListDailyStands(ctx context.Context) ([]domain.Stand, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,station_id,name,daily_task_enabled,COALESCE(daily_time_local,''),COALESCE(daily_title,''),box_id,material_id
FROM stands WHERE daily_task_enabled=1 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stand
	for rows.Next() {
		var s domain.Stand
		var enabled int
		var boxID, materialID sql.NullString
		if err := rows.Scan(&s.ID, &s.StationID, &s.Name, &enabled, &s.DailyTimeLocal, &s.DailyTitle, &boxID, &materialID); err != nil {
			return nil, err
		}
		s.DailyTaskEnabled = enabled == 1
		s.BoxID = stringPtr(boxID)
		s.MaterialID = stringPtr(materialID)
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetLocationContext resolves stand -> station -> hall. Missing links leave
// the corresponding fields empty.
func (r Repo) GetLocationContext(ctx context.Context, tx *sql.Tx, standID string) (domain.LocationContext, error) {
	var lc domain.LocationContext
	var stationID, stationName, hallID, hallName sql.NullString
	err := r.conn(tx).QueryRowContext(ctx, `SELECT s.id, s.name, st.id, st.name, h.id, h.name
FROM stands s
LEFT JOIN stations st ON st.id=s.station_id
LEFT JOIN halls h ON h.id=st.hall_id
WHERE s.id=?`, standID).Scan(&lc.StandID, &lc.StandName, &stationID, &stationName, &hallID, &hallName)
	if err == sql.ErrNoRows {
		return lc, ErrNotFound
	}
	if err != nil {
		return lc, err
	}
	lc.StationID = stationID.String
	lc.StationName = stationName.String
	lc.HallID = hallID.String
	lc.HallName = hallName.String
	return lc, nil
}

func (r Repo) UpsertBox(ctx context.Context, tx *sql.Tx, b domain.Box) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO boxes(id,stand_id,location,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET stand_id=excluded.stand_id, location=excluded.location, updated_at=excluded.updated_at`,
		b.ID, nullableStringPtr(b.StandID), b.Location, FormatTime(b.UpdatedAt))
	return err
}

func (r Repo) GetBox(ctx context.Context, tx *sql.Tx, id string) (domain.Box, error) {
	var b domain.Box
	var standID sql.NullString
	var updatedAt string
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,stand_id,location,updated_at FROM boxes WHERE id=?`, id).
		Scan(&b.ID, &standID, &b.Location, &updatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.StandID = stringPtr(standID)
	b.UpdatedAt, err = ParseTime(updatedAt)
	return b, err
}

// MoveBox sets a box's location. A nil stand detaches it from its stand.
func (r Repo) MoveBox(ctx context.Context, tx *sql.Tx, id, location string, standID *string, now time.Time) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE boxes SET location=?, stand_id=?, updated_at=? WHERE id=?`,
		location, nullableStringPtr(standID), FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
