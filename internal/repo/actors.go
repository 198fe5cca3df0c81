package repo

import (
	"context"
	"database/sql"
	"time"

	"dispoline/internal/domain"
)

// EnsureActor records an actor id seen on a request without touching an
// existing profile.
func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now time.Time) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id,created_at) VALUES (?,?)`, actorID, FormatTime(now))
	return err
}

func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor, now time.Time) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO actors(id,name,role,department,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, department=excluded.department`,
		a.ID, nullable(a.Name), nullable(a.Role), nullable(a.Department), FormatTime(now))
	return err
}

func (r Repo) GetActor(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	var a domain.Actor
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,COALESCE(name,''),COALESCE(role,''),COALESCE(department,'') FROM actors WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Role, &a.Department)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}
