package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dispoline/internal/domain"
	"dispoline/internal/repo"
)

// Service resolves actor profiles for claim authority and audit context.
type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	return s.Repo.EnsureActor(ctx, tx, actorID, s.now())
}

// Resolve fills role and department from the actors table where the caller
// did not supply them. Unknown actors are returned unchanged.
func (s Service) Resolve(ctx context.Context, tx *sql.Tx, a domain.Actor) (domain.Actor, error) {
	if a.ID == "" || (a.Role != "" && a.Department != "") {
		return a, nil
	}
	stored, err := s.Repo.GetActor(ctx, tx, a.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return a, nil
	}
	if err != nil {
		return a, err
	}
	if a.Role == "" {
		a.Role = stored.Role
	}
	if a.Department == "" {
		a.Department = stored.Department
	}
	if a.Name == "" {
		a.Name = stored.Name
	}
	return a, nil
}

// IsAdmin reports whether the actor carries the admin role, either on the
// request or in its stored profile.
func (s Service) IsAdmin(ctx context.Context, tx *sql.Tx, a domain.Actor) (bool, error) {
	if a.IsAdmin() {
		return true, nil
	}
	resolved, err := s.Resolve(ctx, tx, domain.Actor{ID: a.ID})
	if err != nil {
		return false, err
	}
	return resolved.IsAdmin(), nil
}
