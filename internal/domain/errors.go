package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError covers illegal transitions, claims held by someone else and
// duplicate dedup keys. It carries enough context for a meaningful retry.
type ConflictError struct {
	Reason        string
	CurrentStatus Status
	Allowed       []Status
	ClaimedBy     string
	ClaimedAt     *time.Time
	ExpiresAt     *time.Time
	DedupKey      string
}

func (e ConflictError) Error() string {
	switch {
	case e.ClaimedBy != "":
		msg := fmt.Sprintf("%s: claimed by %s", e.Reason, e.ClaimedBy)
		if e.ExpiresAt != nil {
			msg += " until " + e.ExpiresAt.UTC().Format(time.RFC3339)
		}
		return msg
	case e.CurrentStatus != "":
		allowed := make([]string, len(e.Allowed))
		for i, s := range e.Allowed {
			allowed[i] = string(s)
		}
		return fmt.Sprintf("%s: current status %s, allowed [%s]", e.Reason, e.CurrentStatus, strings.Join(allowed, ","))
	case e.DedupKey != "":
		return fmt.Sprintf("%s: %s", e.Reason, e.DedupKey)
	}
	return e.Reason
}

// ForbiddenError indicates the caller lacks the right to act on a claim.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	return "forbidden: " + e.Reason
}
