// Package lifecycle encodes the logistics and automotive status machines.
// Everything here is a pure decision; callers apply the mutation.
package lifecycle

import (
	"sort"

	"dispoline/internal/domain"
)

type machine struct {
	initial  domain.Status
	edges    map[domain.Status][]domain.Status
	terminal map[domain.Status]bool
	stamps   map[domain.Status]string
}

var machines = map[domain.Workflow]machine{
	domain.WorkflowLogistics: {
		initial: domain.StatusOffen,
		edges: map[domain.Status][]domain.Status{
			domain.StatusOffen:     {domain.StatusAssigned, domain.StatusAccepted, domain.StatusCancelled},
			domain.StatusAssigned:  {domain.StatusAccepted, domain.StatusOffen, domain.StatusCancelled},
			domain.StatusAccepted:  {domain.StatusPickedUp, domain.StatusCancelled},
			domain.StatusPickedUp:  {domain.StatusInTransit, domain.StatusDelivered, domain.StatusCancelled},
			domain.StatusInTransit: {domain.StatusDelivered, domain.StatusCancelled},
			domain.StatusDelivered: {domain.StatusCompleted, domain.StatusCancelled},
			domain.StatusCompleted: nil,
			domain.StatusCancelled: nil,
		},
		terminal: map[domain.Status]bool{domain.StatusCompleted: true, domain.StatusCancelled: true},
		stamps: map[domain.Status]string{
			domain.StatusAssigned:  "assigned_at",
			domain.StatusAccepted:  "accepted_at",
			domain.StatusPickedUp:  "picked_up_at",
			domain.StatusInTransit: "in_transit_at",
			domain.StatusDelivered: "delivered_at",
			domain.StatusCompleted: "completed_at",
			domain.StatusCancelled: "cancelled_at",
		},
	},
	domain.WorkflowAutomotive: {
		initial: domain.StatusOpen,
		edges: map[domain.Status][]domain.Status{
			domain.StatusOpen:       {domain.StatusPickedUp, domain.StatusCancelled},
			domain.StatusPickedUp:   {domain.StatusInTransit, domain.StatusCancelled},
			domain.StatusInTransit:  {domain.StatusDroppedOff, domain.StatusCancelled},
			domain.StatusDroppedOff: {domain.StatusTakenOver, domain.StatusCancelled},
			domain.StatusTakenOver:  {domain.StatusWeighed, domain.StatusCancelled},
			domain.StatusWeighed:    {domain.StatusDisposed, domain.StatusCancelled},
			domain.StatusDisposed:   nil,
			domain.StatusCancelled:  nil,
		},
		terminal: map[domain.Status]bool{domain.StatusDisposed: true, domain.StatusCancelled: true},
		stamps: map[domain.Status]string{
			domain.StatusPickedUp:   "picked_up_at",
			domain.StatusInTransit:  "in_transit_at",
			domain.StatusDroppedOff: "dropped_off_at",
			domain.StatusTakenOver:  "taken_over_at",
			domain.StatusWeighed:    "weighed_at",
			domain.StatusDisposed:   "disposed_at",
			domain.StatusCancelled:  "cancelled_at",
		},
	},
}

// DefaultAutoRelease lists the handoff statuses at which a lease is returned
// to the shared pool.
var DefaultAutoRelease = map[domain.Workflow][]domain.Status{
	domain.WorkflowAutomotive: {domain.StatusDroppedOff},
	domain.WorkflowLogistics:  {domain.StatusDelivered},
}

// Decision is the outcome of Validate. Allowed lists the legal targets from
// the current status whether or not the requested edge exists.
type Decision struct {
	OK      bool
	Allowed []domain.Status
}

// Validate reports whether current -> target is an edge of the workflow's machine.
func Validate(w domain.Workflow, current, target domain.Status) Decision {
	m, ok := machines[w]
	if !ok {
		return Decision{}
	}
	next, ok := m.edges[current]
	if !ok {
		return Decision{}
	}
	allowed := append([]domain.Status(nil), next...)
	for _, s := range next {
		if s == target {
			return Decision{OK: true, Allowed: allowed}
		}
	}
	return Decision{Allowed: allowed}
}

// Reject builds the conflict reported for a failed Validate.
func Reject(current domain.Status, d Decision) domain.ConflictError {
	return domain.ConflictError{
		Reason:        "invalid status transition",
		CurrentStatus: current,
		Allowed:       d.Allowed,
	}
}

func Known(w domain.Workflow) bool {
	_, ok := machines[w]
	return ok
}

func InitialStatus(w domain.Workflow) domain.Status {
	return machines[w].initial
}

func IsTerminal(w domain.Workflow, s domain.Status) bool {
	return machines[w].terminal[s]
}

// IsStatus reports whether s belongs to the workflow's vocabulary.
func IsStatus(w domain.Workflow, s domain.Status) bool {
	_, ok := machines[w].edges[s]
	return ok
}

// Statuses returns the workflow's statuses in lexical order.
func Statuses(w domain.Workflow) []domain.Status {
	m := machines[w]
	out := make([]domain.Status, 0, len(m.edges))
	for s := range m.edges {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TimestampField maps a status to the task column stamped on first entry.
func TimestampField(w domain.Workflow, s domain.Status) (string, bool) {
	f, ok := machines[w].stamps[s]
	return f, ok
}

// AssignsActor reports whether the edge implicitly assigns the acting actor:
// a logistics task accepted straight out of the open pool.
func AssignsActor(w domain.Workflow, from, to domain.Status) bool {
	return w == domain.WorkflowLogistics && from == domain.StatusOffen && to == domain.StatusAccepted
}

// ClearsAssignment reports whether the edge hands the task back to the pool.
func ClearsAssignment(w domain.Workflow, from, to domain.Status) bool {
	return w == domain.WorkflowLogistics && from == domain.StatusAssigned && to == domain.StatusOffen
}

// RequiresAssignee reports whether the target needs an explicit assignee.
func RequiresAssignee(w domain.Workflow, to domain.Status) bool {
	return w == domain.WorkflowLogistics && to == domain.StatusAssigned
}

// AutoRelease decides lease release at handoff statuses.
type AutoRelease map[domain.Workflow][]domain.Status

func (a AutoRelease) Releases(w domain.Workflow, s domain.Status) bool {
	for _, st := range a[w] {
		if st == s {
			return true
		}
	}
	return false
}
