package domain

import "time"

// Workflow selects which status machine governs a task.
type Workflow string

const (
	WorkflowLogistics  Workflow = "logistics"
	WorkflowAutomotive Workflow = "automotive"
)

// Status is a task status drawn from the task's workflow machine.
type Status string

// Logistics machine.
const (
	StatusOffen     Status = "OFFEN"
	StatusAssigned  Status = "ASSIGNED"
	StatusAccepted  Status = "ACCEPTED"
	StatusDelivered Status = "DELIVERED"
	StatusCompleted Status = "COMPLETED"
)

// Automotive machine.
const (
	StatusOpen       Status = "OPEN"
	StatusDroppedOff Status = "DROPPED_OFF"
	StatusTakenOver  Status = "TAKEN_OVER"
	StatusWeighed    Status = "WEIGHED"
	StatusDisposed   Status = "DISPOSED"
)

// Shared by both machines.
const (
	StatusPickedUp  Status = "PICKED_UP"
	StatusInTransit Status = "IN_TRANSIT"
	StatusCancelled Status = "CANCELLED"
)

type Task struct {
	ID           string     `json:"id"`
	Workflow     Workflow   `json:"workflow" enum:"logistics,automotive"`
	Status       Status     `json:"status"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	AssignedTo   *string    `json:"assigned_to,omitempty"`
	ClaimedBy    *string    `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	DedupKey     *string    `json:"dedup_key,omitempty"`
	StandID      *string    `json:"stand_id,omitempty"`
	BoxID        *string    `json:"box_id,omitempty"`
	MaterialID   *string    `json:"material_id,omitempty"`
	ScheduleID   *string    `json:"schedule_id,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
	WeightKg     *float64   `json:"weight_kg,omitempty"`

	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	PickedUpAt   *time.Time `json:"picked_up_at,omitempty"`
	InTransitAt  *time.Time `json:"in_transit_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DroppedOffAt *time.Time `json:"dropped_off_at,omitempty"`
	TakenOverAt  *time.Time `json:"taken_over_at,omitempty"`
	WeighedAt    *time.Time `json:"weighed_at,omitempty"`
	DisposedAt   *time.Time `json:"disposed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// StatusTimestamp returns a pointer to the timestamp slot for a column name,
// or nil if the task has no such column.
func (t *Task) StatusTimestamp(field string) **time.Time {
	switch field {
	case "assigned_at":
		return &t.AssignedAt
	case "accepted_at":
		return &t.AcceptedAt
	case "picked_up_at":
		return &t.PickedUpAt
	case "in_transit_at":
		return &t.InTransitAt
	case "delivered_at":
		return &t.DeliveredAt
	case "completed_at":
		return &t.CompletedAt
	case "dropped_off_at":
		return &t.DroppedOffAt
	case "taken_over_at":
		return &t.TakenOverAt
	case "weighed_at":
		return &t.WeighedAt
	case "disposed_at":
		return &t.DisposedAt
	case "cancelled_at":
		return &t.CancelledAt
	}
	return nil
}

type RuleType string

const (
	RuleDaily    RuleType = "DAILY"
	RuleWeekly   RuleType = "WEEKLY"
	RuleInterval RuleType = "INTERVAL"
)

// DefaultTimezone applies to schedules and legacy stand rules without a zone.
const DefaultTimezone = "Europe/Berlin"

type TaskSchedule struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Workflow        Workflow `json:"workflow" enum:"logistics,automotive"`
	RuleType        RuleType `json:"rule_type" enum:"DAILY,WEEKLY,INTERVAL"`
	TimeLocal       string   `json:"time_local" example:"07:30"`
	Weekdays        []int    `json:"weekdays,omitempty"`
	EveryNDays      int      `json:"every_n_days,omitempty"`
	StartDate       string   `json:"start_date,omitempty" example:"2024-01-01"`
	Timezone        string   `json:"timezone"`
	CreateDaysAhead int      `json:"create_days_ahead"`
	IsActive        bool     `json:"is_active"`
	StandID         *string  `json:"stand_id,omitempty"`
	BoxID           *string  `json:"box_id,omitempty"`
	MaterialID      *string  `json:"material_id,omitempty"`

	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// TaskEvent is an immutable audit record.
type TaskEvent struct {
	ID              int64          `json:"id"`
	TS              time.Time      `json:"ts" format:"date-time"`
	Action          string         `json:"action"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	ActorID         string         `json:"actor_id"`
	ActorRole       string         `json:"actor_role,omitempty"`
	ActorDepartment string         `json:"actor_department,omitempty"`
	Before          map[string]any `json:"before_data,omitempty"`
	After           map[string]any `json:"after_data,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
}

// Actor is the identity performing an operation.
type Actor struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
}

const RoleAdmin = "admin"

// SystemActorID is used for generator-initiated changes.
const SystemActorID = "system"

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Stand is a pickup location with its optional legacy daily rule.
type Stand struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	StationID        string  `json:"station_id"`
	DailyTaskEnabled bool    `json:"daily_task_enabled"`
	DailyTimeLocal   string  `json:"daily_time_local,omitempty"`
	DailyTitle       string  `json:"daily_title,omitempty"`
	BoxID            *string `json:"box_id,omitempty"`
	MaterialID       *string `json:"material_id,omitempty"`
}

// LocationContext is the denormalized stand → station → hall chain.
type LocationContext struct {
	StandID     string `json:"stand_id,omitempty"`
	StandName   string `json:"stand_name,omitempty"`
	StationID   string `json:"station_id,omitempty"`
	StationName string `json:"station_name,omitempty"`
	HallID      string `json:"hall_id,omitempty"`
	HallName    string `json:"hall_name,omitempty"`
}

type Box struct {
	ID        string    `json:"id"`
	StandID   *string   `json:"stand_id,omitempty"`
	Location  string    `json:"location"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// Box locations.
const (
	BoxAtStand    = "STAND"
	BoxInTransit  = "TRANSIT"
	BoxWarehouse  = "WAREHOUSE"
	BoxAtDisposal = "DISPOSED"
)

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}
