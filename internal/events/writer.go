package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Actions written to task_events.
const (
	ActionCreate               = "CREATE"
	ActionStatusChange         = "STATUS_CHANGE"
	ActionClaim                = "CLAIM"
	ActionRelease              = "RELEASE"
	ActionHandover             = "HANDOVER"
	ActionAutoClaim            = "AUTO_CLAIM"
	ActionAutoRelease          = "AUTO_RELEASE"
	ActionAutoReleaseExpired   = "AUTO_RELEASE_EXPIRED"
	ActionAutoCancelSuperseded = "AUTO_CANCEL_SUPERSEDED"
	ActionScheduleCreate       = "SCHEDULE_CREATE"
	ActionScheduleUpdate       = "SCHEDULE_UPDATE"
	ActionScheduleDeactivate   = "SCHEDULE_DEACTIVATE"
	ActionScheduleRunNow       = "SCHEDULE_RUN_NOW"
)

const (
	EntityTask     = "task"
	EntitySchedule = "task_schedule"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Event is one row of the append-only audit log.
type Event struct {
	Action          string
	EntityType      string
	EntityID        string
	ActorID         string
	ActorRole       string
	ActorDepartment string
	Before          Payload
	After           Payload
	Meta            Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	before, err := encode(e.Before)
	if err != nil {
		return fmt.Errorf("marshal event before: %w", err)
	}
	after, err := encode(e.After)
	if err != nil {
		return fmt.Errorf("marshal event after: %w", err)
	}
	meta, err := encode(e.Meta)
	if err != nil {
		return fmt.Errorf("marshal event meta: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_events(ts,action,entity_type,entity_id,actor_id,actor_role,actor_department,before_json,after_json,meta_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, e.Action, e.EntityType, e.EntityID, e.ActorID, nullable(e.ActorRole), nullable(e.ActorDepartment), before, after, meta)
	return err
}

func encode(p Payload) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
