package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/store"
)

// Event types written to the activity log.
const (
	ProjectCreated = "project.created"
	LeadCreated    = "lead.created"
	LeadUpdated    = "lead.updated"
	TaskCreated    = "task.created"
	TaskUpdated    = "task.updated"
	TaskDeleted    = "task.deleted"
	TaskCompleted  = "task.completed"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer appends to the activity log. It runs inside the caller's transaction when
// one is given, otherwise directly on DB.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID string, kind domain.Kind, entityID, actorID string, payload EventPayload) error {
	var ex execer
	switch {
	case tx != nil:
		ex = tx
	case w.DB != nil:
		ex = w.DB
	default:
		return fmt.Errorf("append %s: no database", evtType)
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(projectID), string(kind), nullable(entityID), actorID, string(data))
	return err
}

// History is the SQLite HistoryLog. Records are append-only.
type History struct {
	DB  *sql.DB
	Now func() time.Time
}

var _ store.HistoryLog = History{}

// Append inserts rec, filling its id and timestamp when empty.
func (h History) Append(ctx context.Context, table string, rec domain.TransitionRecord) error {
	if table != store.TableTransitions {
		return fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	if rec.EntityID == "" || rec.FromStageID == "" || rec.ToStageID == "" {
		return fmt.Errorf("append transition: entity and stages are required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == "" {
		now := h.Now
		if now == nil {
			now = time.Now
		}
		rec.CreatedAt = now().UTC().Format(domain.TimeLayout)
	}
	_, err := h.DB.ExecContext(ctx, `INSERT INTO transitions(id,entity_id,from_stage_id,to_stage_id,actor_id,created_at,comment) VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.EntityID, rec.FromStageID, rec.ToStageID, rec.ActorID, rec.CreatedAt, rec.Comment)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
