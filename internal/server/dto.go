package server

import (
	"encoding/json"

	"stageline/internal/capacity"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/projector"
	"stageline/internal/repo"
	"stageline/internal/stage"
)

// Request payloads

type CreateProjectRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type CreateLeadRequest struct {
	StageID    string         `json:"stage_id,omitempty"`
	Name       string         `json:"name"`
	Company    string         `json:"company,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	OwnerID    string         `json:"owner_id,omitempty"`
	NextAction string         `json:"next_action,omitempty"`
	DueDate    string         `json:"due_date,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type UpdateLeadRequest struct {
	Name       *string        `json:"name,omitempty"`
	Company    *string        `json:"company,omitempty"`
	Email      *string        `json:"email,omitempty"`
	Phone      *string        `json:"phone,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	OwnerID    *string        `json:"owner_id,omitempty"`
	NextAction *string        `json:"next_action,omitempty"`
	DueDate    *string        `json:"due_date,omitempty"`
	Notes      *string        `json:"notes,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type CreateTaskRequest struct {
	StageID  string `json:"stage_id,omitempty"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Priority *int   `json:"priority,omitempty" minimum:"1" maximum:"3"`
	DueDate  string `json:"due_date,omitempty"`
	OwnerID  string `json:"owner_id,omitempty"`
}

type UpdateTaskRequest struct {
	Title    *string `json:"title,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Priority *int    `json:"priority,omitempty" minimum:"1" maximum:"3"`
	DueDate  *string `json:"due_date,omitempty"`
	OwnerID  *string `json:"owner_id,omitempty"`
}

// MoveRequest is a drag-and-drop. An empty from_stage_id means the current stage.
type MoveRequest struct {
	FromStageID string `json:"from_stage_id,omitempty"`
	ToStageID   string `json:"to_stage_id"`
}

type CompleteTaskRequest struct {
	Feedback *domain.TaskFeedback `json:"feedback,omitempty"`
}

// Response payloads

type MoveResponse struct {
	Outcome engine.Outcome `json:"outcome" enum:"committed,noop"`
	Entity  domain.Entity  `json:"entity"`
}

type StagesResponse struct {
	Board  string        `json:"board"`
	Ranked bool          `json:"ranked"`
	Stages []stage.Stage `json:"stages"`
}

type FieldsResponse struct {
	StageID string           `json:"stage_id"`
	Fields  []stage.FieldDef `json:"fields"`
}

// BoardResponse carries one of the three projections, selected by view.
type BoardResponse struct {
	View    string                     `json:"view" enum:"board,list,table"`
	Totals  map[string]projector.Total `json:"totals"`
	Columns []projector.Column         `json:"columns,omitempty"`
	Items   []domain.Entity            `json:"items,omitempty"`
	Rows    []projector.Row            `json:"rows,omitempty"`
}

type CapacityResponse struct {
	ProjectID string `json:"project_id"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	OK        bool   `json:"ok"`
}

func capacityResponse(projectID string, st capacity.Status) CapacityResponse {
	return CapacityResponse{ProjectID: projectID, Count: st.Count, Limit: st.Limit, OK: st.OK}
}

type ActivityResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func activityResponse(e repo.Event) ActivityResponse {
	return ActivityResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
