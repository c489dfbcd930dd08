package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"stageline/internal/domain"
	"stageline/internal/store"
)

// Repo is the SQLite EntityStore plus the read models the API needs.
type Repo struct {
	DB *sql.DB
}

var _ store.EntityStore = Repo{}

// ErrNotFound aliases the store sentinel so callers can match either.
var ErrNotFound = store.ErrNotFound

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,created_at) VALUES (?,?,?)`, p.ID, p.Name, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM projects WHERE id=?`, id))
}

// SingleProject returns the only project of the workspace.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListTransitions returns the history of one entity, newest first.
func (r Repo) ListTransitions(ctx context.Context, entityID string) ([]domain.TransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_id,from_stage_id,to_stage_id,actor_id,created_at,comment FROM transitions WHERE entity_id=? ORDER BY created_at DESC, rowid DESC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var t domain.TransitionRecord
		if err := rows.Scan(&t.ID, &t.EntityID, &t.FromStageID, &t.ToStageID, &t.ActorID, &t.CreatedAt, &t.Comment); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertCompletionTx(ctx context.Context, tx *sql.Tx, c domain.TaskCompletion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_completions(id,task_id,project_id,actor_id,result,insights,learning,next_action,difficulty,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TaskID, c.ProjectID, c.ActorID, c.Feedback.Result, c.Feedback.Insights, c.Feedback.Learning, c.Feedback.NextAction, c.Feedback.Difficulty, c.CreatedAt)
	return err
}

func (r Repo) ListCompletions(ctx context.Context, taskID string) ([]domain.TaskCompletion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,project_id,actor_id,result,insights,learning,next_action,difficulty,created_at FROM task_completions WHERE task_id=? ORDER BY created_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskCompletion
	for rows.Next() {
		var c domain.TaskCompletion
		if err := rows.Scan(&c.ID, &c.TaskID, &c.ProjectID, &c.ActorID, &c.Feedback.Result, &c.Feedback.Insights, &c.Feedback.Learning, &c.Feedback.NextAction, &c.Feedback.Difficulty, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Event is a row of the activity log written by events.Writer.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// LatestEvents returns up to limit activity events for a project, newest first.
func (r Repo) LatestEvents(ctx context.Context, projectID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE project_id=? ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func optionalString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func sortedKeys(fields store.Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
