package repo

import (
	"context"
	"errors"
	"testing"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/store"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := Repo{DB: conn}
	if err := r.InsertProject(context.Background(), domain.Project{ID: "p1", Name: "P1", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return r
}

func insertLead(t *testing.T, r Repo, id, stageID, createdAt string, value *float64) {
	t.Helper()
	err := r.Insert(context.Background(), store.TableLeads, store.Fields{
		"id":         id,
		"project_id": "p1",
		"stage_id":   stageID,
		"name":       "Lead " + id,
		"company":    "Acme",
		"value":      value,
		"details":    map[string]any{"producto": "Consultoria"},
		"created_at": createdAt,
		"updated_at": createdAt,
	})
	if err != nil {
		t.Fatalf("insert lead %s: %v", id, err)
	}
}

func TestEntityRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	v := 1500.0
	insertLead(t, r, "l1", "frio", "2024-01-01T00:00:00Z", &v)
	insertLead(t, r, "l2", "hot", "2024-01-02T00:00:00Z", nil)

	got, err := r.Get(ctx, store.TableLeads, "l1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != domain.KindLead || got.Value == nil || *got.Value != 1500 {
		t.Fatalf("unexpected lead: %+v", got)
	}
	if got.Details["producto"] != "Consultoria" {
		t.Fatalf("details not decoded: %v", got.Details)
	}

	all, err := r.Query(ctx, store.TableLeads, []store.Filter{store.Eq("project_id", "p1")}, store.Ordering{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 2 || all[0].ID != "l2" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	hot, err := r.Query(ctx, store.TableLeads, []store.Filter{store.In("stage_id", "hot", "propuesta")}, store.Ordering{})
	if err != nil || len(hot) != 1 || hot[0].ID != "l2" {
		t.Fatalf("in filter: %+v %v", hot, err)
	}
	none, err := r.Query(ctx, store.TableLeads, []store.Filter{store.In("stage_id")}, store.Ordering{})
	if err != nil || len(none) != 0 {
		t.Fatalf("empty in should match nothing: %+v %v", none, err)
	}
	if _, err := r.Query(ctx, store.TableLeads, []store.Filter{store.Eq("nope", 1)}, store.Ordering{}); !errors.Is(err, store.ErrUnknownField) {
		t.Fatalf("expected unknown field, got %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertLead(t, r, "l1", "frio", "2024-01-01T00:00:00Z", nil)

	if err := r.Update(ctx, store.TableLeads, "l1", store.Fields{"stage_id": "tibio", "updated_at": "2024-01-03T00:00:00Z"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := r.Get(ctx, store.TableLeads, "l1")
	if got.StageID != "tibio" || got.UpdatedAt != "2024-01-03T00:00:00Z" {
		t.Fatalf("update not applied: %+v", got)
	}
	if err := r.Update(ctx, store.TableLeads, "missing", store.Fields{"stage_id": "hot"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.Update(ctx, store.TableLeads, "l1", store.Fields{"id": "l9"}); !errors.Is(err, store.ErrUnknownField) {
		t.Fatalf("id must be immutable, got %v", err)
	}
	if err := r.Update(ctx, "users", "l1", store.Fields{"stage_id": "hot"}); !errors.Is(err, store.ErrUnknownTable) {
		t.Fatalf("expected unknown table, got %v", err)
	}

	if err := r.Delete(ctx, store.TableLeads, "l1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.Delete(ctx, store.TableLeads, "l1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestTaskNullableColumns(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	prio := 2
	err := r.Insert(ctx, store.TableTasks, store.Fields{
		"id":         "t1",
		"project_id": "p1",
		"stage_id":   "todo",
		"name":       "Call back",
		"priority":   &prio,
		"due_date":   (*string)(nil),
		"created_at": "2024-01-01T00:00:00Z",
		"updated_at": "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	got, err := r.Get(ctx, store.TableTasks, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority == nil || *got.Priority != 2 || got.DueDate != nil || got.CompletedAt != nil {
		t.Fatalf("unexpected task: %+v", got)
	}
	open, err := r.Query(ctx, store.TableTasks, []store.Filter{store.Eq("completed_at", nil)}, store.Ordering{})
	if err != nil || len(open) != 1 {
		t.Fatalf("is null filter: %+v %v", open, err)
	}
}

func TestProjectsAndCompletions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.GetProject(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	p, err := r.SingleProject(ctx)
	if err != nil || p.ID != "p1" {
		t.Fatalf("single project: %+v %v", p, err)
	}

	if err := r.Insert(ctx, store.TableTasks, store.Fields{
		"id": "t1", "project_id": "p1", "stage_id": "done", "name": "Ship",
		"created_at": "2024-01-01T00:00:00Z", "updated_at": "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	c := domain.TaskCompletion{
		ID: "c1", TaskID: "t1", ProjectID: "p1", ActorID: "alice", CreatedAt: "2024-01-02T00:00:00Z",
		Feedback: domain.TaskFeedback{Result: "partial", Difficulty: 4, Learning: "start earlier"},
	}
	if err := r.InsertCompletionTx(ctx, tx, c); err != nil {
		tx.Rollback()
		t.Fatalf("insert completion: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	items, err := r.ListCompletions(ctx, "t1")
	if err != nil || len(items) != 1 {
		t.Fatalf("list completions: %+v %v", items, err)
	}
	if items[0].Feedback != c.Feedback {
		t.Fatalf("feedback mismatch: %+v", items[0].Feedback)
	}
}
