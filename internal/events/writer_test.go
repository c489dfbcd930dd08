package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/repo"
	"stageline/internal/store"
)

func newTestDB(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func fixedClock() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }

func TestWriterAppendInAndOutOfTx(t *testing.T) {
	r := newTestDB(t)
	ctx := context.Background()
	w := Writer{DB: r.DB, Now: fixedClock}

	if err := w.Append(ctx, nil, TaskCreated, "p1", domain.KindTask, "t1", "alice", EventPayload{"title": "Call"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := w.Append(ctx, tx, TaskDeleted, "p1", domain.KindTask, "t1", "alice", nil); err != nil {
		t.Fatalf("append tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	items, err := r.LatestEvents(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("rolled back event must not persist, got %d", len(items))
	}
	evt := items[0]
	if evt.Type != TaskCreated || evt.TS != "2024-05-01T09:30:00Z" || evt.ActorID != "alice" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil || payload["title"] != "Call" {
		t.Fatalf("payload: %s (%v)", evt.Payload, err)
	}

	if err := (Writer{}).Append(ctx, nil, TaskCreated, "p1", domain.KindTask, "t1", "alice", nil); err == nil {
		t.Fatalf("expected error without a database")
	}
}

func TestHistoryAppend(t *testing.T) {
	r := newTestDB(t)
	ctx := context.Background()
	h := History{DB: r.DB, Now: fixedClock}

	rec := domain.TransitionRecord{EntityID: "l1", FromStageID: "frio", ToStageID: "tibio", ActorID: "alice"}
	if err := h.Append(ctx, store.TableTransitions, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := h.Append(ctx, store.TableLeads, rec); !errors.Is(err, store.ErrUnknownTable) {
		t.Fatalf("expected unknown table, got %v", err)
	}
	if err := h.Append(ctx, store.TableTransitions, domain.TransitionRecord{EntityID: "l1"}); err == nil {
		t.Fatalf("expected error for missing stages")
	}

	items, err := r.ListTransitions(ctx, "l1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 record, got %d", len(items))
	}
	got := items[0]
	if got.ID == "" || got.CreatedAt != "2024-05-01T09:30:00.000000000Z" || got.ToStageID != "tibio" {
		t.Fatalf("unexpected record: %+v", got)
	}
}
