package migrate

import (
	"context"
	"testing"

	"stageline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	v, err := Version(ctx, conn)
	if err != nil || v != 0 {
		t.Fatalf("fresh database: version=%d err=%v", v, err)
	}
	latest, err := Latest()
	if err != nil || latest < 1 {
		t.Fatalf("latest: %d %v", latest, err)
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate #%d: %v", i+1, err)
		}
	}
	v, err = Version(ctx, conn)
	if err != nil || v != latest {
		t.Fatalf("expected version %d, got %d (%v)", latest, v, err)
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('projects','leads','tasks','transitions','task_completions','events')`).Scan(&n); err != nil {
		t.Fatalf("inspect schema: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected 6 tables, got %d", n)
	}
}
