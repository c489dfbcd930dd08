// Package capacity limits how many active (non-terminal) entities a project may hold.
package capacity

import (
	"context"
	"errors"
	"fmt"

	"stageline/internal/store"
)

// DefaultTaskLimit is the number of open tasks a project may have.
const DefaultTaskLimit = 5

// ErrCheckFailed means the active count could not be read. The guard then refuses.
var ErrCheckFailed = errors.New("capacity check failed")

type Status struct {
	Count int  `json:"count"`
	Limit int  `json:"limit"`
	OK    bool `json:"ok"`
}

// ExceededError is returned by Admit when the project is at its limit.
type ExceededError struct {
	ProjectID string
	Count     int
	Limit     int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("project %s has %d active items (limit %d)", e.ProjectID, e.Count, e.Limit)
}

// Guard counts the entities of a project that are not in TerminalStage.
type Guard struct {
	Store         store.EntityStore
	Table         string
	TerminalStage string
	// Limit <= 0 disables the guard.
	Limit int
}

// Check reports the active count. A failed count query yields OK=false and an error
// wrapping ErrCheckFailed.
func (g Guard) Check(ctx context.Context, projectID string) (Status, error) {
	if g.Limit <= 0 {
		return Status{OK: true}, nil
	}
	if g.Store == nil {
		return Status{Limit: g.Limit}, fmt.Errorf("%w: no store", ErrCheckFailed)
	}
	rows, err := g.Store.Query(ctx, g.Table, []store.Filter{
		store.Eq("project_id", projectID),
		store.Neq("stage_id", g.TerminalStage),
	}, store.Ordering{})
	if err != nil {
		return Status{Limit: g.Limit}, fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}
	n := len(rows)
	return Status{Count: n, Limit: g.Limit, OK: n < g.Limit}, nil
}

// Admit is Check turned into an error for callers about to insert.
func (g Guard) Admit(ctx context.Context, projectID string) error {
	st, err := g.Check(ctx, projectID)
	if err != nil {
		return err
	}
	if !st.OK {
		return &ExceededError{ProjectID: projectID, Count: st.Count, Limit: st.Limit}
	}
	return nil
}
