package capacity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
	"stageline/internal/store"
)

type memStore struct {
	rows []domain.Entity
	err  error
}

func (m *memStore) Update(context.Context, string, string, store.Fields) error { return nil }
func (m *memStore) Insert(context.Context, string, store.Fields) error         { return nil }
func (m *memStore) Delete(context.Context, string, string) error               { return nil }

func (m *memStore) Query(_ context.Context, _ string, filters []store.Filter, _ store.Ordering) ([]domain.Entity, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Entity
	for _, e := range m.rows {
		keep := true
		for _, f := range filters {
			var v string
			switch f.Column {
			case "project_id":
				v = e.ProjectID
			case "stage_id":
				v = e.StageID
			}
			switch f.Op {
			case store.OpEq:
				keep = keep && v == f.Value
			case store.OpNeq:
				keep = keep && v != f.Value
			}
		}
		if keep {
			out = append(out, e)
		}
	}
	return out, nil
}

func withTasks(stages ...string) *memStore {
	m := &memStore{}
	for i, s := range stages {
		m.rows = append(m.rows, domain.Entity{ID: string(rune('a' + i)), ProjectID: "p1", StageID: s})
	}
	m.rows = append(m.rows, domain.Entity{ID: "other", ProjectID: "p2", StageID: "todo"})
	return m
}

func guard(s store.EntityStore) Guard {
	return Guard{Store: s, Table: store.TableTasks, TerminalStage: "done", Limit: DefaultTaskLimit}
}

func TestCheckBoundary(t *testing.T) {
	st, err := guard(withTasks("todo", "doing", "blocked", "todo")).Check(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, Status{Count: 4, Limit: 5, OK: true}, st)

	st, err = guard(withTasks("todo", "doing", "blocked", "todo", "doing")).Check(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, Status{Count: 5, Limit: 5, OK: false}, st)
}

func TestTerminalItemsDoNotCount(t *testing.T) {
	st, err := guard(withTasks("todo", "doing", "done", "done", "blocked", "done")).Check(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Count)
	assert.True(t, st.OK)
}

func TestCheckFailsClosed(t *testing.T) {
	st, err := guard(&memStore{err: errors.New("timeout")}).Check(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckFailed))
	assert.False(t, st.OK)

	err = guard(&memStore{err: errors.New("timeout")}).Admit(context.Background(), "p1")
	assert.True(t, errors.Is(err, ErrCheckFailed))
}

func TestAdmitExceeded(t *testing.T) {
	err := guard(withTasks("todo", "todo", "todo", "todo", "todo")).Admit(context.Background(), "p1")
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 5, exceeded.Count)
	assert.Equal(t, "p1", exceeded.ProjectID)

	require.NoError(t, guard(withTasks("todo")).Admit(context.Background(), "p1"))
}

func TestUnlimitedGuard(t *testing.T) {
	g := Guard{Store: &memStore{err: errors.New("never called")}, Limit: 0}
	st, err := g.Check(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, st.OK)
}
