// Package store holds the persistence contracts the engine depends on. The SQLite
// implementations live in internal/repo and internal/events.
package store

import (
	"context"
	"errors"

	"stageline/internal/domain"
)

const (
	TableLeads       = "leads"
	TableTasks       = "tasks"
	TableTransitions = "transitions"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnknownTable = errors.New("unknown table")
	ErrUnknownField = errors.New("unknown field")
)

// Fields is a column to value map used for inserts and point updates.
type Fields map[string]any

type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpIn  Op = "in"
)

type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(col string, v any) Filter  { return Filter{Column: col, Op: OpEq, Value: v} }
func Neq(col string, v any) Filter { return Filter{Column: col, Op: OpNeq, Value: v} }

// In matches any of values. An empty list matches nothing.
func In(col string, values ...string) Filter { return Filter{Column: col, Op: OpIn, Value: values} }

type Ordering struct {
	Column string
	Desc   bool
}

// EntityStore is the persistent table of leads and tasks.
type EntityStore interface {
	Update(ctx context.Context, table, id string, fields Fields) error
	Insert(ctx context.Context, table string, fields Fields) error
	Query(ctx context.Context, table string, filters []Filter, order Ordering) ([]domain.Entity, error)
	Delete(ctx context.Context, table, id string) error
}

// HistoryLog is the append-only transition trail.
type HistoryLog interface {
	Append(ctx context.Context, table string, rec domain.TransitionRecord) error
}
