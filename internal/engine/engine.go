package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"stageline/internal/cache"
	"stageline/internal/capacity"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
	"stageline/internal/stage"
	"stageline/internal/store"
)

var (
	// ErrInvalidStage wraps stage.ErrStageNotFound for ids outside an entity's registry.
	ErrInvalidStage = errors.New("invalid stage")
	// ErrTransitionFailed matches every *TransitionError.
	ErrTransitionFailed = errors.New("transition failed")
	// ErrHistoryLogFailed is logged when a transition record could not be appended.
	// It never reaches callers.
	ErrHistoryLogFailed = errors.New("history log failed")
	ErrInvalidFields    = errors.New("invalid fields")
)

// Outcome of a stage transition.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeNoOp      Outcome = "noop"
	OutcomeFailed    Outcome = "failed"
)

// TransitionError reports a move the store rejected. The optimistic patch has already
// been discarded when it is returned.
type TransitionError struct {
	EntityID string
	From     string
	To       string
	Err      error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("move %s from %s to %s: %v", e.EntityID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func (e *TransitionError) Is(target error) bool { return target == ErrTransitionFailed }

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Store     store.EntityStore
	History   store.HistoryLog
	Events    events.Writer
	Cache     *cache.Cache
	Leads     *stage.Registry
	Tasks     *stage.Registry
	TaskGuard capacity.Guard
	Logger    *slog.Logger
	Now       func() time.Time
	// HistoryRetry bounds retries of a failed history append.
	HistoryRetry time.Duration

	bg *sync.WaitGroup
}

type Option func(*Engine)

// WithStore replaces the entity store, e.g. with an instrumented wrapper.
func WithStore(s store.EntityStore) Option { return func(e *Engine) { e.Store = s } }

func WithHistory(h store.HistoryLog) Option { return func(e *Engine) { e.History = h } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.Logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.Now = now } }

// New wires the SQLite store, history log and a fresh cache. Options are applied
// before the cache and capacity guard are built so they see the final store.
func New(db *sql.DB, cfg *config.Config, opts ...Option) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:           db,
		Repo:         r,
		Store:        r,
		History:      events.History{DB: db},
		Events:       events.Writer{DB: db},
		Leads:        stage.LeadPipeline(),
		Tasks:        stage.TaskBoard(),
		Logger:       slog.Default(),
		Now:          time.Now,
		HistoryRetry: cfg.History.RetryMaxElapsed,
		bg:           &sync.WaitGroup{},
	}
	for _, opt := range opts {
		opt(&e)
	}
	if h, ok := e.History.(events.History); ok && h.Now == nil {
		h.Now = e.Now
		e.History = h
	}
	e.Events.Now = e.Now
	e.Cache = cache.New(e.fetch)
	e.TaskGuard = capacity.Guard{
		Store:         e.Store,
		Table:         store.TableTasks,
		TerminalStage: stage.DoneStage,
		Limit:         cfg.Capacity.TaskLimit,
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Registry returns the stage registry for kind.
func (e Engine) Registry(kind domain.Kind) (*stage.Registry, error) {
	switch kind {
	case domain.KindLead:
		return e.Leads, nil
	case domain.KindTask:
		return e.Tasks, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

func (e Engine) fetch(ctx context.Context, key cache.Key) (cache.Snapshot, error) {
	kind, projectID, ok := key.Parse()
	if !ok {
		return nil, fmt.Errorf("bad cache key %q", key)
	}
	rows, err := e.Store.Query(ctx, kind.Table(), []store.Filter{store.Eq("project_id", projectID)}, store.Ordering{})
	if err != nil {
		return nil, err
	}
	return cache.Snapshot(rows), nil
}

// Wait blocks until background history appends have finished.
func (e Engine) Wait() {
	if e.bg != nil {
		e.bg.Wait()
	}
}

func (e Engine) validateStages(reg *stage.Registry, ids ...string) error {
	for _, id := range ids {
		if _, err := reg.ByID(id); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidStage, err)
		}
	}
	return nil
}

// Transition moves ent from fromID to toID.
//
// A move to the same stage returns OutcomeNoOp without touching the cache or the
// store. Otherwise the cached board is patched before the store is written, and the
// key is invalidated afterwards whether the write succeeded or not. Lead moves append
// a history record in the background; a failed append is only logged.
func (e Engine) Transition(ctx context.Context, ent domain.Entity, fromID, toID, actorID string) (Outcome, error) {
	if fromID == toID {
		return OutcomeNoOp, nil
	}
	reg, err := e.Registry(ent.Kind)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: %w", ErrInvalidStage, err)
	}
	if err := e.validateStages(reg, fromID, toID); err != nil {
		return OutcomeFailed, err
	}

	key := cache.KeyFor(ent.Kind, ent.ProjectID)
	now := e.stamp()
	fields := store.Fields{"stage_id": toID, "updated_at": now}
	var completedAt *string
	if ent.Kind == domain.KindTask {
		if reg.IsTerminal(toID) {
			completedAt = &now
		}
		fields["completed_at"] = completedAt
	}

	e.Cache.Patch(key, cache.WithStage(ent.ID, toID, completedAt, now))

	if err := e.Store.Update(ctx, ent.Kind.Table(), ent.ID, fields); err != nil {
		e.Cache.Invalidate(key)
		return OutcomeFailed, &TransitionError{EntityID: ent.ID, From: fromID, To: toID, Err: err}
	}

	if ent.Kind == domain.KindLead {
		e.appendHistory(ctx, domain.TransitionRecord{
			ID:          uuid.NewString(),
			EntityID:    ent.ID,
			FromStageID: fromID,
			ToStageID:   toID,
			ActorID:     actorID,
			CreatedAt:   e.now().UTC().Format(domain.TimeLayout),
		})
	}
	e.Cache.Invalidate(key)
	return OutcomeCommitted, nil
}

func (e Engine) appendHistory(ctx context.Context, rec domain.TransitionRecord) {
	if e.History == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if e.bg != nil {
		e.bg.Add(1)
	}
	go func() {
		if e.bg != nil {
			defer e.bg.Done()
		}
		var bo backoff.BackOff = &backoff.StopBackOff{}
		if e.HistoryRetry > 0 {
			exp := backoff.NewExponentialBackOff()
			exp.InitialInterval = 100 * time.Millisecond
			exp.MaxElapsedTime = e.HistoryRetry
			bo = exp
		}
		err := backoff.Retry(func() error {
			err := e.History.Append(ctx, store.TableTransitions, rec)
			if errors.Is(err, store.ErrUnknownTable) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			e.logger().Warn("transition not recorded",
				"entity_id", rec.EntityID,
				"from", rec.FromStageID,
				"to", rec.ToStageID,
				"actor_id", rec.ActorID,
				"error", fmt.Errorf("%w: %w", ErrHistoryLogFailed, err),
			)
		}
	}()
}

// Move is the drag-and-drop entry point. It resolves entityID on the cached board of
// the project and transitions it. An empty fromID means the entity's current stage.
// The returned entity reflects the board after the move settled.
func (e Engine) Move(ctx context.Context, kind domain.Kind, projectID, entityID, fromID, toID, actorID string) (Outcome, domain.Entity, error) {
	key := cache.KeyFor(kind, projectID)
	snap, err := e.Cache.Read(ctx, key)
	if err != nil {
		return OutcomeFailed, domain.Entity{}, err
	}
	ent, ok := snap.Find(entityID)
	if !ok {
		return OutcomeFailed, domain.Entity{}, fmt.Errorf("%s %s: %w", kind, entityID, store.ErrNotFound)
	}
	if fromID == "" {
		fromID = ent.StageID
	}
	outcome, err := e.Transition(ctx, ent, fromID, toID, actorID)
	if err != nil || outcome == OutcomeNoOp {
		return outcome, ent, err
	}
	if snap, rerr := e.Cache.Read(ctx, key); rerr == nil {
		if moved, ok := snap.Find(entityID); ok {
			ent = moved
		}
	}
	return outcome, ent, nil
}

// Board returns the fresh snapshot for a project board together with its registry.
func (e Engine) Board(ctx context.Context, kind domain.Kind, projectID string) (cache.Snapshot, *stage.Registry, error) {
	reg, err := e.Registry(kind)
	if err != nil {
		return nil, nil, err
	}
	snap, err := e.Cache.Read(ctx, cache.KeyFor(kind, projectID))
	if err != nil {
		return nil, nil, err
	}
	return snap, reg, nil
}

// Capacity reports the open task count of a project.
func (e Engine) Capacity(ctx context.Context, projectID string) (capacity.Status, error) {
	return e.TaskGuard.Check(ctx, projectID)
}
