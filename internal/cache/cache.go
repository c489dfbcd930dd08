// Package cache keeps the latest board snapshot per query key and lets the transition
// engine patch it before the store confirms a write.
//
// Snapshots are replaced whole and never mutated after being stored, so a reader
// holding an older snapshot keeps a consistent view.
package cache

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"stageline/internal/domain"
)

// Key identifies a logical query, e.g. all tasks of one project.
type Key string

func KeyFor(kind domain.Kind, projectID string) Key {
	return Key(kind.Table() + ":" + projectID)
}

// Parse splits a key built by KeyFor.
func (k Key) Parse() (domain.Kind, string, bool) {
	board, project, ok := strings.Cut(string(k), ":")
	if !ok || project == "" {
		return "", "", false
	}
	kind, ok := domain.KindFromBoard(board)
	return kind, project, ok
}

type Snapshot []domain.Entity

// Find returns the entity with id.
func (s Snapshot) Find(id string) (domain.Entity, bool) {
	for _, e := range s {
		if e.ID == id {
			return e, true
		}
	}
	return domain.Entity{}, false
}

// Fetcher loads the authoritative snapshot for a key.
type Fetcher func(ctx context.Context, key Key) (Snapshot, error)

type entry struct {
	snap   Snapshot
	loaded bool
	stale  bool
	// gen changes on every write so a refetch that started earlier does not
	// overwrite a newer patch or invalidation.
	gen uint64
}

type Cache struct {
	fetch Fetcher

	mu        sync.Mutex
	entries   map[Key]*entry
	listeners []func(Key)

	group singleflight.Group
}

func New(fetch Fetcher) *Cache {
	return &Cache{fetch: fetch, entries: map[Key]*entry{}}
}

// OnInvalidate registers fn to run after every invalidation. fn must not block.
func (c *Cache) OnInvalidate(fn func(Key)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Get returns the current snapshot for key, stale or not.
func (c *Cache) Get(key Key) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.loaded {
		return nil, false
	}
	return e.snap, true
}

// Stale reports whether key needs a refetch before its snapshot is trusted.
func (c *Cache) Stale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return !ok || !e.loaded || e.stale
}

// Patch replaces the snapshot at key with fn(current). It never performs I/O. The
// patched snapshot is served by Get at once and by Read until the next invalidation.
// A stale entry stays stale, so Read still refetches instead of serving an earlier
// rejected patch. Patching a key that was never loaded is a no-op.
func (c *Cache) Patch(key Key, fn func(Snapshot) Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.loaded {
		return
	}
	e.snap = fn(e.snap)
	e.gen++
}

// Set stores a confirmed snapshot.
func (c *Cache) Set(key Key, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	e.snap = snap
	e.loaded = true
	e.stale = false
	e.gen++
}

// Invalidate marks key stale; the next Read refetches it.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.stale = true
		e.gen++
	}
	listeners := append([]func(Key){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(key)
	}
}

// Clear drops every entry, e.g. when a session ends.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[Key]*entry{}
	c.mu.Unlock()
}

// Read returns a fresh snapshot, refetching when the entry is missing or stale.
// Concurrent reads of the same key share one fetch. If the entry changes while the
// fetch is in flight the result is returned but not stored.
func (c *Cache) Read(ctx context.Context, key Key) (Snapshot, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.loaded && !e.stale {
		snap := e.snap
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(string(key), func() (any, error) {
		c.mu.Lock()
		e := c.entry(key)
		gen := e.gen
		c.mu.Unlock()

		snap, err := c.fetch(ctx, key)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == e && cur.gen == gen {
			cur.snap = snap
			cur.loaded = true
			cur.stale = false
			cur.gen++
		}
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Snapshot), nil
}

// entry returns the entry for key, creating an unloaded one. c.mu must be held.
func (c *Cache) entry(key Key) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{stale: true}
		c.entries[key] = e
	}
	return e
}

// WithStage returns a patch that moves entityID to stageID. For tasks completedAt
// replaces the completion timestamp. The input snapshot is not modified.
func WithStage(entityID, stageID string, completedAt *string, updatedAt string) func(Snapshot) Snapshot {
	return func(s Snapshot) Snapshot {
		for i, e := range s {
			if e.ID != entityID {
				continue
			}
			next := make(Snapshot, len(s))
			copy(next, s)
			e.StageID = stageID
			if e.Kind == domain.KindTask {
				e.CompletedAt = completedAt
			}
			if updatedAt != "" {
				e.UpdatedAt = updatedAt
			}
			next[i] = e
			return next
		}
		return s
	}
}

// Without returns a patch that drops entityID.
func Without(entityID string) func(Snapshot) Snapshot {
	return func(s Snapshot) Snapshot {
		for i, e := range s {
			if e.ID != entityID {
				continue
			}
			next := make(Snapshot, 0, len(s)-1)
			next = append(next, s[:i]...)
			return append(next, s[i+1:]...)
		}
		return s
	}
}
