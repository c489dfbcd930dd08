// Package stage defines the ordered stage registries shared by the lead pipeline and
// the task board.
package stage

import (
	"errors"
	"fmt"
)

// ErrStageNotFound is returned when a stage id is not part of a registry. Callers
// treat it as a configuration or programming error.
var ErrStageNotFound = errors.New("stage not found")

// Stage is one position on a board. On a ranked pipeline an empty NextID marks a
// terminal stage; on an unordered board Terminal is set explicitly.
type Stage struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Color    string `json:"color"`
	NextID   string `json:"next_id,omitempty"`
	Terminal bool   `json:"terminal"`
}

// Registry is an immutable, ordered set of stages.
type Registry struct {
	name   string
	order  []Stage
	byID   map[string]int
	ranked bool
}

// New builds a registry. ranked reports whether the stages form a pipeline with a next
// relation (leads) or an unordered board (tasks).
func New(name string, ranked bool, stages ...Stage) (*Registry, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("registry %s: no stages", name)
	}
	r := &Registry{name: name, ranked: ranked, byID: make(map[string]int, len(stages))}
	for i, s := range stages {
		if s.ID == "" {
			return nil, fmt.Errorf("registry %s: stage %d has empty id", name, i)
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("registry %s: duplicate stage %q", name, s.ID)
		}
		r.byID[s.ID] = i
	}
	for _, s := range stages {
		if s.NextID == "" {
			continue
		}
		if !ranked {
			return nil, fmt.Errorf("registry %s: stage %q has next %q on an unordered board", name, s.ID, s.NextID)
		}
		if s.NextID == s.ID {
			return nil, fmt.Errorf("registry %s: stage %q points to itself", name, s.ID)
		}
		if _, ok := r.byID[s.NextID]; !ok {
			return nil, fmt.Errorf("registry %s: stage %q next %q: %w", name, s.ID, s.NextID, ErrStageNotFound)
		}
	}
	r.order = append([]Stage(nil), stages...)
	if ranked {
		for i := range r.order {
			r.order[i].Terminal = r.order[i].NextID == ""
		}
	}
	return r, nil
}

// MustNew is New for the built-in registries.
func MustNew(name string, ranked bool, stages ...Stage) *Registry {
	r, err := New(name, ranked, stages...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Name() string { return r.name }

// Ranked reports whether the registry defines a next relation.
func (r *Registry) Ranked() bool { return r.ranked }

// Stages returns the stages in display order. The slice is a copy.
func (r *Registry) Stages() []Stage {
	return append([]Stage(nil), r.order...)
}

func (r *Registry) ByID(id string) (Stage, error) {
	i, ok := r.byID[id]
	if !ok {
		return Stage{}, fmt.Errorf("%s stage %q: %w", r.name, id, ErrStageNotFound)
	}
	return r.order[i], nil
}

func (r *Registry) Contains(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// NextOf returns the successor of id. ok is false for stages without one.
func (r *Registry) NextOf(id string) (next Stage, ok bool, err error) {
	s, err := r.ByID(id)
	if err != nil {
		return Stage{}, false, err
	}
	if s.NextID == "" {
		return Stage{}, false, nil
	}
	return r.order[r.byID[s.NextID]], true, nil
}

// First is the default stage for new entities.
func (r *Registry) First() Stage { return r.order[0] }

// IsTerminal reports whether id is a terminal stage. Unknown ids are not terminal.
func (r *Registry) IsTerminal(id string) bool {
	i, ok := r.byID[id]
	return ok && r.order[i].Terminal
}

// Terminal returns the terminal stages in display order.
func (r *Registry) Terminal() []Stage {
	var out []Stage
	for _, s := range r.order {
		if s.Terminal {
			out = append(out, s)
		}
	}
	return out
}
