// Package projector derives board, list and table views from a cache snapshot. All
// functions are pure.
package projector

import (
	"sort"
	"strings"

	"stageline/internal/cache"
	"stageline/internal/domain"
	"stageline/internal/stage"
)

type Total struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
}

// Totals aggregates count and value per stage. Every stage of reg is present, even
// when empty. Entities on unknown stages are skipped.
func Totals(snap cache.Snapshot, reg *stage.Registry) map[string]Total {
	out := make(map[string]Total, len(reg.Stages()))
	for _, s := range reg.Stages() {
		out[s.ID] = Total{}
	}
	for _, e := range snap {
		t, ok := out[e.StageID]
		if !ok {
			continue
		}
		t.Count++
		t.Sum += e.ValueOrZero()
		out[e.StageID] = t
	}
	return out
}

// Filter keeps entities whose name, company or email contains term, case-insensitive,
// sorted newest first. An empty term keeps everything.
func Filter(snap cache.Snapshot, term string) []domain.Entity {
	term = strings.ToLower(strings.TrimSpace(term))
	out := make([]domain.Entity, 0, len(snap))
	for _, e := range snap {
		if term == "" || matches(e, term) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func matches(e domain.Entity, term string) bool {
	for _, f := range []string{e.Name, e.Company, e.Email} {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}

type Column struct {
	Stage    stage.Stage     `json:"stage"`
	Total    Total           `json:"total"`
	Entities []domain.Entity `json:"entities"`
}

// Columns groups entities by stage in registry order.
func Columns(snap cache.Snapshot, reg *stage.Registry) []Column {
	totals := Totals(snap, reg)
	stages := reg.Stages()
	idx := make(map[string]int, len(stages))
	cols := make([]Column, len(stages))
	for i, s := range stages {
		idx[s.ID] = i
		cols[i] = Column{Stage: s, Total: totals[s.ID], Entities: []domain.Entity{}}
	}
	for _, e := range Filter(snap, "") {
		if i, ok := idx[e.StageID]; ok {
			cols[i].Entities = append(cols[i].Entities, e)
		}
	}
	return cols
}

// Row is a flattened entity for table views.
type Row struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Company    string   `json:"company,omitempty"`
	Email      string   `json:"email,omitempty"`
	StageID    string   `json:"stage_id"`
	StageLabel string   `json:"stage_label"`
	StageColor string   `json:"stage_color"`
	Value      *float64 `json:"value,omitempty"`
	Priority   *int     `json:"priority,omitempty"`
	DueDate    string   `json:"due_date,omitempty"`
	OwnerID    string   `json:"owner_id,omitempty"`
	UpdatedAt  string   `json:"updated_at"`
}

// Rows flattens entities newest first, resolving stage labels from reg.
func Rows(snap cache.Snapshot, reg *stage.Registry) []Row {
	list := Filter(snap, "")
	out := make([]Row, 0, len(list))
	for _, e := range list {
		r := Row{
			ID:         e.ID,
			Name:       e.Name,
			Company:    e.Company,
			Email:      e.Email,
			StageID:    e.StageID,
			StageLabel: e.StageID,
			Value:      e.Value,
			Priority:   e.Priority,
			UpdatedAt:  e.UpdatedAt,
		}
		if s, err := reg.ByID(e.StageID); err == nil {
			r.StageLabel = s.Label
			r.StageColor = s.Color
		}
		if e.DueDate != nil {
			r.DueDate = *e.DueDate
		}
		if e.OwnerID != nil {
			r.OwnerID = *e.OwnerID
		}
		out = append(out, r)
	}
	return out
}
