package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
	"stageline/internal/store"
)

type columnSet struct {
	kind    domain.Kind
	selects []string
	allowed map[string]bool
}

var tables = map[string]columnSet{
	store.TableLeads: {
		kind:    domain.KindLead,
		selects: []string{"id", "project_id", "stage_id", "owner_id", "name", "company", "email", "phone", "value", "next_action", "due_date", "notes", "details_json", "created_at", "updated_at"},
		allowed: set("id", "project_id", "stage_id", "owner_id", "name", "company", "email", "phone", "value", "next_action", "due_date", "notes", "details", "created_at", "updated_at"),
	},
	store.TableTasks: {
		kind:    domain.KindTask,
		selects: []string{"id", "project_id", "stage_id", "owner_id", "name", "priority", "due_date", "notes", "completed_at", "created_at", "updated_at"},
		allowed: set("id", "project_id", "stage_id", "owner_id", "name", "priority", "due_date", "notes", "completed_at", "created_at", "updated_at"),
	},
}

func set(cols ...string) map[string]bool {
	m := make(map[string]bool, len(cols))
	for _, c := range cols {
		m[c] = true
	}
	return m
}

func lookup(table string) (columnSet, error) {
	cs, ok := tables[table]
	if !ok {
		return columnSet{}, fmt.Errorf("%w: %q", store.ErrUnknownTable, table)
	}
	return cs, nil
}

// columnFor maps a field name to its SQL column, rejecting anything outside the
// table whitelist.
func (cs columnSet) columnFor(field string) (string, error) {
	if !cs.allowed[field] {
		return "", fmt.Errorf("%w: %q", store.ErrUnknownField, field)
	}
	if field == "details" {
		return "details_json", nil
	}
	return field, nil
}

func sqlValue(field string, v any) (any, error) {
	if field == "details" {
		if v == nil {
			return "{}", nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		return string(data), nil
	}
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *string:
		return nullableStringPtr(x), nil
	case *float64:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case *int:
		return nullableIntPtr(x), nil
	}
	return v, nil
}

// Insert adds a row. fields must carry the id and every NOT NULL column.
func (r Repo) Insert(ctx context.Context, table string, fields store.Fields) error {
	cs, err := lookup(table)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return errors.New("insert: no fields")
	}
	cols := make([]string, 0, len(fields))
	marks := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for _, f := range sortedKeys(fields) {
		col, err := cs.columnFor(f)
		if err != nil {
			return err
		}
		v, err := sqlValue(f, fields[f])
		if err != nil {
			return err
		}
		cols = append(cols, col)
		marks = append(marks, "?")
		args = append(args, v)
	}
	q := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s)`, table, strings.Join(cols, ","), strings.Join(marks, ","))
	_, err = r.DB.ExecContext(ctx, q, args...)
	return err
}

// Update is a point update by id. ErrNotFound when no row matches.
func (r Repo) Update(ctx context.Context, table, id string, fields store.Fields) error {
	cs, err := lookup(table)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	var (
		sets []string
		args []any
	)
	for _, f := range sortedKeys(fields) {
		if f == "id" {
			return fmt.Errorf("%w: id is immutable", store.ErrUnknownField)
		}
		col, err := cs.columnFor(f)
		if err != nil {
			return err
		}
		v, err := sqlValue(f, fields[f])
		if err != nil {
			return err
		}
		sets = append(sets, col+"=?")
		args = append(args, v)
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id=?`, table, strings.Join(sets, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r Repo) Delete(ctx context.Context, table, id string) error {
	if _, err := lookup(table); err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=?`, table), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Query returns rows matching every filter. Without an ordering rows come newest first.
func (r Repo) Query(ctx context.Context, table string, filters []store.Filter, order store.Ordering) ([]domain.Entity, error) {
	cs, err := lookup(table)
	if err != nil {
		return nil, err
	}
	var (
		clauses []string
		args    []any
	)
	for _, f := range filters {
		col, err := cs.columnFor(f.Column)
		if err != nil {
			return nil, err
		}
		switch f.Op {
		case store.OpEq, "":
			if f.Value == nil {
				clauses = append(clauses, col+" IS NULL")
				continue
			}
			clauses = append(clauses, col+"=?")
			args = append(args, f.Value)
		case store.OpNeq:
			if f.Value == nil {
				clauses = append(clauses, col+" IS NOT NULL")
				continue
			}
			clauses = append(clauses, col+"<>?")
			args = append(args, f.Value)
		case store.OpIn:
			values, ok := f.Value.([]string)
			if !ok {
				return nil, fmt.Errorf("filter %s in: want []string, got %T", f.Column, f.Value)
			}
			if len(values) == 0 {
				clauses = append(clauses, "1=0")
				continue
			}
			clauses = append(clauses, col+" IN ("+strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")+")")
			for _, v := range values {
				args = append(args, v)
			}
		default:
			return nil, fmt.Errorf("filter %s: unsupported op %q", f.Column, f.Op)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	orderBy := " ORDER BY created_at DESC, id DESC"
	if order.Column != "" {
		col, err := cs.columnFor(order.Column)
		if err != nil {
			return nil, err
		}
		dir := "ASC"
		if order.Desc {
			dir = "DESC"
		}
		orderBy = fmt.Sprintf(" ORDER BY %s %s, id %s", col, dir, dir)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+strings.Join(cs.selects, ",")+` FROM `+table+where+orderBy, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		var e domain.Entity
		switch cs.kind {
		case domain.KindLead:
			e, err = scanLead(rows)
		default:
			e, err = scanTask(rows)
		}
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Get loads one entity by id.
func (r Repo) Get(ctx context.Context, table, id string) (domain.Entity, error) {
	res, err := r.Query(ctx, table, []store.Filter{store.Eq("id", id)}, store.Ordering{})
	if err != nil {
		return domain.Entity{}, err
	}
	if len(res) == 0 {
		return domain.Entity{}, store.ErrNotFound
	}
	return res[0], nil
}

func scanLead(rows *sql.Rows) (domain.Entity, error) {
	e := domain.Entity{Kind: domain.KindLead}
	var owner, due sql.NullString
	var value sql.NullFloat64
	var details string
	if err := rows.Scan(&e.ID, &e.ProjectID, &e.StageID, &owner, &e.Name, &e.Company, &e.Email, &e.Phone, &value, &e.NextAction, &due, &e.Notes, &details, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	e.OwnerID = optionalString(owner)
	e.DueDate = optionalString(due)
	if value.Valid {
		v := value.Float64
		e.Value = &v
	}
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return e, fmt.Errorf("lead %s details: %w", e.ID, err)
		}
	}
	return e, nil
}

func scanTask(rows *sql.Rows) (domain.Entity, error) {
	e := domain.Entity{Kind: domain.KindTask}
	var owner, due, completed sql.NullString
	var priority sql.NullInt64
	if err := rows.Scan(&e.ID, &e.ProjectID, &e.StageID, &owner, &e.Name, &priority, &due, &e.Notes, &completed, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	e.OwnerID = optionalString(owner)
	e.DueDate = optionalString(due)
	e.CompletedAt = optionalString(completed)
	if priority.Valid {
		p := int(priority.Int64)
		e.Priority = &p
	}
	return e, nil
}
