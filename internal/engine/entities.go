package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"stageline/internal/cache"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/stage"
	"stageline/internal/store"
)

// CreateProject registers a project. An empty id is generated.
func (e Engine) CreateProject(ctx context.Context, id, name, actorID string) (domain.Project, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{ID: id, Name: name, CreatedAt: e.stamp()}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,created_at) VALUES (?,?,?)`, p.ID, p.Name, p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, domain.Kind("project"), p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// recordActivity writes to the activity log outside the entity write. Failures are
// logged; the entity change already happened.
func (e Engine) recordActivity(ctx context.Context, evtType string, ent domain.Entity, actorID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, nil, evtType, ent.ProjectID, ent.Kind, ent.ID, actorID, payload); err != nil {
		e.logger().Warn("activity not recorded", "type", evtType, "entity_id", ent.ID, "error", err)
	}
}

// LeadCreateOptions are parameters for creating a lead. Details holds the stage form
// fields without a dedicated column (producto, cantidad, forma_pago, ...).
type LeadCreateOptions struct {
	ProjectID  string
	StageID    string
	Name       string
	Company    string
	Email      string
	Phone      string
	Value      *float64
	OwnerID    string
	NextAction string
	DueDate    string
	Notes      string
	Details    map[string]any
	ActorID    string
}

// leadColumns maps stage form fields to lead columns.
var leadColumns = map[string]string{
	"nombre_contacto":      "name",
	"empresa":              "company",
	"email_contacto":       "email",
	"telefono_contacto":    "phone",
	"valor_potencial":      "value",
	"proxima_accion":       "next_action",
	"proxima_accion_fecha": "due_date",
	"notas":                "notes",
}

func leadFormValues(ent domain.Entity) map[string]any {
	values := map[string]any{}
	for k, v := range ent.Details {
		values[k] = v
	}
	values["nombre_contacto"] = ent.Name
	values["empresa"] = ent.Company
	values["email_contacto"] = ent.Email
	values["telefono_contacto"] = ent.Phone
	values["proxima_accion"] = ent.NextAction
	values["notas"] = ent.Notes
	if ent.Value != nil {
		values["valor_potencial"] = *ent.Value
	}
	if ent.DueDate != nil {
		values["proxima_accion_fecha"] = *ent.DueDate
	}
	return values
}

// validateLead runs the stage form rules and fills the derived totals into Details.
func validateLead(ent *domain.Entity) error {
	values := leadFormValues(*ent)
	stage.Derive(values)
	if err := stage.ValidateLeadFields(ent.StageID, values); err != nil {
		if errors.Is(err, stage.ErrStageNotFound) {
			return fmt.Errorf("%w: %w", ErrInvalidStage, err)
		}
		return fmt.Errorf("%w: %w", ErrInvalidFields, err)
	}
	details := map[string]any{}
	for k, v := range values {
		if _, column := leadColumns[k]; !column {
			details[k] = v
		}
	}
	if len(details) == 0 {
		details = nil
	}
	ent.Details = details
	return nil
}

func (e Engine) CreateLead(ctx context.Context, opts LeadCreateOptions) (domain.Entity, error) {
	if err := auth.RequireActor(opts.ActorID); err != nil {
		return domain.Entity{}, err
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Entity{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	if opts.StageID == "" {
		opts.StageID = e.Leads.First().ID
	}
	if err := e.validateStages(e.Leads, opts.StageID); err != nil {
		return domain.Entity{}, err
	}
	now := e.stamp()
	ent := domain.Entity{
		ID:         uuid.NewString(),
		Kind:       domain.KindLead,
		ProjectID:  opts.ProjectID,
		StageID:    opts.StageID,
		OwnerID:    optional(opts.OwnerID),
		Name:       strings.TrimSpace(opts.Name),
		Company:    strings.TrimSpace(opts.Company),
		Email:      strings.TrimSpace(opts.Email),
		Phone:      opts.Phone,
		Value:      opts.Value,
		NextAction: opts.NextAction,
		DueDate:    optional(opts.DueDate),
		Notes:      opts.Notes,
		Details:    opts.Details,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := validateLead(&ent); err != nil {
		return domain.Entity{}, err
	}
	if err := e.Store.Insert(ctx, store.TableLeads, leadFields(ent)); err != nil {
		return domain.Entity{}, fmt.Errorf("insert lead: %w", err)
	}
	e.recordActivity(ctx, events.LeadCreated, ent, opts.ActorID, events.EventPayload{"stage_id": ent.StageID})
	e.Cache.Invalidate(cache.KeyFor(domain.KindLead, ent.ProjectID))
	return ent, nil
}

func leadFields(ent domain.Entity) store.Fields {
	f := store.Fields{
		"project_id":  ent.ProjectID,
		"stage_id":    ent.StageID,
		"owner_id":    ent.OwnerID,
		"name":        ent.Name,
		"company":     ent.Company,
		"email":       ent.Email,
		"phone":       ent.Phone,
		"value":       ent.Value,
		"next_action": ent.NextAction,
		"due_date":    ent.DueDate,
		"notes":       ent.Notes,
		"details":     ent.Details,
		"updated_at":  ent.UpdatedAt,
	}
	if ent.CreatedAt != "" {
		f["id"] = ent.ID
		f["created_at"] = ent.CreatedAt
	}
	return f
}

// LeadUpdateOptions edits lead fields in place. Nil fields are left unchanged. The
// stage is changed through Transition only.
type LeadUpdateOptions struct {
	ID         string
	ProjectID  string
	Name       *string
	Company    *string
	Email      *string
	Phone      *string
	Value      *float64
	OwnerID    *string
	NextAction *string
	DueDate    *string
	Notes      *string
	Details    map[string]any
	ActorID    string
}

func (e Engine) UpdateLead(ctx context.Context, opts LeadUpdateOptions) (domain.Entity, error) {
	if err := auth.RequireActor(opts.ActorID); err != nil {
		return domain.Entity{}, err
	}
	ent, err := e.Repo.Get(ctx, store.TableLeads, opts.ID)
	if err != nil {
		return domain.Entity{}, err
	}
	if opts.ProjectID != "" && ent.ProjectID != opts.ProjectID {
		return domain.Entity{}, fmt.Errorf("lead %s: %w", opts.ID, store.ErrNotFound)
	}
	assign(&ent.Name, opts.Name)
	assign(&ent.Company, opts.Company)
	assign(&ent.Email, opts.Email)
	assign(&ent.Phone, opts.Phone)
	assign(&ent.NextAction, opts.NextAction)
	assign(&ent.Notes, opts.Notes)
	if opts.Value != nil {
		ent.Value = opts.Value
	}
	if opts.OwnerID != nil {
		ent.OwnerID = optional(*opts.OwnerID)
	}
	if opts.DueDate != nil {
		ent.DueDate = optional(*opts.DueDate)
	}
	if len(opts.Details) > 0 {
		merged := map[string]any{}
		for k, v := range ent.Details {
			merged[k] = v
		}
		for k, v := range opts.Details {
			merged[k] = v
		}
		ent.Details = merged
	}
	ent.UpdatedAt = e.stamp()
	if err := validateLead(&ent); err != nil {
		return domain.Entity{}, err
	}
	fields := leadFields(domain.Entity{
		ProjectID: ent.ProjectID, StageID: ent.StageID, OwnerID: ent.OwnerID, Name: ent.Name,
		Company: ent.Company, Email: ent.Email, Phone: ent.Phone, Value: ent.Value,
		NextAction: ent.NextAction, DueDate: ent.DueDate, Notes: ent.Notes, Details: ent.Details,
		UpdatedAt: ent.UpdatedAt,
	})
	delete(fields, "project_id")
	delete(fields, "stage_id")
	key := cache.KeyFor(domain.KindLead, ent.ProjectID)
	if err := e.Store.Update(ctx, store.TableLeads, ent.ID, fields); err != nil {
		e.Cache.Invalidate(key)
		return domain.Entity{}, fmt.Errorf("update lead: %w", err)
	}
	e.recordActivity(ctx, events.LeadUpdated, ent, opts.ActorID, nil)
	e.Cache.Invalidate(key)
	return ent, nil
}

// DeleteLead never removes a lead; lost leads are moved to a closed stage instead.
// It only checks that the lead exists.
func (e Engine) DeleteLead(ctx context.Context, projectID, id, actorID string) error {
	if err := auth.RequireActor(actorID); err != nil {
		return err
	}
	ent, err := e.Repo.Get(ctx, store.TableLeads, id)
	if err != nil {
		return err
	}
	if projectID != "" && ent.ProjectID != projectID {
		return fmt.Errorf("lead %s: %w", id, store.ErrNotFound)
	}
	e.logger().Debug("lead delete ignored", "lead_id", id, "actor_id", actorID)
	return nil
}

// LeadHistory lists the stage transitions of a lead, newest first.
func (e Engine) LeadHistory(ctx context.Context, id string) ([]domain.TransitionRecord, error) {
	if _, err := e.Repo.Get(ctx, store.TableLeads, id); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, id)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID string
	StageID   string
	Title     string
	Notes     string
	Priority  *int
	DueDate   string
	OwnerID   string
	ActorID   string
}

func validPriority(p *int) error {
	if p == nil {
		return nil
	}
	return validation.Validate(*p, validation.Min(1), validation.Max(3))
}

// CreateTask inserts a task after the capacity guard admits it. The guard runs right
// before the insert; two concurrent creations may both pass.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Entity, error) {
	if err := auth.RequireActor(opts.ActorID); err != nil {
		return domain.Entity{}, err
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Entity{}, fmt.Errorf("%w: title is required", ErrInvalidFields)
	}
	if err := validPriority(opts.Priority); err != nil {
		return domain.Entity{}, fmt.Errorf("%w: priority %w", ErrInvalidFields, err)
	}
	if opts.DueDate != "" {
		if err := validation.Validate(opts.DueDate, validation.Date(stage.DateLayout)); err != nil {
			return domain.Entity{}, fmt.Errorf("%w: due date %w", ErrInvalidFields, err)
		}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Entity{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	if opts.StageID == "" {
		opts.StageID = e.Tasks.First().ID
	}
	if err := e.validateStages(e.Tasks, opts.StageID); err != nil {
		return domain.Entity{}, err
	}
	if err := e.TaskGuard.Admit(ctx, opts.ProjectID); err != nil {
		return domain.Entity{}, err
	}
	now := e.stamp()
	ent := domain.Entity{
		ID:        uuid.NewString(),
		Kind:      domain.KindTask,
		ProjectID: opts.ProjectID,
		StageID:   opts.StageID,
		OwnerID:   optional(opts.OwnerID),
		Name:      strings.TrimSpace(opts.Title),
		Priority:  opts.Priority,
		DueDate:   optional(opts.DueDate),
		Notes:     opts.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if e.Tasks.IsTerminal(ent.StageID) {
		ent.CompletedAt = &now
	}
	if err := e.Store.Insert(ctx, store.TableTasks, store.Fields{
		"id":           ent.ID,
		"project_id":   ent.ProjectID,
		"stage_id":     ent.StageID,
		"owner_id":     ent.OwnerID,
		"name":         ent.Name,
		"priority":     ent.Priority,
		"due_date":     ent.DueDate,
		"notes":        ent.Notes,
		"completed_at": ent.CompletedAt,
		"created_at":   ent.CreatedAt,
		"updated_at":   ent.UpdatedAt,
	}); err != nil {
		return domain.Entity{}, fmt.Errorf("insert task: %w", err)
	}
	e.recordActivity(ctx, events.TaskCreated, ent, opts.ActorID, events.EventPayload{"stage_id": ent.StageID})
	e.Cache.Invalidate(cache.KeyFor(domain.KindTask, ent.ProjectID))
	return ent, nil
}

// TaskUpdateOptions edits task fields. Nil fields are left unchanged.
type TaskUpdateOptions struct {
	ID        string
	ProjectID string
	Title     *string
	Notes     *string
	Priority  *int
	DueDate   *string
	OwnerID   *string
	ActorID   string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Entity, error) {
	if err := auth.RequireActor(opts.ActorID); err != nil {
		return domain.Entity{}, err
	}
	ent, err := e.Repo.Get(ctx, store.TableTasks, opts.ID)
	if err != nil {
		return domain.Entity{}, err
	}
	if opts.ProjectID != "" && ent.ProjectID != opts.ProjectID {
		return domain.Entity{}, fmt.Errorf("task %s: %w", opts.ID, store.ErrNotFound)
	}
	fields := store.Fields{}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return domain.Entity{}, fmt.Errorf("%w: title is required", ErrInvalidFields)
		}
		ent.Name = strings.TrimSpace(*opts.Title)
		fields["name"] = ent.Name
	}
	if opts.Notes != nil {
		ent.Notes = *opts.Notes
		fields["notes"] = ent.Notes
	}
	if opts.Priority != nil {
		if err := validPriority(opts.Priority); err != nil {
			return domain.Entity{}, fmt.Errorf("%w: priority %w", ErrInvalidFields, err)
		}
		ent.Priority = opts.Priority
		fields["priority"] = ent.Priority
	}
	if opts.DueDate != nil {
		if *opts.DueDate != "" {
			if err := validation.Validate(*opts.DueDate, validation.Date(stage.DateLayout)); err != nil {
				return domain.Entity{}, fmt.Errorf("%w: due date %w", ErrInvalidFields, err)
			}
		}
		ent.DueDate = optional(*opts.DueDate)
		fields["due_date"] = ent.DueDate
	}
	if opts.OwnerID != nil {
		ent.OwnerID = optional(*opts.OwnerID)
		fields["owner_id"] = ent.OwnerID
	}
	if len(fields) == 0 {
		return ent, nil
	}
	ent.UpdatedAt = e.stamp()
	fields["updated_at"] = ent.UpdatedAt
	key := cache.KeyFor(domain.KindTask, ent.ProjectID)
	if err := e.Store.Update(ctx, store.TableTasks, ent.ID, fields); err != nil {
		e.Cache.Invalidate(key)
		return domain.Entity{}, fmt.Errorf("update task: %w", err)
	}
	e.recordActivity(ctx, events.TaskUpdated, ent, opts.ActorID, nil)
	e.Cache.Invalidate(key)
	return ent, nil
}

// DeleteTask removes a task. Only its assignee may delete an assigned task.
func (e Engine) DeleteTask(ctx context.Context, projectID, id, actorID string) error {
	ent, err := e.Repo.Get(ctx, store.TableTasks, id)
	if err != nil {
		return err
	}
	if projectID != "" && ent.ProjectID != projectID {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err := auth.CanDeleteTask(ent, actorID); err != nil {
		return err
	}
	key := cache.KeyFor(domain.KindTask, ent.ProjectID)
	e.Cache.Patch(key, cache.Without(id))
	if err := e.Store.Delete(ctx, store.TableTasks, id); err != nil {
		e.Cache.Invalidate(key)
		return fmt.Errorf("delete task: %w", err)
	}
	e.recordActivity(ctx, events.TaskDeleted, ent, actorID, events.EventPayload{"title": ent.Name})
	e.Cache.Invalidate(key)
	return nil
}

// CompleteTaskOptions toggles a task's completion from the board checkbox.
type CompleteTaskOptions struct {
	ID        string
	ProjectID string
	ActorID   string
	Feedback  *domain.TaskFeedback
}

func validateFeedback(f domain.TaskFeedback) error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Result, validation.Required, validation.In("success", "partial", "failed")),
		validation.Field(&f.Difficulty, validation.Required, validation.Min(1), validation.Max(5)),
	)
}

// CompleteTask moves an open task to done and stores the feedback, if any. A task
// that is already done is moved back to todo.
func (e Engine) CompleteTask(ctx context.Context, opts CompleteTaskOptions) (Outcome, domain.Entity, error) {
	if err := auth.RequireActor(opts.ActorID); err != nil {
		return OutcomeFailed, domain.Entity{}, err
	}
	ent, err := e.Repo.Get(ctx, store.TableTasks, opts.ID)
	if err != nil {
		return OutcomeFailed, domain.Entity{}, err
	}
	if opts.ProjectID != "" && ent.ProjectID != opts.ProjectID {
		return OutcomeFailed, domain.Entity{}, fmt.Errorf("task %s: %w", opts.ID, store.ErrNotFound)
	}
	if e.Tasks.IsTerminal(ent.StageID) {
		return e.Move(ctx, domain.KindTask, ent.ProjectID, ent.ID, ent.StageID, stage.TodoStage, opts.ActorID)
	}
	if opts.Feedback != nil {
		if err := validateFeedback(*opts.Feedback); err != nil {
			return OutcomeFailed, domain.Entity{}, fmt.Errorf("%w: %w", ErrInvalidFields, err)
		}
	}
	outcome, moved, err := e.Move(ctx, domain.KindTask, ent.ProjectID, ent.ID, ent.StageID, stage.DoneStage, opts.ActorID)
	if err != nil {
		return outcome, moved, err
	}
	if opts.Feedback == nil {
		return outcome, moved, nil
	}
	c := domain.TaskCompletion{
		ID:        uuid.NewString(),
		TaskID:    ent.ID,
		ProjectID: ent.ProjectID,
		ActorID:   opts.ActorID,
		Feedback:  *opts.Feedback,
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return outcome, moved, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCompletionTx(ctx, tx, c); err != nil {
		return outcome, moved, fmt.Errorf("record completion: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCompleted, ent.ProjectID, domain.KindTask, ent.ID, opts.ActorID, events.EventPayload{
		"result":     c.Feedback.Result,
		"difficulty": c.Feedback.Difficulty,
	}); err != nil {
		return outcome, moved, err
	}
	if err := tx.Commit(); err != nil {
		return outcome, moved, err
	}
	return outcome, moved, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func assign(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
