package auth

import (
	"errors"
	"fmt"

	"stageline/internal/domain"
)

const PermTaskDelete = "task.delete"

var ErrActorRequired = errors.New("actor_id required")

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	EntityID   string
}

func (e ForbiddenError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("permission %s required on %s", e.Permission, e.EntityID)
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

// RequireActor rejects anonymous mutations.
func RequireActor(actorID string) error {
	if actorID == "" {
		return ErrActorRequired
	}
	return nil
}

// CanDeleteTask allows the assignee, or anyone when the task is unassigned.
func CanDeleteTask(task domain.Entity, actorID string) error {
	if err := RequireActor(actorID); err != nil {
		return err
	}
	if task.OwnerID == nil || *task.OwnerID == "" || *task.OwnerID == actorID {
		return nil
	}
	return ForbiddenError{Permission: PermTaskDelete, EntityID: task.ID}
}
