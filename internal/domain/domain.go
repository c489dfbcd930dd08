package domain

// Kind distinguishes the two boards that share the transition engine.
type Kind string

const (
	KindLead Kind = "lead"
	KindTask Kind = "task"
)

// Table returns the store table holding entities of this kind.
func (k Kind) Table() string {
	switch k {
	case KindLead:
		return "leads"
	case KindTask:
		return "tasks"
	}
	return ""
}

// KindFromBoard maps a board name ("leads", "tasks") to its Kind.
func KindFromBoard(board string) (Kind, bool) {
	switch board {
	case "leads", "lead":
		return KindLead, true
	case "tasks", "task":
		return KindTask, true
	}
	return "", false
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Entity is a tracked record on either board. Lead-only and task-only fields are
// left zero for the other kind.
type Entity struct {
	ID         string   `json:"id"`
	Kind       Kind     `json:"kind"`
	ProjectID  string   `json:"project_id"`
	StageID    string   `json:"stage_id"`
	OwnerID    *string  `json:"owner_id,omitempty"`
	Name       string   `json:"name"`
	Company    string   `json:"company,omitempty"`
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	Value      *float64 `json:"value,omitempty"`
	NextAction string   `json:"next_action,omitempty"`
	Priority   *int     `json:"priority,omitempty"`
	DueDate    *string  `json:"due_date,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	// Details carries stage-specific lead form fields (product, quantity, ...).
	Details     map[string]any `json:"details,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

// ValueOrZero returns the monetary value of a lead, zero when unset.
func (e Entity) ValueOrZero() float64 {
	if e.Value == nil {
		return 0
	}
	return *e.Value
}

// TimeLayout is a fixed-width RFC 3339 layout. Stamps written with it sort
// chronologically as strings.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type TransitionRecord struct {
	ID          string `json:"id"`
	EntityID    string `json:"entity_id"`
	FromStageID string `json:"from_stage_id"`
	ToStageID   string `json:"to_stage_id"`
	ActorID     string `json:"actor_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	Comment     string `json:"comment,omitempty"`
}

// TaskFeedback is captured when a task is completed from the board.
type TaskFeedback struct {
	Result     string `json:"result" enum:"success,partial,failed"`
	Insights   string `json:"insights,omitempty"`
	Learning   string `json:"learning,omitempty"`
	NextAction string `json:"next_action,omitempty"`
	Difficulty int    `json:"difficulty" minimum:"1" maximum:"5"`
}

type TaskCompletion struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id"`
	ProjectID string       `json:"project_id"`
	ActorID   string       `json:"actor_id"`
	Feedback  TaskFeedback `json:"feedback"`
	CreatedAt string       `json:"created_at" format:"date-time"`
}
